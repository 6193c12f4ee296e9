// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upload implements the streamed artifact ingestion endpoint.
//
// Grounded on the teacher's streamed-write-then-chmod pattern in
// pkg/catch/sftp.go, adapted from an SFTP PUT to an HTTP PUT body stream.
package upload

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/apperror"
	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/events"
	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/githubstate"
	"github.com/previewrun/previewd/internal/hashutil"
	"github.com/previewrun/previewd/internal/registry"
)

type Handler struct {
	log      zerolog.Logger
	cfg      *config.Config
	bus      *eventbus.Bus
	registry *registry.Registry
	github   *githubstate.Manager
}

func New(log zerolog.Logger, cfg *config.Config, bus *eventbus.Bus, reg *registry.Registry, gh *githubstate.Manager) *Handler {
	return &Handler{log: log, cfg: cfg, bus: bus, registry: reg, github: gh}
}

// ServeHTTP implements the contract from spec.md 4.4: validate hashes,
// authenticate with a constant-time Bearer comparison, stream the body to
// the content-addressed path, chmod 0755, then refresh the registry and
// (best-effort) the GitHub metadata cache.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	triggerHash := chi.URLParam(r, "trigger_hash")
	buildHash := chi.URLParam(r, "build_hash")

	if !hashutil.IsValidHash(triggerHash) || !hashutil.IsValidHash(buildHash) {
		apperror.Write(&h.log, w, apperror.NewClient("invalid commit hash"))
		return
	}

	h.log.Info().Str("trigger", triggerHash).Str("build", buildHash).Msg("incoming upload")

	token, ok := bearerToken(r)
	if !ok {
		apperror.Write(&h.log, w, apperror.NewClient("missing bearer token"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.APIKey)) != 1 {
		h.log.Error().Str("trigger", triggerHash).Str("build", buildHash).Msg("invalid API key for upload")
		apperror.Write(&h.log, w, apperror.NewClient("invalid API key"))
		return
	}

	path := registry.Path(triggerHash, buildHash)

	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			apperror.Write(&h.log, w, apperror.NewServer("remove existing artifact: %w", err))
			return
		}
	}

	if err := writeArtifact(path, r.Body); err != nil {
		apperror.Write(&h.log, w, apperror.NewServer("write artifact: %w", err))
		return
	}

	if err := os.Chmod(path, 0o755); err != nil {
		apperror.Write(&h.log, w, apperror.NewServer("chmod artifact: %w", err))
		return
	}

	h.log.Info().Str("trigger", triggerHash).Str("build", buildHash).Msg("uploaded artifact")

	h.registry.Scan()
	h.bus.Publish(events.NewExecutablesState(h.registry.Views()))

	if state, err := h.github.Refresh(); err == nil {
		h.bus.Publish(events.NewGithubState(state))
	}

	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, "Upload of executable for %s and %s successful", triggerHash, buildHash)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	return strings.CutPrefix(header, "Bearer ")
}

// writeArtifact streams src into a new file at path through a buffered
// writer. A partial write on I/O error leaves a possibly-corrupt file; the
// next upload for the same pair unlinks it first, and GC eventually
// reclaims it, per the documented accepted limitation.
func writeArtifact(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	w := bufio.NewWriter(f)
	_, copyErr := io.Copy(w, src)
	flushErr := w.Flush()
	closeErr := f.Close()

	if copyErr != nil {
		return fmt.Errorf("copy: %w", copyErr)
	}
	if flushErr != nil {
		return fmt.Errorf("flush: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close: %w", closeErr)
	}
	return nil
}
