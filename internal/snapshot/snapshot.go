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

// Package snapshot composes the initial-state JSON document a newly
// connected client fetches before subscribing to the observer stream.
package snapshot

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/apperror"
	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/events"
	"github.com/previewrun/previewd/internal/githubstate"
	"github.com/previewrun/previewd/internal/hashutil"
	"github.com/previewrun/previewd/internal/hostmon"
	"github.com/previewrun/previewd/internal/identity"
	"github.com/previewrun/previewd/internal/registry"
	"github.com/previewrun/previewd/internal/supervisor"
)

const githubBaseURL = "https://github.com"

type document struct {
	IsAdmin     bool                `json:"isAdmin"`
	User        identity.Principal  `json:"user"`
	Title       string              `json:"title"`
	BaseURL     string              `json:"baseUrl"`
	Github      events.GitHubState  `json:"github"`
	Memory      memoryState         `json:"memory"`
	Executables []events.ArtifactView `json:"executables"`
	Services    []events.ServiceView  `json:"services"`
	Words       []string            `json:"words"`
}

type memoryState struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
}

type Handler struct {
	log     zerolog.Logger
	cfg     *config.Config
	cookies *identity.CookieCodec
	github  *githubstate.Manager
	monitor *hostmon.Monitor
	reg     *registry.Registry
	super   *supervisor.Manager
}

func New(log zerolog.Logger, cfg *config.Config, cookies *identity.CookieCodec, gh *githubstate.Manager, mon *hostmon.Monitor, reg *registry.Registry, super *supervisor.Manager) *Handler {
	return &Handler{log: log, cfg: cfg, cookies: cookies, github: gh, monitor: mon, reg: reg, super: super}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.resolvePrincipal(r)
	if err != nil {
		apperror.Write(&h.log, w, apperror.NewClient("%w", err))
		return
	}

	used, total := h.monitor.State()

	doc := document{
		IsAdmin:     principal.IsAdmin(h.cfg.Admins),
		User:        principal.HashAnonymous(),
		Title:       h.cfg.Title,
		BaseURL:     fmt.Sprintf("%s/%s/%s", githubBaseURL, h.cfg.GithubOwner, h.cfg.GithubRepo),
		Github:      h.github.State(),
		Memory:      memoryState{Used: used, Total: total},
		Executables: h.reg.Views(),
		Services:    h.super.Snapshot(),
		Words:       h.cfg.Words,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.log.Error().Err(err).Msg("failed to encode initial state snapshot")
	}
}

func (h *Handler) resolvePrincipal(r *http.Request) (identity.Principal, error) {
	if principal, err := h.cookies.Session(r); err == nil {
		return principal, nil
	}

	caller := chi.URLParam(r, "caller")
	if !hashutil.IsValidName(caller) {
		return identity.Principal{}, fmt.Errorf("invalid caller name")
	}
	return identity.NewAnonymous(caller), nil
}
