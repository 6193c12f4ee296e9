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

// Package registry is the content-addressed artifact catalog: it discovers
// executables under ./bin by scanning the directory, and garbage-collects
// artifacts no longer referenced by the valid commit set once they are old
// enough.
//
// Grounded on the original services.rs/executable.rs get_executables /
// remove_unused_executables pair, restructured as a standalone package the
// teacher's way: a copy-on-write snapshot behind an atomic.Pointer, the same
// shape as the teacher's artifact-snapshot replacement strategy.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/events"
	"github.com/previewrun/previewd/internal/hashutil"
)

const (
	binDir  = "bin"
	gcAge   = 30 * 24 * time.Hour
	fileExt = ".bin"
)

// Artifact is a discovered executable on disk.
type Artifact struct {
	Path        string
	BuildHash   string
	TriggerHash string
	ModTime     time.Time
}

// View projects an Artifact to its wire representation.
func (a Artifact) View() events.ArtifactView {
	return events.ArtifactView{Hash: a.BuildHash, TriggerHash: a.TriggerHash}
}

// Path returns the on-disk location for a (trigger, build) pair, per the
// naming rule: ./bin/<build>.bin when trigger == build, else
// ./bin/<trigger>_<build>.bin.
func Path(triggerHash, buildHash string) string {
	if triggerHash == buildHash {
		return filepath.Join(binDir, buildHash+fileExt)
	}
	return filepath.Join(binDir, triggerHash+"_"+buildHash+fileExt)
}

type Registry struct {
	log      zerolog.Logger
	snapshot atomic.Pointer[[]Artifact]
}

func New(log zerolog.Logger) *Registry {
	r := &Registry{log: log}
	empty := []Artifact{}
	r.snapshot.Store(&empty)
	return r
}

// Scan enumerates ./bin/*.bin, replacing the in-memory snapshot wholesale.
// Filenames that don't match the two accepted shapes are skipped silently;
// a directory-enumeration failure is logged (unless ./bin is simply absent)
// and leaves an empty snapshot.
func (r *Registry) Scan() {
	entries, err := os.ReadDir(binDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Msg("failed to scan bin directory")
		}
		empty := []Artifact{}
		r.snapshot.Store(&empty)
		return
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name, ok := strings.CutSuffix(entry.Name(), fileExt)
		if !ok {
			continue
		}

		trigger, build, ok := splitHashPair(name)
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			r.log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to stat artifact")
			continue
		}

		artifacts = append(artifacts, Artifact{
			Path:        filepath.Join(binDir, entry.Name()),
			BuildHash:   build,
			TriggerHash: trigger,
			ModTime:     info.ModTime(),
		})
	}

	r.snapshot.Store(&artifacts)
}

// splitHashPair splits a bare filename stem on the first '_': two parts
// yield (trigger, build); one part means trigger == build. Both parts must
// satisfy the CommitHash grammar.
func splitHashPair(stem string) (trigger, build string, ok bool) {
	trigger, build, found := strings.Cut(stem, "_")
	if !found {
		if !hashutil.IsValidHash(stem) {
			return "", "", false
		}
		return stem, stem, true
	}

	if !hashutil.IsValidHash(trigger) || !hashutil.IsValidHash(build) {
		return "", "", false
	}
	return trigger, build, true
}

// Sweep garbage-collects every scanned artifact whose build and trigger
// hash are both absent from valid, and whose mtime is older than the
// 30-day GC age. Called once at startup, after Scan. Per-file I/O errors
// are logged and do not abort the sweep.
func (r *Registry) Sweep(valid map[string]bool) {
	artifacts := *r.snapshot.Load()
	now := time.Now()

	for _, a := range artifacts {
		if valid[a.BuildHash] || valid[a.TriggerHash] {
			continue
		}

		if now.Sub(a.ModTime) <= gcAge {
			r.log.Info().Str("path", a.Path).Msg("keeping unreferenced artifact younger than GC age")
			continue
		}

		if err := os.Remove(a.Path); err != nil {
			r.log.Warn().Err(err).Str("path", a.Path).Msg("failed to remove stale artifact")
			continue
		}
		r.log.Info().Str("path", a.Path).Msg("removed stale unreferenced artifact")
	}

	r.Scan()
}

// FindByCommit returns the first scan-order artifact whose build or trigger
// hash equals commit. Ordering among duplicates is explicitly undefined.
func (r *Registry) FindByCommit(commit string) (Artifact, bool) {
	for _, a := range *r.snapshot.Load() {
		if a.BuildHash == commit || a.TriggerHash == commit {
			return a, true
		}
	}
	return Artifact{}, false
}

// List returns the current artifact snapshot.
func (r *Registry) List() []Artifact {
	return *r.snapshot.Load()
}

// Views projects the current snapshot to its wire representation.
func (r *Registry) Views() []events.ArtifactView {
	artifacts := *r.snapshot.Load()
	views := make([]events.ArtifactView, len(artifacts))
	for i, a := range artifacts {
		views[i] = a.View()
	}
	return views
}

// ErrNotDirectory is returned by EnsureBinDir when ./bin exists but is not
// a directory.
var ErrNotDirectory = fmt.Errorf("%s exists and is not a directory", binDir)

// EnsureBinDir creates ./bin if it does not already exist.
func EnsureBinDir() error {
	info, err := os.Stat(binDir)
	if err == nil {
		if !info.IsDir() {
			return ErrNotDirectory
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat bin dir: %w", err)
	}
	return os.MkdirAll(binDir, 0o755)
}
