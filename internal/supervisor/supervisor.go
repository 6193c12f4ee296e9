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

// Package supervisor owns the name -> Service map: it spawns, probes,
// supervises and tears down child processes, and publishes every state
// transition to the event bus.
//
// Grounded on the shape of the teacher's pkg/svc service-lifecycle
// constructors, generalized from systemd/Docker Compose supervision to raw
// exec.Cmd spawn+kill+readiness-probe the way the original etes Rust
// service.rs/services.rs does it, expressed in the teacher's Go idiom: the
// supervising goroutine races child-exit against a kill signal exactly like
// service.rs's tokio::select!, and never holds a strong reference back into
// the map entry (see the cyclic-reference design note).
package supervisor

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/events"
	"github.com/previewrun/previewd/internal/hashutil"
	"github.com/previewrun/previewd/internal/identity"
	"github.com/previewrun/previewd/internal/registry"
)

const (
	readinessAttempts = 10
	readinessInterval = time.Second
	readinessTimeout  = time.Second
)

type entry struct {
	name      string
	artifact  registry.Artifact
	port      uint16
	creator   identity.Principal
	createdAt time.Time
	state     events.ServiceStatus
	errMsg    string
	hasErr    bool
	kill      chan struct{}
	killOnce  sync.Once
}

func (e *entry) view() events.ServiceView {
	v := events.ServiceView{
		Name:       e.name,
		Port:       e.port,
		Executable: e.artifact.View(),
		State:      e.state,
		Creator:    e.creator.HashAnonymous(),
		CreatedAt:  e.createdAt,
	}
	if e.hasErr {
		msg := e.errMsg
		v.Error = &msg
	}
	return v
}

func (e *entry) requestKill() {
	e.killOnce.Do(func() { close(e.kill) })
}

// Manager is the name -> Service map plus its registry reference, guarded
// by a single RWMutex. No I/O happens while the mutex is held: Start spawns
// the child outside the lock, and supervision and readiness probing run on
// detached goroutines.
type Manager struct {
	log      zerolog.Logger
	bus      *eventbus.Bus
	registry *registry.Registry
	cfg      *config.Config

	mu       sync.RWMutex
	services map[string]*entry
}

func New(log zerolog.Logger, bus *eventbus.Bus, reg *registry.Registry, cfg *config.Config) *Manager {
	return &Manager{
		log:      log,
		bus:      bus,
		registry: reg,
		cfg:      cfg,
		services: make(map[string]*entry),
	}
}

// Snapshot projects the map to serializable views, sorted by created_at
// descending.
func (m *Manager) Snapshot() []events.ServiceView {
	m.mu.RLock()
	views := make([]events.ServiceView, 0, len(m.services))
	for _, e := range m.services {
		views = append(views, e.view())
	}
	m.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	return views
}

// PortOf returns the port assigned to name, if it is in the map.
func (m *Manager) PortOf(name string) (uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.services[name]
	if !ok {
		return 0, false
	}
	return e.port, true
}

// NameOfCommit returns the name of any service whose artifact's build or
// trigger hash equals commit. Ordering among duplicates is undefined.
func (m *Manager) NameOfCommit(commit string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, e := range m.services {
		if e.artifact.BuildHash == commit || e.artifact.TriggerHash == commit {
			return name, true
		}
	}
	return "", false
}

// IsOwner reports whether principal equals the service's creator, or is an
// admin.
func (m *Manager) IsOwner(name string, principal identity.Principal) bool {
	m.mu.RLock()
	e, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return principal.Equal(e.creator) || principal.IsAdmin(m.cfg.Admins)
}

func (m *Manager) publishServiceState() {
	m.bus.Publish(events.NewServiceState(m.Snapshot()))
}

// Start resolves commit against the registry, validates and reserves name,
// allocates a port, spawns the child, and kicks off supervision and
// readiness probing. It returns as soon as the child has been spawned (or
// failed validation) - the readiness probe itself runs in the background,
// so a caller wanting "redirect regardless of eventual readiness" (the
// proxy's implicit-start path) can return immediately after Start.
func (m *Manager) Start(name, commit string, principal identity.Principal) {
	artifact, ok := m.registry.FindByCommit(commit)
	if !ok {
		m.bus.Publish(events.NewError("Executable not found", principal))
		return
	}

	if !hashutil.IsValidName(name) {
		m.bus.Publish(events.NewError("Service name must be alphanumeric", principal))
		return
	}

	m.mu.RLock()
	_, exists := m.services[name]
	m.mu.RUnlock()
	if exists {
		m.bus.Publish(events.NewError(fmt.Sprintf("Service %s already exists!", name), principal))
		return
	}

	port, err := hashutil.FreePort()
	if err != nil {
		m.bus.Publish(events.NewError("no free port", principal))
		return
	}

	cmd := m.buildCommand(artifact, port)

	e := &entry{
		name:      name,
		artifact:  artifact,
		port:      port,
		creator:   principal,
		createdAt: time.Now(),
		state:     events.StatusPending,
		kill:      make(chan struct{}),
	}

	// Check again and insert under one write lock, so two concurrent Starts
	// that both passed the check above can never both claim name.
	m.mu.Lock()
	_, exists = m.services[name]
	if !exists {
		m.services[name] = e
	}
	m.mu.Unlock()
	if exists {
		m.bus.Publish(events.NewError(fmt.Sprintf("Service %s already exists!", name), principal))
		return
	}

	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		e.state = events.StatusError
		e.hasErr = true
		e.errMsg = fmt.Sprintf("Failed to start service: %v", err)
		m.mu.Unlock()

		m.publishServiceState()
		return
	}

	m.publishServiceState()

	go m.supervise(cmd, e.kill, name, port)
	go m.probe(name, port, principal)
}

func (m *Manager) buildCommand(artifact registry.Artifact, port uint16) *exec.Cmd {
	portStr := fmt.Sprintf("%d", port)
	args := make([]string, len(m.cfg.CommandArgs))
	for i, arg := range m.cfg.CommandArgs {
		args[i] = strings.ReplaceAll(arg, "{port}", portStr)
	}

	cmd := exec.Command(artifact.Path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := os.Environ()
	for k, v := range m.cfg.CommandEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	return cmd
}

// supervise races the child's exit against the kill signal. It holds only
// the *exec.Cmd and the receive end of the kill channel - never a strong
// reference back into the map entry - so removing the map entry on Stop
// never races against this goroutine's own lifetime.
func (m *Manager) supervise(cmd *exec.Cmd, kill <-chan struct{}, name string, port uint16) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			m.log.Error().Err(err).Str("service", name).Msg("child exited with error")
		}
	case <-kill:
		m.log.Info().Str("service", name).Uint16("port", port).Msg("killing child")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				m.log.Error().Err(err).Str("service", name).Msg("failed to kill child")
			}
		}
		<-done
	}

	m.log.Info().Str("service", name).Uint16("port", port).Msg("supervising task finished")
}

// probe issues up to 10 one-second-apart HTTP GETs to the child's port,
// each with a 1-second timeout. The first 2xx transitions the service to
// Running; exhausting every attempt transitions it to Error.
func (m *Manager) probe(name string, port uint16, principal identity.Principal) {
	client := &http.Client{Timeout: readinessTimeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)

	for attempt := 0; attempt < readinessAttempts; attempt++ {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if m.setState(name, events.StatusRunning, "") {
					m.publishServiceState()
				}
				return
			}
		}
		time.Sleep(readinessInterval)
	}

	if m.setState(name, events.StatusError, "Service did not start") {
		m.publishServiceState()
		m.bus.Publish(events.NewError("Service did not start", principal))
	}
}

// setState updates the entry's state in place, if it is still present
// (Stop may have removed it while the probe was running). It returns
// whether the entry was found.
func (m *Manager) setState(name string, state events.ServiceStatus, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.services[name]
	if !ok {
		return false
	}
	e.state = state
	e.hasErr = errMsg != ""
	e.errMsg = errMsg
	return true
}

// Stop removes name from the map and sends its kill signal, best-effort.
// Stop is a no-op (beyond the Error publication) if principal does not own
// the service.
func (m *Manager) Stop(name string, principal identity.Principal) {
	if !m.IsOwner(name, principal) {
		m.bus.Publish(events.NewError("You are not the owner of this service", principal))
		return
	}

	m.mu.Lock()
	e, ok := m.services[name]
	if ok {
		delete(m.services, name)
	}
	m.mu.Unlock()

	if ok {
		e.requestKill()
	}

	m.publishServiceState()
}
