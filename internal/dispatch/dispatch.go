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

// Package dispatch runs the bus-consumer loop that turns client-origin
// commands (start a service, stop a service, refresh GitHub metadata) into
// calls against the collaborators that actually do the work.
//
// Grounded on the original services.rs start_and_stop_services event loop
// and github.rs's refresh-on-demand handler, expressed as a subscription
// over the Go event bus rather than a tokio::select! over broadcast
// receivers.
package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/events"
	"github.com/previewrun/previewd/internal/githubstate"
	"github.com/previewrun/previewd/internal/supervisor"
)

type Loop struct {
	log    zerolog.Logger
	bus    *eventbus.Bus
	super  *supervisor.Manager
	github *githubstate.Manager
}

func New(log zerolog.Logger, bus *eventbus.Bus, super *supervisor.Manager, github *githubstate.Manager) *Loop {
	return &Loop{log: log, bus: bus, super: super, github: github}
}

// Run subscribes to the bus and dispatches client events until the
// subscription is unsubscribed (bus shutdown has no explicit signal today;
// the loop is meant to run for the lifetime of the process).
func (l *Loop) Run() {
	sub := l.bus.Subscribe()
	defer sub.Unsubscribe()

	for event := range sub.Events() {
		l.dispatch(event)
	}
}

func (l *Loop) dispatch(event events.Event) {
	switch event.Type {
	case events.TypeStartService:
		l.super.Start(event.Name, event.Executable.Hash, event.User)
	case events.TypeStopService:
		l.super.Stop(event.Name, event.User)
	case events.TypeGithubRefresh:
		l.refreshGithub(event)
	}
}

func (l *Loop) refreshGithub(event events.Event) {
	state, err := l.github.Refresh()
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to refresh github metadata")
		l.bus.Publish(events.NewError("Failed to refresh GitHub data", event.User))
		return
	}
	l.bus.Publish(events.NewGithubState(state))
}
