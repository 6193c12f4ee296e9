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

// Package eventbus is a bounded, lossy, multi-producer multi-consumer
// broadcast of events.Event. It is deliberately oblivious to session
// identity and filter policy; that lives at the consumer, per the design
// notes on keeping the bus testable in isolation.
//
// Grounded on the teacher's Server.eventListeners set.HandleSet[*EventListener]
// fan-out in pkg/catch/catch.go, generalized into a standalone package with
// its own Subscribe/Unsubscribe handles instead of inline server state.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/events"
)

// Capacity is the bounded channel depth per subscriber, matching spec.md's
// event bus capacity of 512.
const Capacity = 512

type Subscription struct {
	ch   chan events.Event
	bus  *Bus
	once sync.Once
}

// Events returns the channel to range over. It closes when Unsubscribe is
// called.
func (s *Subscription) Events() <-chan events.Event { return s.ch }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New(log zerolog.Logger) *Bus {
	return &Bus{log: log, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new receiver. Callers must Unsubscribe when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan events.Event, Capacity), bus: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish is non-blocking and infallible from the caller's viewpoint: a
// slow subscriber whose channel is full drops this event, and the bus logs
// a warning, but publish never blocks on that subscriber and every other
// subscriber is unaffected.
func (b *Bus) Publish(event events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		b.log.Warn().Str("event", event.Name()).Msg("event published with no subscribers")
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.log.Warn().Str("event", event.Name()).Msg("subscriber channel full, dropping event")
		}
	}
}
