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

// Package hostmon is the host-memory telemetry collaborator: it samples
// system memory every 10 seconds via gopsutil and publishes a MemoryState
// event, caching the last sample for the initial-state snapshot endpoint.
package hostmon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/events"
)

const interval = 10 * time.Second

type sample struct {
	used  uint64
	total uint64
}

type Monitor struct {
	log zerolog.Logger
	bus *eventbus.Bus

	current atomic.Pointer[sample]
}

func New(log zerolog.Logger, bus *eventbus.Bus) *Monitor {
	m := &Monitor{log: log, bus: bus}
	m.current.Store(&sample{})
	return m
}

// State returns the last cached memory sample.
func (m *Monitor) State() (used, total uint64) {
	s := m.current.Load()
	return s.used, s.total
}

// Run samples memory every interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.sampleOnce()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sampleOnce() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to sample memory")
		return
	}

	m.current.Store(&sample{used: vm.Used, total: vm.Total})
	m.bus.Publish(events.NewMemoryState(vm.Used, vm.Total))
}
