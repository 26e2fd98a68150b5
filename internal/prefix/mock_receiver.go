/*
Copyright 2026 jr42.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package prefix

import (
	"context"
	"net/netip"
	"sync"
	"time"
)

// MockReceiver is a hand-driven Receiver double used by the composite and
// lease-hint tests to script acquisition/renewal/failure sequences without
// touching a real network interface.
type MockReceiver struct {
	mu            sync.RWMutex
	source        Source
	currentPrefix *Prefix
	events        chan Event
	started       bool
	stopCh        chan struct{}
}

// NewMockReceiver builds a MockReceiver reporting source from Source().
func NewMockReceiver(source Source) *MockReceiver {
	return &MockReceiver{
		source: source,
		events: make(chan Event, 10),
		stopCh: make(chan struct{}),
	}
}

// Start marks the receiver started; it does not spawn any goroutine of its
// own, since every event is driven by an explicit Simulate* call.
func (m *MockReceiver) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

// Stop marks the receiver stopped.
func (m *MockReceiver) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	close(m.stopCh)
	return nil
}

// Events returns the receiver's event channel.
func (m *MockReceiver) Events() <-chan Event {
	return m.events
}

// CurrentPrefix returns whatever prefix was last installed by SimulatePrefix.
func (m *MockReceiver) CurrentPrefix() *Prefix {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentPrefix
}

// Source returns the fixed source this mock was constructed with.
func (m *MockReceiver) Source() Source {
	return m.source
}

// SimulatePrefix installs prefix as the current lease and emits the
// matching acquired/changed/renewed event, inferred by comparing against
// whatever prefix was previously installed.
func (m *MockReceiver) SimulatePrefix(prefix netip.Prefix, validLifetime time.Duration) {
	m.mu.Lock()
	previous := m.currentPrefix
	m.currentPrefix = &Prefix{
		Network:           prefix,
		ValidLifetime:     validLifetime,
		PreferredLifetime: validLifetime,
		Source:            m.source,
		ReceivedAt:        time.Now(),
	}
	current := m.currentPrefix
	m.mu.Unlock()

	eventType := EventTypeAcquired
	switch {
	case previous == nil:
		eventType = EventTypeAcquired
	case previous.Network != prefix:
		eventType = EventTypeChanged
	default:
		eventType = EventTypeRenewed
	}

	m.events <- Event{Type: eventType, Prefix: current}
}

// SimulatePrefixExpiry clears the current lease and emits an expired event,
// if a lease was actually installed.
func (m *MockReceiver) SimulatePrefixExpiry() {
	m.mu.Lock()
	previous := m.currentPrefix
	m.currentPrefix = nil
	m.mu.Unlock()

	if previous != nil {
		m.events <- Event{Type: EventTypeExpired, Prefix: previous}
	}
}

// SimulateError emits a failed event carrying err.
func (m *MockReceiver) SimulateError(err error) {
	m.events <- Event{Type: EventTypeFailed, Error: err}
}

// IsStarted reports whether Start has been called without a matching Stop.
func (m *MockReceiver) IsStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}
