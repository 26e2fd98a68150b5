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
	"errors"
	"net/netip"
	"testing"
	"time"
)

func waitForEvent(t *testing.T, r *MockReceiver) Event {
	t.Helper()
	select {
	case event := <-r.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func TestMockReceiver_StartStopTogglesIsStarted(t *testing.T) {
	r := NewMockReceiver(SourceDHCPv6PD)

	if r.IsStarted() {
		t.Fatal("IsStarted() should be false before Start()")
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !r.IsStarted() {
		t.Fatal("IsStarted() should be true after Start()")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.IsStarted() {
		t.Fatal("IsStarted() should be false after Stop()")
	}
}

func TestMockReceiver_SimulatePrefixEmitsAcquired(t *testing.T) {
	r := NewMockReceiver(SourceDHCPv6PD)
	want := netip.MustParsePrefix("2001:db8::/60")

	if r.CurrentPrefix() != nil {
		t.Fatal("CurrentPrefix() should be nil before any SimulatePrefix call")
	}

	r.SimulatePrefix(want, time.Hour)

	got := r.CurrentPrefix()
	if got == nil || got.Network != want {
		t.Fatalf("CurrentPrefix() = %v, want network %v", got, want)
	}
	if got.Source != SourceDHCPv6PD {
		t.Errorf("CurrentPrefix().Source = %s, want %s", got.Source, SourceDHCPv6PD)
	}

	event := waitForEvent(t, r)
	if event.Type != EventTypeAcquired {
		t.Errorf("event.Type = %s, want %s", event.Type, EventTypeAcquired)
	}
	if event.Prefix.Network != want {
		t.Errorf("event.Prefix.Network = %s, want %s", event.Prefix.Network, want)
	}
}

func TestMockReceiver_SimulatePrefixChangeEmitsChanged(t *testing.T) {
	r := NewMockReceiver(SourceDHCPv6PD)
	first := netip.MustParsePrefix("2001:db8:1::/60")
	second := netip.MustParsePrefix("2001:db8:2::/60")

	r.SimulatePrefix(first, time.Hour)
	waitForEvent(t, r)

	r.SimulatePrefix(second, time.Hour)
	event := waitForEvent(t, r)
	if event.Type != EventTypeChanged {
		t.Errorf("event.Type = %s, want %s", event.Type, EventTypeChanged)
	}
	if event.Prefix.Network != second {
		t.Errorf("event.Prefix.Network = %s, want %s", event.Prefix.Network, second)
	}
}

func TestMockReceiver_SimulateSamePrefixEmitsRenewed(t *testing.T) {
	r := NewMockReceiver(SourceDHCPv6PD)
	prefix := netip.MustParsePrefix("2001:db8::/60")

	r.SimulatePrefix(prefix, time.Hour)
	waitForEvent(t, r)

	r.SimulatePrefix(prefix, 2*time.Hour)
	event := waitForEvent(t, r)
	if event.Type != EventTypeRenewed {
		t.Errorf("event.Type = %s, want %s", event.Type, EventTypeRenewed)
	}
}

func TestMockReceiver_SimulatePrefixExpiryClearsAndEmits(t *testing.T) {
	r := NewMockReceiver(SourceDHCPv6PD)
	prefix := netip.MustParsePrefix("2001:db8::/60")

	r.SimulatePrefix(prefix, time.Hour)
	waitForEvent(t, r)

	r.SimulatePrefixExpiry()

	if r.CurrentPrefix() != nil {
		t.Error("CurrentPrefix() should be nil after SimulatePrefixExpiry()")
	}

	event := waitForEvent(t, r)
	if event.Type != EventTypeExpired {
		t.Errorf("event.Type = %s, want %s", event.Type, EventTypeExpired)
	}
}

func TestMockReceiver_SimulateErrorEmitsFailed(t *testing.T) {
	r := NewMockReceiver(SourceDHCPv6PD)
	wantErr := errors.New("boom")

	r.SimulateError(wantErr)

	event := waitForEvent(t, r)
	if event.Type != EventTypeFailed {
		t.Errorf("event.Type = %s, want %s", event.Type, EventTypeFailed)
	}
	if !errors.Is(event.Error, wantErr) {
		t.Errorf("event.Error = %v, want %v", event.Error, wantErr)
	}
}

func TestMockReceiver_SourceReflectsConstructorArg(t *testing.T) {
	for _, source := range []Source{SourceDHCPv6PD, SourceRouterAdvertisement, SourceStatic} {
		t.Run(string(source), func(t *testing.T) {
			r := NewMockReceiver(source)
			if got := r.Source(); got != source {
				t.Errorf("Source() = %s, want %s", got, source)
			}
		})
	}
}
