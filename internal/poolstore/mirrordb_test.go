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

package poolstore

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/nvoss/v6pool/pkg/wire"
)

func newTestMirror(t *testing.T) *MirrorDB {
	t.Helper()
	return NewMirrorDB("t1", filepath.Join(t.TempDir(), "t1.json"), logr.Discard())
}

func TestMirrorDB_SyncFromGlobalAddsAndRemoves(t *testing.T) {
	m := newTestMirror(t)
	a1 := netip.MustParseAddr("2001:db8::1")
	a2 := netip.MustParseAddr("2001:db8::2")

	m.SyncFromGlobal([]netip.Addr{a1, a2})
	st := m.GetStats()
	if st.Total != 2 || st.Idle != 2 {
		t.Fatalf("GetStats() = %+v, want total=2 idle=2", st)
	}

	m.SyncFromGlobal([]netip.Addr{a1})
	st = m.GetStats()
	if st.Total != 1 {
		t.Fatalf("GetStats() after shrink = %+v, want total=1", st)
	}
}

func TestMirrorDB_SyncPreservesStatus(t *testing.T) {
	m := newTestMirror(t)
	a1 := netip.MustParseAddr("2001:db8::1")
	a2 := netip.MustParseAddr("2001:db8::2")
	m.SyncFromGlobal([]netip.Addr{a1, a2})

	addr, ok := m.GetIdleAddr()
	if !ok {
		t.Fatal("expected an idle address")
	}

	// Re-sync with the same global set: the picked address must stay
	// "using", not revert to "idle".
	m.SyncFromGlobal([]netip.Addr{a1, a2})
	st := m.GetStats()
	if st.Using != 1 {
		t.Fatalf("GetStats() after resync = %+v, want using=1", st)
	}

	if ok := m.ReleaseAddr(wire.ReportInfo{Addr: addr.String(), Status: wire.StatusBad}); !ok {
		t.Fatal("ReleaseAddr() returned false for a using address")
	}

	// bad is sticky across syncs until an explicit flush.
	m.SyncFromGlobal([]netip.Addr{a1, a2})
	st = m.GetStats()
	if st.Bad != 1 {
		t.Fatalf("GetStats() after resync following bad report = %+v, want bad=1", st)
	}
}

func TestMirrorDB_GetIdleAddrIsLRU(t *testing.T) {
	m := newTestMirror(t)
	a1 := netip.MustParseAddr("2001:db8::1")
	a2 := netip.MustParseAddr("2001:db8::2")
	m.SyncFromGlobal([]netip.Addr{a1, a2})

	first, ok := m.GetIdleAddr()
	if !ok {
		t.Fatal("expected an idle address")
	}
	if ok := m.ReleaseAddr(wire.ReportInfo{Addr: first.String(), Status: wire.StatusIdle}); !ok {
		t.Fatal("ReleaseAddr() returned false")
	}

	// first was just transitioned idle->using->idle, so its timestamp is
	// now the most recent: the next pick should be the other address.
	second, ok := m.GetIdleAddr()
	if !ok {
		t.Fatal("expected another idle address")
	}
	if second == first {
		t.Fatalf("GetIdleAddr() returned %s twice in a row despite LRU ordering", first)
	}
}

func TestMirrorDB_GetIdleAddrNeverReturnsUsingAddr(t *testing.T) {
	m := newTestMirror(t)
	a1 := netip.MustParseAddr("2001:db8::1")
	m.SyncFromGlobal([]netip.Addr{a1})

	addr, ok := m.GetIdleAddr()
	if !ok || addr != a1 {
		t.Fatalf("GetIdleAddr() = %v, %v; want %v, true", addr, ok, a1)
	}

	if _, ok := m.GetIdleAddr(); ok {
		t.Fatal("GetIdleAddr() returned a second address while the only address is using")
	}
}

func TestMirrorDB_ReleaseAddrRequiresUsing(t *testing.T) {
	m := newTestMirror(t)
	a1 := netip.MustParseAddr("2001:db8::1")
	m.SyncFromGlobal([]netip.Addr{a1})

	// a1 is idle, not using: release must be a no-op.
	if ok := m.ReleaseAddr(wire.ReportInfo{Addr: a1.String(), Status: wire.StatusIdle}); ok {
		t.Fatal("ReleaseAddr() succeeded on an idle (not using) address")
	}
}

func TestMirrorDB_ReleaseAddrUnknownAddrIsNoop(t *testing.T) {
	m := newTestMirror(t)
	if ok := m.ReleaseAddr(wire.ReportInfo{Addr: "2001:db8::9", Status: wire.StatusIdle}); ok {
		t.Fatal("ReleaseAddr() succeeded for an address never synced into the mirror")
	}
}

func TestMirrorDB_FlushClearsBad(t *testing.T) {
	m := newTestMirror(t)
	a1 := netip.MustParseAddr("2001:db8::1")
	m.SyncFromGlobal([]netip.Addr{a1})
	addr, _ := m.GetIdleAddr()
	m.ReleaseAddr(wire.ReportInfo{Addr: addr.String(), Status: wire.StatusBad})

	if err := m.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if st := m.GetStats(); st.Total != 0 {
		t.Fatalf("GetStats() after Flush() = %+v, want empty", st)
	}
}

func TestMirrorDB_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1.json")
	m := NewMirrorDB("t1", path, logr.Discard())
	a1 := netip.MustParseAddr("2001:db8::1")
	a2 := netip.MustParseAddr("2001:db8::2")
	m.SyncFromGlobal([]netip.Addr{a1, a2})
	addr, _ := m.GetIdleAddr()
	m.ReleaseAddr(wire.ReportInfo{Addr: addr.String(), Status: wire.StatusBad})

	if err := m.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	m2 := NewMirrorDB("t1", path, logr.Discard())
	if err := m2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := m2.GetStats(), m.GetStats(); got != want {
		t.Fatalf("GetStats() after load = %+v, want %+v", got, want)
	}
}
