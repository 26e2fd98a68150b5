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
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nvoss/v6pool/pkg/wire"
)

type mirrorEntry struct {
	Status wire.AddrStatus
	Ts     time.Time
}

type mirrorEntryFile struct {
	Status wire.AddrStatus `json:"status"`
	Ts     int64           `json:"ts"`
}

type mirrorFile struct {
	Addrs map[string]mirrorEntryFile `json:"addrs"`
}

// MirrorDB is a tenant's private view of GlobalDB: the same address set
// (or a subset of it), annotated with a per-address idle/using/bad status.
// Each dbname gets its own MirrorDB, its own lock, and its own file; picks
// on different dbnames never contend with each other.
type MirrorDB struct {
	mu      sync.Mutex
	dbname  string
	path    string
	log     logr.Logger
	entries map[netip.Addr]*mirrorEntry
	dirty   bool
}

// NewMirrorDB creates an empty MirrorDB for dbname backed by path.
func NewMirrorDB(dbname, path string, log logr.Logger) *MirrorDB {
	return &MirrorDB{
		dbname:  dbname,
		path:    path,
		log:     log.WithName("mirrordb").WithValues("dbname", dbname),
		entries: make(map[netip.Addr]*mirrorEntry),
	}
}

// SyncFromGlobal reconciles the mirror's key set with globalAddrs: addresses
// present globally but missing from the mirror are added idle; addresses
// present in the mirror but no longer global are removed; everything else
// keeps its existing status. The whole operation happens under one lock
// acquisition, so concurrent picks never see a half-synced mirror.
func (m *MirrorDB) SyncFromGlobal(globalAddrs []netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[netip.Addr]struct{}, len(globalAddrs))
	now := time.Now()
	added := 0
	for _, a := range globalAddrs {
		want[a] = struct{}{}
		if _, ok := m.entries[a]; !ok {
			m.entries[a] = &mirrorEntry{Status: wire.StatusIdle, Ts: now}
			added++
		}
	}

	removed := 0
	for a := range m.entries {
		if _, ok := want[a]; !ok {
			delete(m.entries, a)
			removed++
		}
	}

	if added > 0 || removed > 0 {
		m.dirty = true
		m.log.V(1).Info("synced from global", "added", added, "removed", removed, "total", len(m.entries))
	}
}

// GetIdleAddr selects an idle address and atomically transitions it to
// using, returning it. Selection is least-recently-transitioned first,
// FIFO ties broken by textual address order, so behavior is deterministic
// and testable. Returns ok=false, never an error, when nothing is idle.
func (m *MirrorDB) GetIdleAddr() (netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best netip.Addr
	var bestEntry *mirrorEntry
	for a, e := range m.entries {
		if e.Status != wire.StatusIdle {
			continue
		}
		if bestEntry == nil ||
			e.Ts.Before(bestEntry.Ts) ||
			(e.Ts.Equal(bestEntry.Ts) && a.String() < best.String()) {
			best = a
			bestEntry = e
		}
	}

	if bestEntry == nil {
		return netip.Addr{}, false
	}

	bestEntry.Status = wire.StatusUsing
	bestEntry.Ts = time.Now()
	m.dirty = true
	return best, true
}

// ReleaseAddr transitions addr from using to idle or bad, per the report.
// If the address is absent or not currently using, it is a silent no-op
// (networks may drop reports): returns false.
func (m *MirrorDB) ReleaseAddr(info wire.ReportInfo) bool {
	addr, err := netip.ParseAddr(info.Addr)
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[addr]
	if !ok || e.Status != wire.StatusUsing {
		return false
	}

	if info.Status != wire.StatusIdle && info.Status != wire.StatusBad {
		return false
	}

	e.Status = info.Status
	e.Ts = time.Now()
	m.dirty = true
	return true
}

// Stats holds per-status totals for a mirror.
type Stats struct {
	Total, Idle, Using, Bad int
}

// GetStats returns the current per-status totals.
func (m *MirrorDB) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	s.Total = len(m.entries)
	for _, e := range m.entries {
		switch e.Status {
		case wire.StatusIdle:
			s.Idle++
		case wire.StatusUsing:
			s.Using++
		case wire.StatusBad:
			s.Bad++
		}
	}
	return s
}

// Dirty reports whether the mirror has unsaved mutations.
func (m *MirrorDB) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Save writes the mirror to disk via temp-file-plus-rename.
func (m *MirrorDB) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *MirrorDB) saveLocked() error {
	addrs := make([]netip.Addr, 0, len(m.entries))
	for a := range m.entries {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	f := mirrorFile{Addrs: make(map[string]mirrorEntryFile, len(addrs))}
	for _, a := range addrs {
		e := m.entries[a]
		f.Addrs[a.String()] = mirrorEntryFile{Status: e.Status, Ts: e.Ts.Unix()}
	}

	if err := atomicWriteJSON(m.path, f); err != nil {
		return fmt.Errorf("failed to save mirror %s: %w", m.dbname, err)
	}
	m.dirty = false
	return nil
}

// Load populates the mirror from disk. A missing file is treated as
// empty. A corrupt file is quarantined and a fresh, empty mirror begins;
// the next sync_from_global repopulates it from GlobalDB.
func (m *MirrorDB) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read mirror %s: %w", m.dbname, err)
	}

	var f mirrorFile
	if err := json.Unmarshal(raw, &f); err != nil {
		m.log.Info("mirror corrupt, quarantining and starting fresh", "error", err.Error())
		quarantine(m.path)
		return nil
	}

	entries := make(map[netip.Addr]*mirrorEntry, len(f.Addrs))
	for s, e := range f.Addrs {
		a, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if !e.Status.Valid() {
			continue
		}
		entries[a] = &mirrorEntry{Status: e.Status, Ts: time.Unix(e.Ts, 0)}
	}

	m.entries = entries
	m.dirty = false
	return nil
}

// Flush clears both the in-memory state and the on-disk file atomically.
// Per the sticky-bad invariant, this is the only way a bad address is
// reclaimed.
func (m *MirrorDB) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[netip.Addr]*mirrorEntry)
	m.dirty = false
	return atomicWriteJSON(m.path, mirrorFile{Addrs: map[string]mirrorEntryFile{}})
}
