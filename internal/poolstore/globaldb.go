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

// Package poolstore holds the durable, JSON-backed sets and maps the pool
// service builds its inventory from: the server-wide GlobalDB of verified
// addresses and the per-tenant MirrorDBs layered on top of it.
package poolstore

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nvoss/v6pool/pkg/poolerr"
)

type globalFile struct {
	Prefix string   `json:"prefix"`
	Addrs  []string `json:"addrs"`
}

// GlobalDB is the server-wide set of verified-usable IPv6 addresses,
// versioned by the prefix they were verified under. It is exclusively
// owned by the PoolService process; no client touches it directly.
type GlobalDB struct {
	mu     sync.RWMutex
	path   string
	log    logr.Logger
	prefix netip.Prefix
	addrs  map[netip.Addr]struct{}
	dirty  bool
}

// NewGlobalDB creates a GlobalDB backed by path. Load must be called
// separately to populate it from disk.
func NewGlobalDB(path string, log logr.Logger) *GlobalDB {
	return &GlobalDB{
		path:  path,
		log:   log.WithName("globaldb"),
		addrs: make(map[netip.Addr]struct{}),
	}
}

// SetPrefix installs a new prefix. Per invariant (c), if the prefix
// actually changes, the address set is emptied first: no address from the
// old prefix survives under the new one.
func (g *GlobalDB) SetPrefix(p netip.Prefix) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.prefix == p {
		return
	}
	changed := g.prefix.IsValid()
	g.prefix = p
	g.addrs = make(map[netip.Addr]struct{})
	g.dirty = true
	if changed {
		g.log.Info("prefix changed, global address set emptied", "prefix", p)
	} else {
		g.log.Info("prefix set", "prefix", p)
	}
}

// Prefix returns the currently installed prefix. The zero value is invalid
// until SetPrefix has been called at least once.
func (g *GlobalDB) Prefix() netip.Prefix {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.prefix
}

// AddAddr records addr as verified. It must lie within the current prefix.
func (g *GlobalDB) AddAddr(addr netip.Addr) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.prefix.IsValid() || !g.prefix.Contains(addr) {
		return fmt.Errorf("%w: %s is not in prefix %s", poolerr.ErrInternal, addr, g.prefix)
	}
	g.addrs[addr] = struct{}{}
	g.dirty = true
	return nil
}

// HasAddr reports whether addr is already verified.
func (g *GlobalDB) HasAddr(addr netip.Addr) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.addrs[addr]
	return ok
}

// GetAllAddrs returns a sorted snapshot of every verified address.
func (g *GlobalDB) GetAllAddrs() []netip.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]netip.Addr, 0, len(g.addrs))
	for a := range g.addrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Len returns the number of verified addresses.
func (g *GlobalDB) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.addrs)
}

// Dirty reports whether the in-memory state has unsaved mutations.
func (g *GlobalDB) Dirty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dirty
}

// Save writes the current state to disk via a temp-file-plus-rename, so a
// crash mid-write never corrupts the existing file.
func (g *GlobalDB) Save() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saveLocked()
}

func (g *GlobalDB) saveLocked() error {
	f := globalFile{Addrs: make([]string, 0, len(g.addrs))}
	if g.prefix.IsValid() {
		f.Prefix = g.prefix.String()
	}
	addrs := make([]netip.Addr, 0, len(g.addrs))
	for a := range g.addrs {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	for _, a := range addrs {
		f.Addrs = append(f.Addrs, a.String())
	}

	if err := atomicWriteJSON(g.path, f); err != nil {
		return fmt.Errorf("failed to save global db: %w", err)
	}
	g.dirty = false
	return nil
}

// Load populates the GlobalDB from disk. A missing file is treated as
// empty. A corrupt file is renamed with a .corrupt suffix and state begins
// fresh, per the service's corruption-handling policy.
func (g *GlobalDB) Load() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	raw, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read global db: %w", err)
	}

	var f globalFile
	if err := json.Unmarshal(raw, &f); err != nil {
		g.log.Info("global db corrupt, quarantining and starting fresh", "path", g.path, "error", err.Error())
		quarantine(g.path)
		return nil
	}

	prefix, err := netip.ParsePrefix(f.Prefix)
	if err != nil {
		g.log.Info("global db has invalid prefix, quarantining and starting fresh", "path", g.path, "error", err.Error())
		quarantine(g.path)
		return nil
	}

	addrs := make(map[netip.Addr]struct{}, len(f.Addrs))
	for _, s := range f.Addrs {
		a, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if !prefix.Contains(a) {
			continue
		}
		addrs[a] = struct{}{}
	}

	g.prefix = prefix
	g.addrs = addrs
	g.dirty = false
	return nil
}

// Flush clears both the in-memory state and the on-disk file atomically,
// leaving the prefix itself intact so a new spawn round can repopulate it.
func (g *GlobalDB) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addrs = make(map[netip.Addr]struct{})
	g.dirty = false
	return atomicWriteJSON(g.path, globalFile{Prefix: prefixString(g.prefix)})
}

func prefixString(p netip.Prefix) string {
	if !p.IsValid() {
		return ""
	}
	return p.String()
}

// atomicWriteJSON marshals v as 2-space-indented JSON and writes it to path
// via a temp file in the same directory followed by rename, so partial
// writes can never corrupt the existing file.
func atomicWriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// quarantine renames a corrupt on-disk file out of the way so the next
// load starts from empty state instead of tripping over it repeatedly.
func quarantine(path string) {
	_ = os.Rename(path, path+".corrupt")
}
