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

package route

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/nvoss/v6pool/pkg/poolerr"
)

type fakeLeaseHinter struct {
	next time.Duration
	ok   bool
}

func (f fakeLeaseHinter) NextRecheck() (time.Duration, bool) { return f.next, f.ok }

type fakePrefixer struct {
	prefix netip.Prefix
	err    error
	iface  string
}

func (f *fakePrefixer) Detect() (netip.Prefix, error) { return f.prefix, f.err }
func (f *fakePrefixer) Interface() string             { return f.iface }

type fakePool struct {
	flushed int
	err     error
}

func (f *fakePool) FlushAll(ctx context.Context) error {
	f.flushed++
	return f.err
}

func TestNdppdConfBody(t *testing.T) {
	got := ndppdConfBody("eth0", netip.MustParsePrefix("2001:db8::/64"))
	want := "proxy eth0 {\n\trule 2001:db8::/64 {\n\t\tstatic;\n\t}\n}\n"
	if got != want {
		t.Fatalf("ndppdConfBody() = %q, want %q", got, want)
	}
}

func TestRouteUpdater_IsNdppdConfLatest(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "ndppd.conf")
	prefix := netip.MustParsePrefix("2001:db8::/64")

	r := New(&fakePrefixer{prefix: prefix, iface: "eth0"}, nil, Config{NdppdConfPath: confPath}, logr.Discard())

	latest, err := r.isNdppdConfLatest(prefix)
	if err != nil {
		t.Fatalf("isNdppdConfLatest() error = %v", err)
	}
	if latest {
		t.Fatal("isNdppdConfLatest() = true for a missing config file, want false")
	}

	if err := os.WriteFile(confPath, []byte(ndppdConfBody("eth0", prefix)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	latest, err = r.isNdppdConfLatest(prefix)
	if err != nil {
		t.Fatalf("isNdppdConfLatest() error = %v", err)
	}
	if !latest {
		t.Fatal("isNdppdConfLatest() = false for a matching config file, want true")
	}
}

func TestRouteUpdater_ModifyNdppdConfIsAtomicAndExclusive(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "ndppd.conf")
	prefix := netip.MustParsePrefix("2001:db8::/64")

	if err := os.WriteFile(confPath, []byte("stale content that must not survive\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r := New(&fakePrefixer{prefix: prefix, iface: "eth0"}, nil, Config{NdppdConfPath: confPath}, logr.Discard())
	if err := r.modifyNdppdConf(prefix); err != nil {
		t.Fatalf("modifyNdppdConf() error = %v", err)
	}

	got, err := os.ReadFile(confPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != ndppdConfBody("eth0", prefix) {
		t.Fatalf("config after modifyNdppdConf() = %q, want exactly the rewritten block with no leftover content", got)
	}

	// No leaked temp files in the config directory.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries after modifyNdppdConf(), want exactly 1", len(entries))
	}
}

func TestRouteUpdater_RunFailsOnNoInterface(t *testing.T) {
	prefix := netip.MustParsePrefix("2001:db8::/64")
	pool := &fakePool{}
	r := New(&fakePrefixer{prefix: prefix, iface: "v6pool-test-missing-iface"}, pool,
		Config{NdppdConfPath: filepath.Join(t.TempDir(), "ndppd.conf")}, logr.Discard())

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run() to fail for a nonexistent interface")
	}
	if !errors.Is(err, poolerr.ErrNoInterface) {
		t.Fatalf("Run() error = %v, want wrapping ErrNoInterface", err)
	}

	// FlushAll must still have been called before the route-install
	// failure, per the state machine (FlushPool precedes UpdateRoute).
	if pool.flushed != 1 {
		t.Fatalf("pool.flushed = %d, want 1", pool.flushed)
	}

	// A failed reconcile must leave the updater needing another attempt,
	// not report a stale prefix as current.
	if r.CurrentPrefix().IsValid() {
		t.Fatal("CurrentPrefix() is valid after a failed reconcile, want zero value")
	}
}

func TestRouteUpdater_RunFailsOnPrefixerError(t *testing.T) {
	pool := &fakePool{}
	r := New(&fakePrefixer{err: poolerr.ErrNoGlobalAddress, iface: "eth0"}, pool,
		Config{NdppdConfPath: filepath.Join(t.TempDir(), "ndppd.conf")}, logr.Discard())

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected Run() to fail when the prefixer cannot detect a prefix")
	}
	if pool.flushed != 0 {
		t.Fatal("pool must not be flushed before a prefix has even been probed successfully")
	}
}

func TestRouteUpdater_NextInterval(t *testing.T) {
	r := New(&fakePrefixer{}, nil, Config{NdppdConfPath: filepath.Join(t.TempDir(), "ndppd.conf")}, logr.Discard())

	deflt := 30 * time.Minute
	if got := r.NextInterval(deflt); got != deflt {
		t.Fatalf("NextInterval() with no hinter = %v, want %v", got, deflt)
	}

	r.SetLeaseHinter(fakeLeaseHinter{next: time.Minute, ok: true})
	if got := r.NextInterval(deflt); got != time.Minute {
		t.Fatalf("NextInterval() with a sooner hint = %v, want %v", got, time.Minute)
	}

	r.SetLeaseHinter(fakeLeaseHinter{next: time.Hour, ok: true})
	if got := r.NextInterval(deflt); got != deflt {
		t.Fatalf("NextInterval() with a later hint = %v, want the default %v", got, deflt)
	}

	r.SetLeaseHinter(fakeLeaseHinter{ok: false})
	if got := r.NextInterval(deflt); got != deflt {
		t.Fatalf("NextInterval() with no active lease = %v, want the default %v", got, deflt)
	}
}
