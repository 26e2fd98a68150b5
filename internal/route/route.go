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

// Package route reconciles kernel routing state and the external
// neighbor-discovery proxy daemon's configuration with the prefix
// currently observed on the host's uplink interface. The reconcile state
// machine here (Probe -> PrefixSame -> done, or Probe -> PrefixChanged ->
// FlushPool -> UpdateRoute -> UpdateConfig -> RestartProxy -> done) is the
// same shape the project's former Kubernetes reconcile loop drove, minus
// the API server: a periodic tick instead of a watch event.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/godbus/dbus/v5"
	"github.com/vishvananda/netlink"

	"github.com/nvoss/v6pool/pkg/poolerr"
)

// Prefixer is the subset of prefix detection RouteUpdater depends on.
type Prefixer interface {
	Detect() (netip.Prefix, error)
	Interface() string
}

// PoolFlusher is invoked when the prefix changes, so the pool can empty
// GlobalDB and every mirror before any address from the new prefix is
// accepted.
type PoolFlusher interface {
	FlushAll(ctx context.Context) error
}

// LeaseHinter is satisfied by an asynchronous prefix acquisition backend
// (RA or DHCPv6-PD) tracking a lease's remaining lifetime. When set, the
// route monitor consults it to recheck sooner than the configured interval
// as a lease nears expiry, carrying forward the former reconcile loop's
// lease-aware requeue timing.
type LeaseHinter interface {
	NextRecheck() (time.Duration, bool)
}

// state tracks whether the last reconcile cycle left kernel/proxy state
// fully in sync with the last-known-good prefix, or whether a previous
// failure means the next tick must retry from scratch.
type state int

const (
	stateSynced state = iota
	stateNeedsReconcile
)

// Config configures a RouteUpdater.
type Config struct {
	// NdppdConfPath is the path to the NDP-proxy daemon's config file.
	NdppdConfPath string

	// NdppdUnit is the systemd unit name to restart when the config
	// changes (e.g. "ndppd.service").
	NdppdUnit string

	// RestartRetries bounds restart_ndppd's linear-backoff retry count.
	RestartRetries int

	// RestartBackoff is the base linear-backoff delay between restarts.
	RestartBackoff time.Duration
}

// RouteUpdater reconciles kernel route state and NDP-proxy configuration
// with the interface's currently observed prefix.
type RouteUpdater struct {
	mu       sync.Mutex
	prefixer Prefixer
	pool     PoolFlusher
	cfg      Config
	log      logr.Logger

	lastPrefix netip.Prefix
	state      state
	leaseHint  LeaseHinter
}

// New creates a RouteUpdater.
func New(prefixer Prefixer, pool PoolFlusher, cfg Config, log logr.Logger) *RouteUpdater {
	if cfg.RestartRetries == 0 {
		cfg.RestartRetries = 3
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = time.Second
	}
	return &RouteUpdater{
		prefixer: prefixer,
		pool:     pool,
		cfg:      cfg,
		log:      log.WithName("route-updater"),
		state:    stateNeedsReconcile,
	}
}

// Run executes one reconcile cycle: Probe, then either PrefixSame (done)
// or PrefixChanged (flush the pool, update the route, update the proxy
// config, restart the proxy if the config was rewritten or the proxy unit
// is not active). Run holds the updater's own mutex for the duration,
// which serializes Run calls only: spawn RPCs and the replenish loop do
// not take this mutex and are not paused while a reconcile runs.
func (r *RouteUpdater) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix, err := r.prefixer.Detect()
	if err != nil {
		r.state = stateNeedsReconcile
		return fmt.Errorf("probe failed: %w", err)
	}

	changed := r.state == stateNeedsReconcile || prefix != r.lastPrefix
	if !changed {
		return nil
	}

	r.log.Info("prefix changed, reconciling", "old", r.lastPrefix, "new", prefix)

	if r.pool != nil {
		if err := r.pool.FlushAll(ctx); err != nil {
			return fmt.Errorf("failed to flush pool ahead of reconcile: %w", err)
		}
	}

	if err := r.addRoute(prefix); err != nil {
		return fmt.Errorf("failed to add route: %w", err)
	}

	confChanged := false
	latest, err := r.isNdppdConfLatest(prefix)
	if err != nil {
		return fmt.Errorf("failed to check ndppd config: %w", err)
	}
	if !latest {
		if err := r.modifyNdppdConf(prefix); err != nil {
			return fmt.Errorf("failed to rewrite ndppd config: %w", err)
		}
		confChanged = true
	}

	running, err := r.isNdppdRunning()
	if err != nil {
		r.log.Info("failed to query ndp proxy unit state, assuming it needs a restart", "error", err.Error())
		running = false
	}

	if confChanged || !running {
		if err := r.restartNdppd(ctx); err != nil {
			r.state = stateNeedsReconcile
			return fmt.Errorf("failed to restart ndp proxy: %w", err)
		}
	}

	r.lastPrefix = prefix
	r.state = stateSynced
	return nil
}

// CurrentPrefix returns the last prefix a successful reconcile observed.
func (r *RouteUpdater) CurrentPrefix() netip.Prefix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPrefix
}

// SetLeaseHinter installs an optional LeaseHinter consulted by
// NextInterval. Passing nil disables the hint and falls back to a fixed
// interval.
func (r *RouteUpdater) SetLeaseHinter(h LeaseHinter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaseHint = h
}

// NextInterval returns how long the caller's monitor loop should wait
// before the next reconcile tick: deflt, unless a configured LeaseHinter
// reports a sooner recheck time.
func (r *RouteUpdater) NextInterval(deflt time.Duration) time.Duration {
	r.mu.Lock()
	hint := r.leaseHint
	r.mu.Unlock()

	if hint == nil {
		return deflt
	}
	if d, ok := hint.NextRecheck(); ok && d >= 0 && d < deflt {
		return d
	}
	return deflt
}

// addRoute installs a route for prefix via the configured interface.
// Idempotent: netlink.RouteAdd returning "file exists" means the route is
// already installed and is not an error, mirroring how purelb's announcer
// tolerates RouteAdd failures on routes it has already created.
func (r *RouteUpdater) addRoute(prefix netip.Prefix) error {
	link, err := netlink.LinkByName(r.prefixer.Interface())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", poolerr.ErrNoInterface, r.prefixer.Interface(), err)
	}

	dst := prefixToIPNet(prefix)

	rt := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Scope:     netlink.SCOPE_LINK,
	}

	if err := netlink.RouteAdd(rt); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

// isNdppdConfLatest reports whether the on-disk ndppd config already
// contains the single proxy/rule block for the current interface+prefix.
func (r *RouteUpdater) isNdppdConfLatest(prefix netip.Prefix) (bool, error) {
	want := ndppdConfBody(r.prefixer.Interface(), prefix)

	got, err := os.ReadFile(r.cfg.NdppdConfPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return string(got) == want, nil
}

// modifyNdppdConf rewrites the ndppd config with exactly one proxy/rule
// block for the current interface and prefix, atomically (temp file plus
// rename), preserving no other content.
func (r *RouteUpdater) modifyNdppdConf(prefix netip.Prefix) error {
	body := ndppdConfBody(r.prefixer.Interface(), prefix)

	dir := filepath.Dir(r.cfg.NdppdConfPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.cfg.NdppdConfPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, r.cfg.NdppdConfPath)
}

func ndppdConfBody(iface string, prefix netip.Prefix) string {
	return fmt.Sprintf("proxy %s {\n\trule %s {\n\t\tstatic;\n\t}\n}\n", iface, prefix.String())
}

// restartNdppd asks systemd to restart the NDP-proxy unit over D-Bus,
// retrying up to RestartRetries times with linear backoff.
func (r *RouteUpdater) restartNdppd(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.RestartRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * r.cfg.RestartBackoff):
			}
		}

		if err := r.restartNdppdOnce(); err != nil {
			lastErr = err
			r.log.Info("ndp proxy restart attempt failed", "attempt", attempt, "error", err.Error())
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: %v", poolerr.ErrProxyRestart, lastErr)
}

func (r *RouteUpdater) restartNdppdOnce() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.freedesktop.systemd1", dbus.ObjectPath("/org/freedesktop/systemd1"))
	call := obj.Call("org.freedesktop.systemd1.Manager.RestartUnit", 0, r.cfg.NdppdUnit, "replace")
	return call.Err
}

// isNdppdRunning queries systemd over D-Bus for the NDP-proxy unit's
// ActiveState, so Run can tell a config match apart from a proxy that
// crashed or was stopped out-of-band while the on-disk config still
// matched the current prefix.
func (r *RouteUpdater) isNdppdRunning() (bool, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return false, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	manager := conn.Object("org.freedesktop.systemd1", dbus.ObjectPath("/org/freedesktop/systemd1"))

	var unitPath dbus.ObjectPath
	if err := manager.Call("org.freedesktop.systemd1.Manager.GetUnit", 0, r.cfg.NdppdUnit).Store(&unitPath); err != nil {
		return false, fmt.Errorf("failed to look up unit %s: %w", r.cfg.NdppdUnit, err)
	}

	unit := conn.Object("org.freedesktop.systemd1", unitPath)
	variant, err := unit.GetProperty("org.freedesktop.systemd1.Unit.ActiveState")
	if err != nil {
		return false, fmt.Errorf("failed to read ActiveState for %s: %w", r.cfg.NdppdUnit, err)
	}

	activeState, ok := variant.Value().(string)
	if !ok {
		return false, fmt.Errorf("unexpected ActiveState value type %T for %s", variant.Value(), r.cfg.NdppdUnit)
	}

	return activeState == "active", nil
}

// prefixToIPNet converts a netip.Prefix to the *net.IPNet form netlink's
// API expects.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	masked := p.Masked()
	return &net.IPNet{
		IP:   net.IP(masked.Addr().AsSlice()),
		Mask: net.CIDRMask(masked.Bits(), masked.Addr().BitLen()),
	}
}
