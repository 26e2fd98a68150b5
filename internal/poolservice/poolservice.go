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

package poolservice

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nvoss/v6pool/internal/checker"
	"github.com/nvoss/v6pool/internal/poolstore"
	"github.com/nvoss/v6pool/internal/prefix"
	"github.com/nvoss/v6pool/internal/route"
	"github.com/nvoss/v6pool/internal/spawner"
	"github.com/nvoss/v6pool/pkg/poolerr"
)

// Event is a notification about something the service did, consumed by
// operators or test harnesses that want visibility beyond the RPC surface
// and metrics (spec's background loops are otherwise silent to the
// outside world by design).
type Event struct {
	Type   string
	Detail string
	At     time.Time
}

// PoolService orchestrates GlobalDB, the MirrorDBs, the Spawner, the
// Checker and the RouteUpdater, and runs their background loops with an
// explicit Start()/Stop() lifecycle — no work happens on import, and Stop
// joins every loop before returning.
type PoolService struct {
	cfg ServiceConfig
	log logr.Logger

	global   *poolstore.GlobalDB
	checker  checkerCollaborator
	spawner  spawnerCollaborator
	updater  reconcileCollaborator
	prefixer *routePrefixer

	mirrorsMu sync.RWMutex
	mirrors   map[string]*poolstore.MirrorDB

	replenishSignal chan struct{}
	events          chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *metrics
}

// routePrefixer adapts prefix.AddrReadPrefixer to the narrower interfaces
// both Spawner and RouteUpdater need, while exposing the interface name
// RouteUpdater uses to install routes.
type routePrefixer struct {
	detect func() (netip.Prefix, error)
	iface  string
}

func (p *routePrefixer) Detect() (netip.Prefix, error) { return p.detect() }
func (p *routePrefixer) Interface() string             { return p.iface }

// checkerCollaborator, spawnerCollaborator and reconcileCollaborator are
// the narrow interfaces PoolService actually depends on, rather than the
// concrete checker.Checker/spawner.Spawner/route.RouteUpdater types:
// tests in this package substitute fakes satisfying these, the same way
// the teacher's controller tests injected a prefix.MockReceiver in place
// of a live DHCPv6-PD/RA receiver.
type checkerCollaborator interface {
	Check(ctx context.Context, addr netip.Addr) bool
	Checks(ctx context.Context, addrs []netip.Addr) []bool
}

type spawnerCollaborator interface {
	Spawn(ctx context.Context) (netip.Addr, error)
	Spawns(ctx context.Context, n int) (accepted []netip.Addr, complete bool)
}

type reconcileCollaborator interface {
	Run(ctx context.Context) error
	CurrentPrefix() netip.Prefix
}

var (
	_ checkerCollaborator  = (*checker.Checker)(nil)
	_ spawnerCollaborator  = (*spawner.Spawner)(nil)
	_ reconcileCollaborator = (*route.RouteUpdater)(nil)
)

// New constructs a PoolService. Load should be called next to populate
// state from disk, then Start to begin the background loops.
func New(cfg ServiceConfig, log logr.Logger) *PoolService {
	cfg = cfg.WithDefaults()
	log = log.WithName("poolservice")

	global := poolstore.NewGlobalDB(globalDBPath(cfg.DBRoot), log)

	addrRead := cfg.addrReadPrefixer()
	prefixer := &routePrefixer{detect: addrRead.Detect, iface: cfg.Interface}

	chk := checker.New(checker.Config{
		ProbeURL:    cfg.CheckURL,
		Timeout:     cfg.CheckTimeout,
		Concurrency: 8,
	}, log)

	svc := &PoolService{
		cfg:             cfg,
		log:             log,
		global:          global,
		checker:         chk,
		prefixer:        prefixer,
		mirrors:         make(map[string]*poolstore.MirrorDB),
		replenishSignal: make(chan struct{}, 1),
		events:          make(chan Event, 64),
		metrics:         newMetrics(),
	}

	svc.spawner = spawner.New(prefixer, global, chk, log)

	updater := route.New(prefixer, svc, route.Config{
		NdppdConfPath: cfg.NdppdConfPath,
		NdppdUnit:     cfg.NdppdUnit,
	}, log)
	if cfg.LeaseReceiver != nil {
		updater.SetLeaseHinter(prefix.LeaseHint{Receiver: cfg.LeaseReceiver})
	}
	svc.updater = updater

	return svc
}

// Load reads GlobalDB and every existing mirror file from disk.
func (s *PoolService) Load() error {
	if err := s.global.Load(); err != nil {
		return err
	}
	return s.loadMirrors()
}

// Events returns the service's internal notification stream.
func (s *PoolService) Events() <-chan Event {
	return s.events
}

func (s *PoolService) emit(typ, detail string) {
	select {
	case s.events <- Event{Type: typ, Detail: detail, At: time.Now()}:
	default:
	}
}

// Start launches the background loops: route monitor, replenish, mirror
// sync, and persistence. It is not idempotent-safe to call twice; the
// caller owns exactly one Start/Stop pair.
func (s *PoolService) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Establish an initial prefix before anything else runs, so the first
	// replenish tick isn't guaranteed to fail with NoPrefix.
	if err := s.updater.Run(s.ctx); err != nil {
		s.log.Info("initial route reconcile failed, will retry on next tick", "error", err.Error())
	} else {
		s.global.SetPrefix(s.updater.CurrentPrefix())
	}

	s.wg.Add(4)
	go s.runRouteMonitor()
	go s.runReplenishLoop()
	go s.runMirrorSyncLoop()
	go s.runPersistenceLoop()

	// Start the initial fill now rather than on the first 5s tick.
	s.signalReplenish()

	if s.cfg.LeaseReceiver != nil {
		if err := s.cfg.LeaseReceiver.Start(s.ctx); err != nil {
			s.log.Info("lease receiver failed to start, route monitor falls back to a fixed interval", "error", err.Error())
		} else {
			s.wg.Add(1)
			go s.runLeaseEventForwarder()
		}
	}

	return nil
}

// Stop cancels every loop and waits for them to exit, then performs one
// final save. Stop is idempotent and bounded in time by the context
// passed to Start.
func (s *PoolService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cfg.LeaseReceiver != nil {
		_ = s.cfg.LeaseReceiver.Stop()
	}
	s.wg.Wait()
	return s.saveAll()
}

// FlushAll empties GlobalDB and every mirror. It implements
// route.PoolFlusher: the RouteUpdater calls this before installing a
// changed prefix, so no stale address ever survives a prefix rotation.
func (s *PoolService) FlushAll(ctx context.Context) error {
	if err := s.global.Flush(); err != nil {
		return err
	}

	s.mirrorsMu.RLock()
	mirrors := make([]*poolstore.MirrorDB, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		mirrors = append(mirrors, m)
	}
	s.mirrorsMu.RUnlock()

	for _, m := range mirrors {
		if err := m.Flush(); err != nil {
			return err
		}
	}

	s.emit("pool_flushed", "prefix changed")
	return nil
}

// mirror returns (creating if necessary) the MirrorDB for dbname,
// immediately syncing it from GlobalDB on first creation.
func (s *PoolService) mirror(dbname string) *poolstore.MirrorDB {
	s.mirrorsMu.RLock()
	m, ok := s.mirrors[dbname]
	s.mirrorsMu.RUnlock()
	if ok {
		return m
	}

	s.mirrorsMu.Lock()
	defer s.mirrorsMu.Unlock()
	if m, ok := s.mirrors[dbname]; ok {
		return m
	}

	m = poolstore.NewMirrorDB(dbname, mirrorDBPath(s.cfg.DBRoot, dbname), s.log)
	_ = m.Load()
	m.SyncFromGlobal(s.global.GetAllAddrs())
	s.mirrors[dbname] = m
	return m
}

// mirrorIfExists returns the mirror for dbname without creating one.
func (s *PoolService) mirrorIfExists(dbname string) (*poolstore.MirrorDB, bool) {
	s.mirrorsMu.RLock()
	defer s.mirrorsMu.RUnlock()
	m, ok := s.mirrors[dbname]
	return m, ok
}

func (s *PoolService) loadMirrors() error {
	// Mirrors are lazily created on first pick/report; nothing to
	// enumerate from disk up front without a dbname, which is consistent
	// with spec's "create empty MirrorDB on first use" rule.
	return nil
}

func (s *PoolService) saveAll() error {
	var firstErr error
	if err := s.global.Save(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.mirrorsMu.RLock()
	mirrors := make([]*poolstore.MirrorDB, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		mirrors = append(mirrors, m)
	}
	s.mirrorsMu.RUnlock()

	for _, m := range mirrors {
		if err := m.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withDeadline runs fn in a goroutine and waits up to the RPC ceiling for
// it to finish, returning ErrBusy on timeout rather than blocking the
// caller indefinitely. The goroutine still runs to completion in the
// background; this bounds handler latency, not work.
func withDeadline[T any](ctx context.Context, deadline time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-time.After(deadline):
		var zero T
		return zero, fmt.Errorf("%w: timed out waiting on pool state", poolerr.ErrBusy)
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", poolerr.ErrCancelled, ctx.Err())
	}
}
