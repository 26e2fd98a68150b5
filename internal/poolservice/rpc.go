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

	"github.com/nvoss/v6pool/pkg/poolerr"
	"github.com/nvoss/v6pool/pkg/wire"
)

// Spawn generates and verifies a single address on demand, supplementing
// the background replenish loop.
func (s *PoolService) Spawn(ctx context.Context) (netip.Addr, error) {
	return withDeadline(ctx, s.cfg.RPCDeadline, func() (netip.Addr, error) {
		addr, err := s.spawner.Spawn(ctx)
		if err == nil {
			s.metrics.setGlobalTotal(s.global.Len())
		}
		return addr, err
	})
}

// Spawns generates up to n addresses on demand.
func (s *PoolService) Spawns(ctx context.Context, n int) ([]netip.Addr, bool, error) {
	type spawnsResult struct {
		addrs    []netip.Addr
		complete bool
	}
	r, err := withDeadline(ctx, s.cfg.RPCDeadline, func() (spawnsResult, error) {
		addrs, complete := s.spawner.Spawns(ctx, n)
		s.metrics.setGlobalTotal(s.global.Len())
		return spawnsResult{addrs, complete}, nil
	})
	return r.addrs, r.complete, err
}

// Check performs a synchronous usability probe with no state side effects.
func (s *PoolService) Check(ctx context.Context, addr netip.Addr) bool {
	return s.checker.Check(ctx, addr)
}

// Checks performs up to K probes in parallel, in input order.
func (s *PoolService) Checks(ctx context.Context, addrs []netip.Addr) []bool {
	return s.checker.Checks(ctx, addrs)
}

// Pick ensures dbname's mirror exists (creating and syncing it on first
// use), then returns one idle address. NoAddress on empty pool is the
// caller's cue to retry, not an error condition the service treats
// specially.
func (s *PoolService) Pick(ctx context.Context, dbname string) (netip.Addr, error) {
	return withDeadline(ctx, s.cfg.RPCDeadline, func() (netip.Addr, error) {
		m := s.mirror(dbname)
		addr, ok := m.GetIdleAddr()
		if ok {
			s.metrics.picks.Inc()
			return addr, nil
		}

		// Per spec: sync on pick when the mirror is empty, then retry once.
		m.SyncFromGlobal(s.global.GetAllAddrs())
		addr, ok = m.GetIdleAddr()
		if !ok {
			return netip.Addr{}, fmt.Errorf("%w: dbname %s", poolerr.ErrNoAddress, dbname)
		}
		s.metrics.picks.Inc()
		return addr, nil
	})
}

// Picks returns up to n addresses for dbname. Short returns are allowed;
// it fails with NoAddress only when n > 0 and no address was returned.
func (s *PoolService) Picks(ctx context.Context, dbname string, n int) ([]netip.Addr, error) {
	return withDeadline(ctx, s.cfg.RPCDeadline, func() ([]netip.Addr, error) {
		m := s.mirror(dbname)
		out := make([]netip.Addr, 0, n)
		for i := 0; i < n; i++ {
			addr, ok := m.GetIdleAddr()
			if !ok {
				break
			}
			out = append(out, addr)
		}
		if n > 0 && len(out) == 0 {
			return nil, fmt.Errorf("%w: dbname %s", poolerr.ErrNoAddress, dbname)
		}
		s.metrics.picks.Add(float64(len(out)))
		return out, nil
	})
}

// Report releases a single address back to idle or bad.
func (s *PoolService) Report(ctx context.Context, dbname string, info wire.ReportInfo) (bool, error) {
	return withDeadline(ctx, s.cfg.RPCDeadline, func() (bool, error) {
		m, ok := s.mirrorIfExists(dbname)
		if !ok {
			return false, fmt.Errorf("%w: %s", poolerr.ErrNoMirror, dbname)
		}
		ok = m.ReleaseAddr(info)
		if ok {
			s.metrics.reports.Inc()
		}
		return ok, nil
	})
}

// Reports releases a batch of addresses for dbname.
func (s *PoolService) Reports(ctx context.Context, dbname string, infos []wire.ReportInfo) (bool, error) {
	return withDeadline(ctx, s.cfg.RPCDeadline, func() (bool, error) {
		m, ok := s.mirrorIfExists(dbname)
		if !ok {
			return false, fmt.Errorf("%w: %s", poolerr.ErrNoMirror, dbname)
		}
		any := false
		for _, info := range infos {
			if m.ReleaseAddr(info) {
				any = true
				s.metrics.reports.Inc()
			}
		}
		return any, nil
	})
}

// Save flushes pending saves immediately.
func (s *PoolService) Save(ctx context.Context) error {
	_, err := withDeadline(ctx, s.cfg.RPCDeadline, func() (struct{}, error) {
		return struct{}{}, s.saveAll()
	})
	return err
}

// Flush clears dbname's mirror, or everything (GlobalDB and every mirror)
// when dbname is empty.
func (s *PoolService) Flush(ctx context.Context, dbname string) error {
	_, err := withDeadline(ctx, s.cfg.RPCDeadline, func() (struct{}, error) {
		if dbname == "" {
			return struct{}{}, s.FlushAll(ctx)
		}
		m, ok := s.mirrorIfExists(dbname)
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %s", poolerr.ErrNoMirror, dbname)
		}
		return struct{}{}, m.Flush()
	})
	return err
}

// GlobalStats returns the server-wide total and current prefix.
func (s *PoolService) GlobalStats() wire.GlobalStats {
	p := s.global.Prefix()
	prefixStr := ""
	if p.IsValid() {
		prefixStr = p.String()
	}
	return wire.GlobalStats{Total: s.global.Len(), Prefix: prefixStr}
}

// MirrorStats returns per-status totals for dbname.
func (s *PoolService) MirrorStats(dbname string) (poolstoreStats, error) {
	m, ok := s.mirrorIfExists(dbname)
	if !ok {
		return poolstoreStats{}, fmt.Errorf("%w: %s", poolerr.ErrNoMirror, dbname)
	}
	st := m.GetStats()
	return poolstoreStats{Total: st.Total, Idle: st.Idle, Using: st.Using, Bad: st.Bad}, nil
}

// poolstoreStats mirrors poolstore.Stats; kept as a distinct type here so
// rpc.go doesn't need to import poolstore just for a stats struct shape
// the HTTP layer re-marshals into wire.StatsResponse anyway.
type poolstoreStats struct {
	Total, Idle, Using, Bad int
}
