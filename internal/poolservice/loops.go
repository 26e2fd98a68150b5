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
	"fmt"
	"time"

	"github.com/nvoss/v6pool/internal/poolstore"
)

// intervalHinter is implemented by route.RouteUpdater; matched via a type
// assertion rather than folded into reconcileCollaborator so tests can
// substitute a bare fake that always uses the fixed interval.
type intervalHinter interface {
	NextInterval(deflt time.Duration) time.Duration
}

// runRouteMonitor ticks every RouteCheckInterval (or sooner, if the
// updater's lease hint says a lease is close to expiry), reconciling
// kernel and NDP-proxy state with the current prefix. A prefix change
// flushes GlobalDB and every mirror via FlushAll (invoked from inside
// RouteUpdater.Run) and installs the new prefix.
func (s *PoolService) runRouteMonitor() {
	defer s.wg.Done()

	timer := time.NewTimer(s.nextRouteInterval())
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			if err := s.updater.Run(s.ctx); err != nil {
				s.log.Info("route reconcile failed, will retry", "error", err.Error())
			} else {
				newPrefix := s.updater.CurrentPrefix()
				if newPrefix != s.global.Prefix() {
					s.global.SetPrefix(newPrefix)
					s.emit("prefix_changed", newPrefix.String())
					s.signalReplenish()
				}
			}
			timer.Reset(s.nextRouteInterval())
		}
	}
}

func (s *PoolService) nextRouteInterval() time.Duration {
	if ih, ok := s.updater.(intervalHinter); ok {
		return ih.NextInterval(s.cfg.RouteCheckInterval)
	}
	return s.cfg.RouteCheckInterval
}

// runLeaseEventForwarder relays the optional LeaseReceiver's Events onto
// PoolService's own event stream, so an operator watching Events() sees
// lease acquisitions/renewals alongside prefix_changed/replenished.
func (s *PoolService) runLeaseEventForwarder() {
	defer s.wg.Done()

	events := s.cfg.LeaseReceiver.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			detail := string(ev.Type)
			if ev.Prefix != nil {
				detail = fmt.Sprintf("%s %s", ev.Type, ev.Prefix.Network)
			}
			if ev.Error != nil {
				detail = fmt.Sprintf("%s: %v", detail, ev.Error)
			}
			s.emit("lease_"+string(ev.Type), detail)
		}
	}
}

// runReplenishLoop tops up GlobalDB to UsableNum verified addresses. It
// wakes either on a signal (sent by Start and after each prefix change,
// both points where GlobalDB is below target) or every 5s, and runs at
// most one replenish at a time.
func (s *PoolService) runReplenishLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.replenishOnce()
		case <-s.replenishSignal:
			s.replenishOnce()
		}
	}
}

func (s *PoolService) signalReplenish() {
	select {
	case s.replenishSignal <- struct{}{}:
	default:
	}
}

func (s *PoolService) replenishOnce() {
	deficit := s.cfg.UsableNum - s.global.Len()
	if deficit <= 0 {
		return
	}

	accepted, complete := s.spawner.Spawns(s.ctx, deficit)
	if len(accepted) > 0 {
		s.emit("replenished", fmt.Sprintf("%d addresses", len(accepted)))
		s.syncAllMirrors()
	}
	if !complete {
		s.log.V(1).Info("replenish did not reach target this round", "deficit", deficit, "accepted", len(accepted))
	}
	s.metrics.setGlobalTotal(s.global.Len())
}

// runMirrorSyncLoop ticks every MirrorSyncInterval, syncing every live
// mirror from GlobalDB's current address set. Pick additionally triggers
// an immediate sync when its mirror is empty, per spec.
func (s *PoolService) runMirrorSyncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MirrorSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.syncAllMirrors()
		}
	}
}

func (s *PoolService) syncAllMirrors() {
	addrs := s.global.GetAllAddrs()

	s.mirrorsMu.RLock()
	mirrors := make([]*poolstore.MirrorDB, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		mirrors = append(mirrors, m)
	}
	s.mirrorsMu.RUnlock()

	for _, m := range mirrors {
		m.SyncFromGlobal(addrs)
	}
}

// runPersistenceLoop flushes pending saves at SaveInterval, coalescing
// any mutations that happened since the last tick into a single write.
func (s *PoolService) runPersistenceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.saveDirty()
		}
	}
}

func (s *PoolService) saveDirty() {
	if s.global.Dirty() {
		if err := s.global.Save(); err != nil {
			s.log.Error(err, "failed to save global db")
		}
	}

	s.mirrorsMu.RLock()
	names := make([]string, 0, len(s.mirrors))
	mirrors := make([]*poolstore.MirrorDB, 0, len(s.mirrors))
	for name, m := range s.mirrors {
		names = append(names, name)
		mirrors = append(mirrors, m)
	}
	s.mirrorsMu.RUnlock()

	for i, m := range mirrors {
		if m.Dirty() {
			if err := m.Save(); err != nil {
				s.log.Error(err, "failed to save mirror", "dbname", names[i])
			}
		}
	}
}
