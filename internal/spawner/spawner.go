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

// Package spawner generates fresh in-prefix IPv6 addresses, screens them
// for uniqueness and usability, and hands the survivors to GlobalDB.
package spawner

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"

	"github.com/go-logr/logr"

	"github.com/nvoss/v6pool/internal/prefix"
	"github.com/nvoss/v6pool/pkg/poolerr"
)

// maxCollisionRetries bounds how many times Spawner reuses a prefix before
// giving up on a single candidate slot, per spec.
const maxCollisionRetries = 16

// Prefixer is the subset of prefix detection the Spawner depends on.
type Prefixer interface {
	Detect() (netip.Prefix, error)
}

// GlobalStore is the subset of GlobalDB the Spawner mutates and reads.
type GlobalStore interface {
	Prefix() netip.Prefix
	HasAddr(addr netip.Addr) bool
	AddAddr(addr netip.Addr) error
}

// Checker is the subset of checker.Checker the Spawner depends on.
type Checker interface {
	Check(ctx context.Context, addr netip.Addr) bool
}

// Spawner generates and verifies candidate addresses within the currently
// installed prefix.
type Spawner struct {
	prefixer Prefixer
	global   GlobalStore
	checker  Checker
	log      logr.Logger
}

// New creates a Spawner from its collaborators.
func New(prefixer Prefixer, global GlobalStore, checker Checker, log logr.Logger) *Spawner {
	return &Spawner{prefixer: prefixer, global: global, checker: checker, log: log.WithName("spawner")}
}

// Spawn generates and verifies a single address, inserting it into
// GlobalDB on success. It reads the current prefix from the Prefixer and
// discards a verified candidate with NoPrefix when GlobalDB's installed
// prefix no longer equals it, so no address is added under a prefix the
// route monitor has not installed through SetPrefix.
func (s *Spawner) Spawn(ctx context.Context) (netip.Addr, error) {
	p, err := s.prefixer.Detect()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", poolerr.ErrNoPrefix, err)
	}

	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		candidate, err := randomAddrIn(p)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %v", poolerr.ErrInternal, err)
		}

		if s.global.HasAddr(candidate) {
			continue
		}

		if !s.checker.Check(ctx, candidate) {
			continue
		}

		// If the prefix changed out from under us mid-probe, reject: the
		// candidate belongs to a prefix that's no longer current.
		if s.global.Prefix() != p {
			return netip.Addr{}, fmt.Errorf("%w: prefix changed during spawn", poolerr.ErrNoPrefix)
		}

		if err := s.global.AddAddr(candidate); err != nil {
			return netip.Addr{}, err
		}

		return candidate, nil
	}

	return netip.Addr{}, fmt.Errorf("%w: exhausted %d collision retries", poolerr.ErrCheckFailed, maxCollisionRetries)
}

// Spawns generates up to n fresh addresses, returning the accepted ones
// and whether exactly n were accepted before exhausting the overall
// attempt budget (4n). Individual CheckFailed / collision rejections are
// swallowed; only the complete flag on the return surfaces them.
func (s *Spawner) Spawns(ctx context.Context, n int) (accepted []netip.Addr, complete bool) {
	if n <= 0 {
		return nil, true
	}

	budget := 4 * n
	accepted = make([]netip.Addr, 0, n)

	for attempts := 0; attempts < budget && len(accepted) < n; attempts++ {
		addr, err := s.Spawn(ctx)
		if err != nil {
			s.log.V(1).Info("spawn attempt did not yield an address", "error", err.Error())
			continue
		}
		accepted = append(accepted, addr)
	}

	return accepted, len(accepted) == n
}

// randomAddrIn generates a CSPRNG-filled candidate inside p: the network
// bits come verbatim from p, the host bits are uniformly random.
func randomAddrIn(p netip.Prefix) (netip.Addr, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return netip.Addr{}, fmt.Errorf("failed to read random bytes: %w", err)
	}
	randomAddr := netip.AddrFrom16(raw)
	return prefix.CombineWithSuffix(p, randomAddr)
}
