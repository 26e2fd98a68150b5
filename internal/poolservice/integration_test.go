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
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nvoss/v6pool/internal/spawner"
	"github.com/nvoss/v6pool/pkg/wire"
)

// alwaysUsableChecker stands in for a real Checker: every candidate
// passes, so spawning never blocks on network I/O in tests.
type alwaysUsableChecker struct{}

func (alwaysUsableChecker) Check(ctx context.Context, addr netip.Addr) bool      { return true }
func (alwaysUsableChecker) Checks(ctx context.Context, addrs []netip.Addr) []bool {
	out := make([]bool, len(addrs))
	for i := range out {
		out[i] = true
	}
	return out
}

// fakePrefixSource is a goroutine-safe, test-controlled prefix, shared
// between a fakeReconciler (standing in for RouteUpdater) and the
// PoolService's prefixer.detect closure so Spawn and the route monitor
// always agree on the currently "discovered" prefix.
type fakePrefixSource struct {
	mu     sync.Mutex
	prefix netip.Prefix
}

func (f *fakePrefixSource) set(p netip.Prefix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix = p
}

func (f *fakePrefixSource) get() (netip.Prefix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefix, nil
}

// fakeReconciler stands in for route.RouteUpdater: Run never touches the
// kernel or ndppd, it just reports whatever prefix the test has set on
// the shared fakePrefixSource.
type fakeReconciler struct {
	src *fakePrefixSource
}

func (f *fakeReconciler) Run(ctx context.Context) error      { return nil }
func (f *fakeReconciler) CurrentPrefix() netip.Prefix {
	p, _ := f.src.get()
	return p
}

// newTestService builds a PoolService with real GlobalDB/MirrorDB
// persistence against a temp directory, but fake checker and reconciler
// collaborators so tests never touch the network or the kernel routing
// table. It mirrors the teacher's pattern of injecting a mock receiver
// directly into a reconciler built in test code.
func newTestService(dbRoot string, usableNum int) (*PoolService, *fakePrefixSource) {
	cfg := ServiceConfig{
		DBRoot:             dbRoot,
		Interface:          "test0",
		UsableNum:          usableNum,
		RouteCheckInterval: 20 * time.Millisecond,
		SaveInterval:       20 * time.Millisecond,
		MirrorSyncInterval: 20 * time.Millisecond,
	}.WithDefaults()

	log := logr.Discard()
	svc := New(cfg, log)

	src := &fakePrefixSource{}
	svc.prefixer.detect = src.get
	svc.checker = alwaysUsableChecker{}
	svc.spawner = spawner.New(svc.prefixer, svc.global, alwaysUsableChecker{}, log)
	svc.updater = &fakeReconciler{src: src}

	return svc, src
}

var _ = Describe("PoolService", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		svc    *PoolService
		src    *fakePrefixSource
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		svc, src = newTestService(GinkgoT().TempDir(), 5)
		src.set(netip.MustParsePrefix("2001:db8::/64"))
		Expect(svc.Load()).To(Succeed())
	})

	AfterEach(func() {
		Expect(svc.Stop()).To(Succeed())
		cancel()
	})

	It("replenishes GlobalDB to usable_num on cold start", func() {
		Expect(svc.Start(ctx)).To(Succeed())
		Eventually(func() int { return svc.GlobalStats().Total }, time.Second, 5*time.Millisecond).Should(Equal(5))
	})

	It("runs a full pick/report cycle", func() {
		Expect(svc.Start(ctx)).To(Succeed())
		Eventually(func() int { return svc.GlobalStats().Total }, time.Second, 5*time.Millisecond).Should(Equal(5))

		addr, err := svc.Pick(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())

		st, err := svc.MirrorStats("t1")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Using).To(Equal(1))

		ok, err := svc.Report(ctx, "t1", wire.ReportInfo{Addr: addr.String(), Status: wire.StatusIdle})
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		st, err = svc.MirrorStats("t1")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Idle).To(Equal(1))
		Expect(st.Using).To(Equal(0))
	})

	It("keeps a bad address bad across a mirror sync", func() {
		Expect(svc.Start(ctx)).To(Succeed())
		Eventually(func() int { return svc.GlobalStats().Total }, time.Second, 5*time.Millisecond).Should(Equal(5))

		addr, err := svc.Pick(ctx, "t2")
		Expect(err).NotTo(HaveOccurred())

		ok, err := svc.Report(ctx, "t2", wire.ReportInfo{Addr: addr.String(), Status: wire.StatusBad})
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		// Force another sync cycle; the bad marking must survive it.
		svc.syncAllMirrors()

		st, err := svc.MirrorStats("t2")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Bad).To(Equal(1))
	})

	It("returns NoAddress once every address in a mirror is bad, and recovers after the mirror is flushed", func() {
		Expect(svc.Start(ctx)).To(Succeed())
		Eventually(func() int { return svc.GlobalStats().Total }, time.Second, 5*time.Millisecond).Should(Equal(5))

		for {
			addr, err := svc.Pick(ctx, "t3")
			if err != nil {
				break
			}
			_, _ = svc.Report(ctx, "t3", wire.ReportInfo{Addr: addr.String(), Status: wire.StatusBad})
		}

		_, err := svc.Pick(ctx, "t3")
		Expect(err).To(HaveOccurred())

		// Flushing t3 clears the stickiness and the next sync repopulates
		// it as idle from GlobalDB.
		Expect(svc.Flush(ctx, "t3")).To(Succeed())
		Eventually(func() error {
			_, err := svc.Pick(ctx, "t3")
			return err
		}, time.Second, 5*time.Millisecond).Should(Succeed())
	})

	It("flushes GlobalDB and every mirror on a prefix change", func() {
		Expect(svc.Start(ctx)).To(Succeed())
		Eventually(func() int { return svc.GlobalStats().Total }, time.Second, 5*time.Millisecond).Should(Equal(5))

		_, err := svc.Pick(ctx, "t4")
		Expect(err).NotTo(HaveOccurred())

		src.set(netip.MustParsePrefix("2001:db8:1::/64"))

		Eventually(func() string { return svc.GlobalStats().Prefix }, time.Second, 5*time.Millisecond).
			Should(Equal("2001:db8:1::/64"))
		Eventually(func() int { return svc.GlobalStats().Total }, time.Second, 5*time.Millisecond).Should(Equal(5))

		st, err := svc.MirrorStats("t4")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Bad).To(Equal(0))
		Expect(st.Total).To(Equal(st.Idle))
	})

	It("reloads a mirror's using addresses across a restart", func() {
		Expect(svc.Start(ctx)).To(Succeed())
		Eventually(func() int { return svc.GlobalStats().Total }, time.Second, 5*time.Millisecond).Should(Equal(5))

		_, err := svc.Pick(ctx, "t5")
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Stop()).To(Succeed())

		svc2, src2 := newTestService(svc.cfg.DBRoot, 5)
		src2.set(netip.MustParsePrefix("2001:db8::/64"))
		Expect(svc2.Load()).To(Succeed())

		// Force the lazily-created mirror to load from disk instead of
		// being (re)synced empty from GlobalDB.
		svc2.mirror("t5")

		st, err := svc2.MirrorStats("t5")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Using).To(Equal(1))

		Expect(svc2.Flush(ctx, "t5")).To(Succeed())
		st2, err := svc2.MirrorStats("t5")
		Expect(err).NotTo(HaveOccurred())
		Expect(st2.Using).To(Equal(0))

		svc = svc2 // let the AfterEach Stop() the right service
	})
})
