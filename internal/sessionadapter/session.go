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

package sessionadapter

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nvoss/v6pool/pkg/poolclient"
	"github.com/nvoss/v6pool/pkg/poolerr"
	"github.com/nvoss/v6pool/pkg/wire"
)

// PoolClient is the subset of poolclient.Client a Session depends on, kept
// narrow so tests can stub it without standing up an HTTP server.
type PoolClient interface {
	Pick(ctx context.Context, dbname string) (netip.Addr, error)
	Report(ctx context.Context, dbname string, info wire.ReportInfo) (bool, error)
}

var _ PoolClient = (*poolclient.Client)(nil)

// Config configures a Session. Defaults match spec §4.8.
type Config struct {
	// Dbname identifies this session's tenant to the pool service.
	Dbname string

	// AdaptRetryInterval is how long adapt() sleeps between pick attempts
	// while the pool reports NoAddress. Defaults to 5s.
	AdaptRetryInterval time.Duration

	// AdaptMaxRetries bounds how many times adapt() retries before
	// failing with PoolExhausted. Defaults to 15.
	AdaptMaxRetries int

	// ReportDeadline bounds how long report() waits on the server before
	// giving up; report() never blocks the caller beyond this. Defaults
	// to 2s.
	ReportDeadline time.Duration
}

// WithDefaults fills in spec §4.8's stated defaults for zero fields.
func (c Config) WithDefaults() Config {
	if c.Dbname == "" {
		c.Dbname = "default"
	}
	if c.AdaptRetryInterval == 0 {
		c.AdaptRetryInterval = 5 * time.Second
	}
	if c.AdaptMaxRetries == 0 {
		c.AdaptMaxRetries = 15
	}
	if c.ReportDeadline == 0 {
		c.ReportDeadline = 2 * time.Second
	}
	return c
}

// Session binds a connection-reusing *http.Client to a single source
// address drawn from the pool, for the scraper application above it to
// issue requests through. It owns the address exclusively between a
// successful adapt and the matching report.
type Session struct {
	pool PoolClient
	cfg  Config
	log  logr.Logger

	mu     sync.Mutex
	client *http.Client
	addr   netip.Addr
}

// NewSession constructs a Session bound to pool and immediately calls
// Adapt once, per spec ("initialization implicitly calls adapt() once").
// A non-nil error means the pool could not supply an address within
// AdaptMaxRetries; the Session is unusable in that case.
func NewSession(ctx context.Context, pool PoolClient, cfg Config, log logr.Logger) (*Session, error) {
	s := &Session{
		pool:   pool,
		cfg:    cfg.WithDefaults(),
		log:    log.WithName("session"),
		client: &http.Client{},
	}
	if err := s.Adapt(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Adapt calls the pool's pick for this session's dbname; on NoAddress it
// sleeps AdaptRetryInterval and retries up to AdaptMaxRetries times, and
// fails with PoolExhausted once retries are spent. On success the session
// binds its client to the returned address, invalidating any connections
// pooled under the previous binding. Context cancellation terminates the
// retry loop with Cancelled rather than PoolExhausted.
func (s *Session) Adapt(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		addr, err := s.pool.Pick(ctx, s.cfg.Dbname)
		if err == nil {
			s.bind(addr)
			s.log.Info("session adapted", "addr", addr, "dbname", s.cfg.Dbname)
			return nil
		}

		if !poolclient.IsNoAddress(err) {
			return err
		}

		if attempt >= s.cfg.AdaptMaxRetries {
			return fmt.Errorf("%w: exhausted %d retries for dbname %s", poolerr.ErrPoolExhausted, s.cfg.AdaptMaxRetries, s.cfg.Dbname)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", poolerr.ErrCancelled, ctx.Err())
		case <-time.After(s.cfg.AdaptRetryInterval):
		}
	}
}

func (s *Session) bind(addr netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	Adapt(s.client, addr)
	s.addr = addr
}

// HTTPClient returns the underlying client, bound to the session's
// current source address. The scraper issues its requests through this.
func (s *Session) HTTPClient() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Addr returns the address the session is currently bound to.
func (s *Session) Addr() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Report sends a single report RPC for the session's current address.
// It never blocks the caller beyond Config.ReportDeadline, regardless of
// the caller's own context.
func (s *Session) Report(ctx context.Context, status wire.AddrStatus, reason string) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()

	if !addr.IsValid() {
		return nil
	}

	deadline, cancel := context.WithTimeout(ctx, s.cfg.ReportDeadline)
	defer cancel()

	_, err := s.pool.Report(deadline, s.cfg.Dbname, wire.ReportInfo{
		Addr:   addr.String(),
		Status: status,
		Reason: reason,
	})
	return err
}
