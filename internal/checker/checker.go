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

// Package checker probes a single candidate IPv6 address by sourcing an
// outbound HTTP request from it and checking that the reply actually
// routes back to the host.
package checker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// Config configures a Checker.
type Config struct {
	// ProbeURL is the address-echo endpoint probed from each candidate.
	ProbeURL string

	// Timeout bounds a single probe. Defaults to 5s.
	Timeout time.Duration

	// Concurrency bounds how many probes Checks runs in parallel. Defaults
	// to 8.
	Concurrency int
}

// Checker probes candidate source addresses for outbound usability.
type Checker struct {
	probeURL    string
	timeout     time.Duration
	concurrency int
	log         logr.Logger
}

// New creates a Checker from cfg, applying defaults for zero fields.
func New(cfg Config, log logr.Logger) *Checker {
	c := &Checker{
		probeURL:    cfg.ProbeURL,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		log:         log.WithName("checker"),
	}
	if c.timeout == 0 {
		c.timeout = 5 * time.Second
	}
	if c.concurrency == 0 {
		c.concurrency = 8
	}
	return c
}

// Check performs a single HTTP GET to the configured probe URL, sourcing
// the outbound connection from addr. It returns true iff a 2xx response
// arrived within the deadline and its body, parsed as an address, equals
// addr in canonical form. Every lower-level failure (bind refused, no
// route, timeout, non-2xx, mismatched echo) collapses to false: Checker
// never returns an error from this method, per the probe-level CheckFailed
// propagation policy — the caller only sees a bool.
func (c *Checker) Check(ctx context.Context, addr netip.Addr) bool {
	ok, err := c.check(ctx, addr)
	if err != nil {
		c.log.V(1).Info("check failed", "addr", addr, "error", err.Error())
		return false
	}
	return ok
}

func (c *Checker) check(ctx context.Context, addr netip.Addr) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := &http.Client{
		Timeout:   c.timeout,
		Transport: c.transportFor(addr),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return false, fmt.Errorf("failed to read probe body: %w", err)
	}

	echoed, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return false, fmt.Errorf("probe body %q is not an address: %w", body, err)
	}

	return echoed == addr, nil
}

// transportFor returns an http.Transport whose dialer binds its local
// socket to addr before connecting, using IPV6_FREEBIND so the bind
// succeeds even for an address the kernel hasn't yet confirmed reachable
// via neighbor discovery — the whole point of the probe is to find out.
func (c *Checker) transportFor(addr netip.Addr) *http.Transport {
	localAddr := &net.TCPAddr{IP: net.IP(addr.AsSlice())}

	dialer := &net.Dialer{
		Timeout:   c.timeout,
		LocalAddr: localAddr,
		Control: func(network, address string, conn syscall.RawConn) error {
			var ctrlErr error
			err := conn.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_FREEBIND, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	return &http.Transport{
		DialContext:     dialer.DialContext,
		IdleConnTimeout: c.timeout,
		// Each probe is a one-off; never reuse a connection across checks.
		DisableKeepAlives: true,
	}
}

// Checks probes addrs with bounded concurrency and returns results in
// input order.
func (c *Checker) Checks(ctx context.Context, addrs []netip.Addr) []bool {
	results := make([]bool, len(addrs))
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for i, addr := range addrs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, addr netip.Addr) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.Check(ctx, addr)
		}(i, addr)
	}

	wg.Wait()
	return results
}
