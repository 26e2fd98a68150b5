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

package checker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

// echoServer starts an HTTP server on the IPv6 loopback address that
// echoes back whatever address string the handler is configured with,
// standing in for the upstream address-echo probe endpoint.
func echoServer(t *testing.T, body string, status int) (url string, closeFn func()) {
	t.Helper()

	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback listener unavailable in this environment: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)

	return fmt.Sprintf("http://%s/echo", ln.Addr().String()), func() { srv.Close() }
}

func TestChecker_CheckSucceedsOnMatchingEcho(t *testing.T) {
	addr := netip.MustParseAddr("::1")
	url, closeFn := echoServer(t, addr.String(), http.StatusOK)
	defer closeFn()

	c := New(Config{ProbeURL: url, Timeout: 2 * time.Second}, logr.Discard())
	if !c.Check(context.Background(), addr) {
		t.Fatal("Check() = false, want true for a matching 2xx echo")
	}
}

func TestChecker_CheckFailsOnMismatchedEcho(t *testing.T) {
	addr := netip.MustParseAddr("::1")
	url, closeFn := echoServer(t, "::2", http.StatusOK)
	defer closeFn()

	c := New(Config{ProbeURL: url, Timeout: 2 * time.Second}, logr.Discard())
	if c.Check(context.Background(), addr) {
		t.Fatal("Check() = true, want false when the echoed body doesn't match the bound address")
	}
}

func TestChecker_CheckFailsOnNon2xx(t *testing.T) {
	addr := netip.MustParseAddr("::1")
	url, closeFn := echoServer(t, addr.String(), http.StatusInternalServerError)
	defer closeFn()

	c := New(Config{ProbeURL: url, Timeout: 2 * time.Second}, logr.Discard())
	if c.Check(context.Background(), addr) {
		t.Fatal("Check() = true, want false on a 500 response")
	}
}

func TestChecker_CheckFailsOnUnreachable(t *testing.T) {
	c := New(Config{ProbeURL: "http://[::1]:1/echo", Timeout: 200 * time.Millisecond}, logr.Discard())
	if c.Check(context.Background(), netip.MustParseAddr("::1")) {
		t.Fatal("Check() = true, want false against an unreachable probe endpoint")
	}
}

func TestChecker_ChecksPreservesOrder(t *testing.T) {
	addr := netip.MustParseAddr("::1")
	url, closeFn := echoServer(t, addr.String(), http.StatusOK)
	defer closeFn()

	c := New(Config{ProbeURL: url, Timeout: 2 * time.Second, Concurrency: 2}, logr.Discard())

	addrs := []netip.Addr{addr, netip.MustParseAddr("::2"), addr}
	results := c.Checks(context.Background(), addrs)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if !results[0] || results[1] || !results[2] {
		t.Fatalf("Checks() = %v, want [true false true]", results)
	}
}
