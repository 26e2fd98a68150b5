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

// Package poolclient is the HTTP/JSON client for the pool service's RPC
// surface (pkg/wire), consumed by internal/sessionadapter and any
// standalone CLI tooling. It never touches storage directly: every
// operation is a request against the server named in Config.BaseURL,
// following the same newRequest/do shape purelb's internal/netbox client
// uses against its own JSON API.
package poolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/nvoss/v6pool/pkg/poolerr"
	"github.com/nvoss/v6pool/pkg/wire"
)

// Config configures a Client. Defaults match spec §6's stated client
// defaults.
type Config struct {
	// BaseURL is the pool service's address, e.g. "http://localhost:16000".
	BaseURL string

	// Dbname is a default tenant identifier, returned by Client.Dbname;
	// every pick/report method takes its dbname explicitly.
	Dbname string

	// Timeout bounds a single RPC round trip.
	Timeout time.Duration

	// HTTPClient is the underlying transport. A zero value gets a plain
	// http.Client built from Timeout.
	HTTPClient *http.Client
}

// WithDefaults fills in spec §6's client defaults for zero fields.
func (c Config) WithDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:16000"
	}
	if c.Dbname == "" {
		c.Dbname = "default"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// Client is a thin HTTP binding of the wire.go RPC shapes. It holds no
// pool state of its own; every call is a round trip to the server.
type Client struct {
	cfg Config
}

// New creates a Client from cfg, applying Config.WithDefaults.
func New(cfg Config) *Client {
	return &Client{cfg: cfg.WithDefaults()}
}

// Dbname returns the client's configured default dbname.
func (c *Client) Dbname() string { return c.cfg.Dbname }

// errorFor reconstructs a pkg/poolerr sentinel from a wire error name, so
// callers on the client side can use errors.Is the same way server-side
// code does. Unrecognized names collapse to ErrInternal.
func errorFor(name string) error {
	switch name {
	case "NoInterface":
		return poolerr.ErrNoInterface
	case "NoGlobalAddress":
		return poolerr.ErrNoGlobalAddress
	case "NoPrefix":
		return poolerr.ErrNoPrefix
	case "NoAddress":
		return poolerr.ErrNoAddress
	case "NoMirror":
		return poolerr.ErrNoMirror
	case "CheckFailed":
		return poolerr.ErrCheckFailed
	case "ProxyRestart":
		return poolerr.ErrProxyRestart
	case "PoolExhausted":
		return poolerr.ErrPoolExhausted
	case "Timeout":
		return poolerr.ErrTimeout
	case "Busy":
		return poolerr.ErrBusy
	case "Cancelled":
		return poolerr.ErrCancelled
	case "Malformed":
		return poolerr.ErrMalformed
	default:
		return poolerr.ErrInternal
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", poolerr.ErrCancelled, err)
		}
		return fmt.Errorf("%w: %v", poolerr.ErrTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e wire.ErrorResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&e); decErr != nil {
			return fmt.Errorf("%w: status %d", poolerr.ErrInternal, resp.StatusCode)
		}
		return errorFor(e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Stats fetches per-status totals for dbname.
func (c *Client) Stats(ctx context.Context, dbname string) (wire.StatsResponse, error) {
	var out wire.StatsResponse
	q := url.Values{}
	if dbname != "" {
		q.Set("dbname", dbname)
	}
	err := c.do(ctx, http.MethodGet, "/stats", q, nil, &out)
	return out, err
}

// Spawn requests a single on-demand spawn.
func (c *Client) Spawn(ctx context.Context) (netip.Addr, error) {
	var out wire.SpawnResponse
	if err := c.do(ctx, http.MethodGet, "/spawn", nil, nil, &out); err != nil {
		return netip.Addr{}, err
	}
	return netip.ParseAddr(out.Addr)
}

// Spawns requests up to n on-demand spawns.
func (c *Client) Spawns(ctx context.Context, n int) ([]netip.Addr, bool, error) {
	var out wire.SpawnsResponse
	q := url.Values{"num": {strconv.Itoa(n)}}
	if err := c.do(ctx, http.MethodGet, "/spawns", q, nil, &out); err != nil {
		return nil, false, err
	}
	return parseAddrs(out.Addrs), out.Complete, nil
}

// Check performs a synchronous usability probe.
func (c *Client) Check(ctx context.Context, addr netip.Addr) (bool, error) {
	var out wire.CheckResponse
	err := c.do(ctx, http.MethodPost, "/check", nil, wire.CheckRequest{Addr: addr.String()}, &out)
	return out.Usable, err
}

// Pick draws one idle address for dbname. NoAddress is a normal outcome
// the caller is expected to retry on, not a transport failure.
func (c *Client) Pick(ctx context.Context, dbname string) (netip.Addr, error) {
	var out wire.PickResponse
	q := url.Values{"dbname": {dbname}}
	if err := c.do(ctx, http.MethodGet, "/pick", q, nil, &out); err != nil {
		return netip.Addr{}, err
	}
	return netip.ParseAddr(out.Addr)
}

// Picks draws up to n idle addresses for dbname.
func (c *Client) Picks(ctx context.Context, dbname string, n int) ([]netip.Addr, error) {
	var out wire.PicksResponse
	q := url.Values{"dbname": {dbname}, "num": {strconv.Itoa(n)}}
	if err := c.do(ctx, http.MethodGet, "/picks", q, nil, &out); err != nil {
		return nil, err
	}
	return parseAddrs(out.Addrs), nil
}

// Report releases a single address for dbname back to idle or bad.
func (c *Client) Report(ctx context.Context, dbname string, info wire.ReportInfo) (bool, error) {
	var out wire.OkResponse
	req := wire.ReportRequest{Dbname: dbname, ReportInfo: info}
	err := c.do(ctx, http.MethodPost, "/report", nil, req, &out)
	return out.Ok, err
}

// Reports releases a batch of addresses for dbname.
func (c *Client) Reports(ctx context.Context, dbname string, infos []wire.ReportInfo) (bool, error) {
	var out wire.OkResponse
	req := wire.ReportsRequest{Dbname: dbname, Reports: infos}
	err := c.do(ctx, http.MethodPost, "/reports", nil, req, &out)
	return out.Ok, err
}

// Save asks the server to flush pending saves immediately.
func (c *Client) Save(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/save", nil, nil, &wire.OkResponse{})
}

// Flush clears dbname's mirror, or everything when dbname is empty.
func (c *Client) Flush(ctx context.Context, dbname string) error {
	q := url.Values{}
	if dbname != "" {
		q.Set("dbname", dbname)
	}
	return c.do(ctx, http.MethodPost, "/flush", q, nil, &wire.OkResponse{})
}

func parseAddrs(ss []string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		if a, err := netip.ParseAddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// IsNoAddress reports whether err is (or wraps) poolerr.ErrNoAddress, the
// one outcome a Session's adapt loop treats as retryable rather than
// fatal.
func IsNoAddress(err error) bool {
	return errors.Is(err, poolerr.ErrNoAddress)
}
