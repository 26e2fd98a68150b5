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

// Package poolservice is the top-level coordinator: it owns GlobalDB and
// every MirrorDB, drives the background route/replenish/sync/persistence
// loops, and exposes the HTTP/JSON RPC surface that clients consume.
package poolservice

import (
	"time"

	"github.com/nvoss/v6pool/internal/prefix"
)

// ServiceConfig holds every tunable of a PoolService, replacing the
// ambient module-level configuration the teacher's CRD-backed operator
// used to get from the API server: everything here is passed explicitly
// at construction, and nothing is a process-wide mutable global.
type ServiceConfig struct {
	// DBRoot is the directory holding ipv6_global_addrs.json and the
	// ipv6_mirrors/ subdirectory.
	DBRoot string

	// Interface is the uplink interface the Prefixer/RouteUpdater watch.
	Interface string

	// PrefixLength is the bit length the Prefixer masks a detected global
	// address to. Zero defaults to 64.
	PrefixLength int

	// UsableNum is the target inventory size GlobalDB is replenished to.
	UsableNum int

	// CheckURL is the address-echo probe endpoint.
	CheckURL string

	// CheckTimeout bounds a single Checker probe.
	CheckTimeout time.Duration

	// RouteCheckInterval is how often the route monitor loop ticks.
	RouteCheckInterval time.Duration

	// SaveInterval bounds how often the persistence loop flushes pending
	// saves to disk.
	SaveInterval time.Duration

	// MirrorSyncInterval is how often the mirror sync loop ticks.
	MirrorSyncInterval time.Duration

	// NdppdConfPath is the NDP-proxy daemon's config file path.
	NdppdConfPath string

	// NdppdUnit is the systemd unit name of the NDP-proxy daemon.
	NdppdUnit string

	// RPCDeadline bounds how long an RPC handler may wait on a DB lock
	// before failing with Busy.
	RPCDeadline time.Duration

	// LeaseReceiver is an optional asynchronous Prefixer backend (an
	// RAReceiver or DHCPv6PDReceiver) run purely to give the route monitor
	// a lease-aware recheck hint; the synchronous AddrReadPrefixer remains
	// the prefix of record either way. Nil disables the hint.
	LeaseReceiver prefix.Receiver
}

// WithDefaults returns a copy of cfg with every zero-valued field filled
// in from the spec's stated defaults.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	if c.UsableNum == 0 {
		c.UsableNum = 20
	}
	if c.CheckURL == "" {
		c.CheckURL = "http://127.0.0.1:8080/echo"
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.RouteCheckInterval == 0 {
		c.RouteCheckInterval = 1800 * time.Second
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = 2 * time.Second
	}
	if c.MirrorSyncInterval == 0 {
		c.MirrorSyncInterval = 2 * time.Second
	}
	if c.NdppdConfPath == "" {
		c.NdppdConfPath = "/etc/ndppd.conf"
	}
	if c.NdppdUnit == "" {
		c.NdppdUnit = "ndppd.service"
	}
	if c.RPCDeadline == 0 {
		c.RPCDeadline = time.Second
	}
	if c.PrefixLength == 0 {
		c.PrefixLength = 64
	}
	return c
}

// addrReadPrefixer builds the synchronous Prefixer this service uses by
// default: a read of the uplink interface's current global addresses.
func (c ServiceConfig) addrReadPrefixer() *prefix.AddrReadPrefixer {
	return prefix.NewAddrReadPrefixer(c.Interface, c.PrefixLength)
}

func globalDBPath(dbRoot string) string {
	return dbRoot + "/ipv6_global_addrs.json"
}

func mirrorDBPath(dbRoot, dbname string) string {
	return dbRoot + "/ipv6_mirrors/" + dbname + ".json"
}
