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

// Package sessionadapter binds a connection-reusing *http.Client to a
// specific source IPv6 address, replacing its connection factory instead
// of subclassing the client the way the original scraper's session class
// did. ForceIPv4/ForceIPv6/Adapt are the static capabilities spec §4.8
// names; Session layers pool-service pick/report semantics on top.
package sessionadapter

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// Adapt installs a connection factory on client that binds every new
// outbound socket to (ip, 0) and restricts address-family resolution to
// IPv6. Any connections pooled under the client's previous transport are
// closed so a request issued right after Adapt can never silently reuse
// the old source address.
func Adapt(client *http.Client, ip netip.Addr) {
	old := client.Transport
	client.Transport = newTransport(ip)
	closeIdle(old)
}

// ForceIPv4 restricts client's address-family resolution to IPv4, with no
// source-address binding. Used by callers that want a plain IPv4 path
// without going through the pool at all.
func ForceIPv4(client *http.Client) {
	old := client.Transport
	client.Transport = familyTransport("tcp4")
	closeIdle(old)
}

// ForceIPv6 restricts client's address-family resolution to IPv6, with no
// source-address binding.
func ForceIPv6(client *http.Client) {
	old := client.Transport
	client.Transport = familyTransport("tcp6")
	closeIdle(old)
}

func closeIdle(t http.RoundTripper) {
	if rt, ok := t.(*http.Transport); ok {
		rt.CloseIdleConnections()
	}
}

// newTransport returns a transport whose dialer sources outbound TCP
// connections from ip. IPV6_FREEBIND is set the same way checker.Checker
// sets it: binding to an address the kernel hasn't yet confirmed routable
// must still succeed at the syscall layer, because routability is exactly
// what the pool's probe already verified out of band.
func newTransport(ip netip.Addr) *http.Transport {
	localAddr := &net.TCPAddr{IP: net.IP(ip.AsSlice())}

	dialer := &net.Dialer{
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
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp6", address)
		},
	}
}

func familyTransport(network string) *http.Transport {
	dialer := &net.Dialer{}
	return &http.Transport{
		DialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
	}
}
