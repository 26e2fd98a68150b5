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

package prefix

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/vishvananda/netlink"

	"github.com/nvoss/v6pool/pkg/poolerr"
)

// ifa_flags from linux source if_addr.h. vishvananda/netlink surfaces these
// raw in Addr.Flags rather than as named constants, so we keep our own copy
// of the bits we care about, the same way purelb's internal/local/network.go
// does when it filters temporary/secondary addresses.
const (
	ifaFSecondary  = 0x01 // aka IFA_F_TEMPORARY
	ifaFDeprecated = 0x20
	ifaFTentative  = 0x40
)

// AddrReadPrefixer implements the synchronous Prefixer contract: it reads
// the OS's current global IPv6 addresses on a named interface and reports
// the network prefix of the lowest-numbered usable one. It never mutates
// anything and never blocks beyond the underlying netlink round trip.
type AddrReadPrefixer struct {
	iface        string
	prefixLength int
}

// NewAddrReadPrefixer creates a Prefixer for the given interface. A
// prefixLength of 0 defaults to 64.
func NewAddrReadPrefixer(iface string, prefixLength int) *AddrReadPrefixer {
	if prefixLength == 0 {
		prefixLength = 64
	}
	return &AddrReadPrefixer{iface: iface, prefixLength: prefixLength}
}

// Detect reads the interface's global IPv6 addresses and returns the
// prefix of the lowest-numbered non-link-local, non-temporary global
// address, masked to the configured prefix length.
func (p *AddrReadPrefixer) Detect() (netip.Prefix, error) {
	link, err := netlink.LinkByName(p.iface)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s: %v", poolerr.ErrNoInterface, p.iface, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to list addresses on %s: %w", p.iface, err)
	}

	candidates := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Flags&(ifaFSecondary|ifaFDeprecated|ifaFTentative) != 0 {
			continue
		}

		ip, ok := netip.AddrFromSlice(a.IP.To16())
		if !ok {
			continue
		}
		ip = ip.Unmap()

		if !ip.IsGlobalUnicast() || ip.IsLinkLocalUnicast() {
			continue
		}

		candidates = append(candidates, ip)
	}

	if len(candidates) == 0 {
		return netip.Prefix{}, fmt.Errorf("%w: interface %s has no usable global address", poolerr.ErrNoGlobalAddress, p.iface)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Less(candidates[j])
	})

	chosen := candidates[0]
	prefix, err := chosen.Prefix(p.prefixLength)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to derive /%d prefix from %s: %w", p.prefixLength, chosen, err)
	}

	return prefix.Masked(), nil
}

// Interface returns the interface this Prefixer inspects.
func (p *AddrReadPrefixer) Interface() string {
	return p.iface
}
