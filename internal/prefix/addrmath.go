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
	"encoding/binary"
	"fmt"
	"net/netip"
)

// AddrToSegs decomposes an IPv6 address into its 8 hextet integers,
// most-significant first. Generalized from the byte-level splicing in
// CombineWithSuffix below so a caller that only needs to read hextets
// doesn't have to round-trip through a suffix string.
func AddrToSegs(addr netip.Addr) [8]uint16 {
	b := addr.As16()
	var segs [8]uint16
	for i := 0; i < 8; i++ {
		segs[i] = binary.BigEndian.Uint16(b[i*2 : i*2+2])
	}
	return segs
}

// SegsToAddr recomposes an address from 8 hextets.
func SegsToAddr(segs [8]uint16) netip.Addr {
	var b [16]byte
	for i := 0; i < 8; i++ {
		binary.BigEndian.PutUint16(b[i*2:i*2+2], segs[i])
	}
	return netip.AddrFrom16(b)
}

// CombineWithSuffix splices the network bits of basePrefix with the host
// bits of suffix, byte for byte with one partial-byte mask at the
// boundary. This is the prefix/suffix splice the teacher's
// parseOffsetSuffix performed against a configured suffix string;
// here it is used by the Spawner to graft CSPRNG-filled host bits onto a
// verified prefix instead.
func CombineWithSuffix(basePrefix netip.Prefix, suffix netip.Addr) (netip.Addr, error) {
	if !basePrefix.Addr().Is6() || !suffix.Is6() {
		return netip.Addr{}, fmt.Errorf("CombineWithSuffix only supports IPv6")
	}

	baseBytes := basePrefix.Masked().Addr().As16()
	suffixBytes := suffix.As16()
	var result [16]byte

	bits := basePrefix.Bits()
	fullBytes := bits / 8
	remainingBits := bits % 8

	copy(result[:fullBytes], baseBytes[:fullBytes])

	if remainingBits > 0 && fullBytes < 16 {
		mask := byte(0xFF << (8 - remainingBits))
		result[fullBytes] = (baseBytes[fullBytes] & mask) | (suffixBytes[fullBytes] & ^mask)
		fullBytes++
	}

	copy(result[fullBytes:], suffixBytes[fullBytes:])

	return netip.AddrFrom16(result), nil
}
