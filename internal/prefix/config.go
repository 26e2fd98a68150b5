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

// ReceiverConfig describes how a process should acquire its IPv6 prefix.
// It plays the role the teacher's AcquisitionSpec CRD field played, minus
// the Kubernetes API machinery: there is no apiserver here, so this is a
// plain value built by the CLI flag parser or test code.
type ReceiverConfig struct {
	// AddrRead is always present: it is the synchronous, authoritative
	// source of the currently-installed prefix (spec §4.1).
	AddrRead AddrReadConfig

	// DHCPv6PD optionally runs an active prefix-delegation client.
	DHCPv6PD *DHCPv6PDConfig

	// RouterAdvertisement optionally watches Router Advertisements.
	RouterAdvertisement *RouterAdvertisementConfig
}

// AddrReadConfig configures the primary, synchronous Prefixer.
type AddrReadConfig struct {
	// Interface is the network interface to inspect.
	Interface string

	// PrefixLength is the bit length the detected global address is
	// masked to (default 64).
	PrefixLength int
}

// DHCPv6PDConfig configures the DHCPv6-PD client backend.
type DHCPv6PDConfig struct {
	Interface             string
	RequestedPrefixLength int
}

// RouterAdvertisementConfig configures the RA watcher backend.
type RouterAdvertisementConfig struct {
	Interface string
	Enabled   bool
}
