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
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/dhcpv6/nclient6"
	"github.com/insomniacslk/dhcp/iana"
)

// dhcpv6ExchangeTimeout bounds a single SOLICIT/RENEW/REBIND round trip.
const dhcpv6ExchangeTimeout = 30 * time.Second

// dhcpv6RetryInterval is how long the lease loop waits before trying to
// acquire a prefix again after a failed attempt with no lease in hand.
const dhcpv6RetryInterval = 10 * time.Second

// DHCPv6PDReceiver actively solicits prefix delegation from an upstream
// DHCPv6 server and keeps the resulting lease renewed, for hosts where this
// process itself (rather than a separate system daemon) must speak
// DHCPv6-PD to acquire its routed prefix.
type DHCPv6PDReceiver struct {
	mu                    sync.RWMutex
	iface                 string
	log                   logr.Logger
	requestedPrefixLength int
	currentPrefix         *Prefix
	lease                 *pdLease
	events                chan Event
	stopCh                chan struct{}
	started               bool
	ctx                   context.Context
	cancel                context.CancelFunc
}

// pdLease is the subset of an IA_PD binding the receiver needs to track
// between acquisition and the next renew/rebind cycle.
type pdLease struct {
	iaid              [4]byte
	prefix            netip.Prefix
	t1                time.Duration
	t2                time.Duration
	validLifetime     time.Duration
	preferredLifetime time.Duration
	receivedAt        time.Time
	serverID          dhcpv6.DUID
}

// NewDHCPv6PDReceiver creates a DHCPv6-PD receiver for iface. requestedLen is
// a hint passed to the server for the delegated prefix's bit length (0
// defaults to 56, a common residential-ISP delegation size).
func NewDHCPv6PDReceiver(iface string, requestedLen int) *DHCPv6PDReceiver {
	if requestedLen == 0 {
		requestedLen = 56
	}
	return &DHCPv6PDReceiver{
		iface:                 iface,
		log:                   logr.Discard(),
		requestedPrefixLength: requestedLen,
		events:                make(chan Event, 10),
		stopCh:                make(chan struct{}),
	}
}

// WithLogger attaches a logger, returning the receiver for chaining.
func (r *DHCPv6PDReceiver) WithLogger(log logr.Logger) *DHCPv6PDReceiver {
	r.log = log.WithName("dhcpv6pd-receiver")
	return r
}

// Start begins the SOLICIT/REQUEST exchange and the background renewal loop.
func (r *DHCPv6PDReceiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true

	r.log.Info("starting DHCPv6-PD client", "interface", r.iface, "requestedPrefixLength", r.requestedPrefixLength)

	go r.leaseLoop()

	return nil
}

// Stop stops the client and its renewal loop.
func (r *DHCPv6PDReceiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	r.started = false
	if r.cancel != nil {
		r.cancel()
	}
	close(r.stopCh)

	return nil
}

// Events returns the channel of prefix events.
func (r *DHCPv6PDReceiver) Events() <-chan Event {
	return r.events
}

// CurrentPrefix returns the currently delegated prefix, if any.
func (r *DHCPv6PDReceiver) CurrentPrefix() *Prefix {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentPrefix
}

// Source returns SourceDHCPv6PD.
func (r *DHCPv6PDReceiver) Source() Source {
	return SourceDHCPv6PD
}

// leaseLoop drives acquisition, then renews at T1 and falls back to rebind
// at T2, reacquiring from scratch if the lease lapses entirely.
func (r *DHCPv6PDReceiver) leaseLoop() {
	if err := r.acquire(); err != nil {
		r.log.Error(err, "initial prefix acquisition failed")
		r.sendError(fmt.Errorf("initial prefix acquisition failed: %w", err))
	}

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		default:
		}

		r.mu.RLock()
		lease := r.lease
		r.mu.RUnlock()

		if lease == nil {
			if !r.sleep(dhcpv6RetryInterval) {
				return
			}
			if err := r.acquire(); err != nil {
				r.sendError(fmt.Errorf("prefix acquisition failed: %w", err))
			}
			continue
		}

		elapsed := time.Since(lease.receivedAt)
		if elapsed < lease.t1 {
			wait := lease.t1 - elapsed
			if wait > time.Minute {
				wait = time.Minute // wake periodically to notice Stop
			}
			if !r.sleep(wait) {
				return
			}
			continue
		}

		if err := r.renew(); err != nil {
			r.log.Info("prefix renewal failed, will retry", "error", err.Error())
			r.sendError(fmt.Errorf("prefix renewal failed: %w", err))

			if elapsed >= lease.t2 {
				if err := r.rebind(); err != nil {
					r.log.Error(err, "prefix rebind failed, lease expired")
					r.sendError(fmt.Errorf("prefix rebind failed: %w", err))
					r.mu.Lock()
					r.currentPrefix = nil
					r.lease = nil
					r.mu.Unlock()
					r.sendEvent(EventTypeExpired, nil)
				}
			}
		}
	}
}

// sleep waits for d or returns false early if the receiver is stopping.
func (r *DHCPv6PDReceiver) sleep(d time.Duration) bool {
	select {
	case <-r.stopCh:
		return false
	case <-r.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// acquire performs the SOLICIT/ADVERTISE/REQUEST/REPLY exchange for a fresh
// IA_PD binding.
func (r *DHCPv6PDReceiver) acquire() error {
	ifi, client, err := r.dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	iaid := iaidForInterface(ifi)
	hint := &dhcpv6.OptIAPD{
		IaId: iaid,
		Options: dhcpv6.PDOptions{Options: dhcpv6.Options{
			&dhcpv6.OptIAPrefix{
				Prefix: &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(r.requestedPrefixLength, 128)},
			},
		}},
	}

	solicit, err := dhcpv6.NewSolicit(ifi.HardwareAddr,
		dhcpv6.WithClientID(r.duid(ifi)),
		dhcpv6.WithRequestedOptions(dhcpv6.OptionDNSRecursiveNameServer),
	)
	if err != nil {
		return fmt.Errorf("failed to build SOLICIT: %w", err)
	}
	solicit.AddOption(hint)

	ctx, cancel := context.WithTimeout(r.ctx, dhcpv6ExchangeTimeout)
	defer cancel()

	advertise, err := client.SendAndRead(ctx, nclient6.AllDHCPRelayAgentsAndServers, solicit, nclient6.IsMessageType(dhcpv6.MessageTypeAdvertise))
	if err != nil {
		return fmt.Errorf("failed to receive ADVERTISE: %w", err)
	}
	if advertise.GetOneOption(dhcpv6.OptionIAPD) == nil {
		return fmt.Errorf("ADVERTISE did not contain IA_PD")
	}
	serverID := advertise.Options.ServerID()
	if serverID == nil {
		return fmt.Errorf("ADVERTISE did not contain Server ID")
	}

	request, err := dhcpv6.NewRequestFromAdvertise(advertise)
	if err != nil {
		return fmt.Errorf("failed to build REQUEST: %w", err)
	}

	reply, err := client.SendAndRead(ctx, nclient6.AllDHCPRelayAgentsAndServers, request, nclient6.IsMessageType(dhcpv6.MessageTypeReply))
	if err != nil {
		return fmt.Errorf("failed to receive REPLY: %w", err)
	}

	return r.adoptLease(reply, iaid, serverID)
}

// renew sends a RENEW for the current lease, refreshing its lifetimes.
func (r *DHCPv6PDReceiver) renew() error {
	return r.extend(dhcpv6.MessageTypeRenew, true)
}

// rebind sends a REBIND for the current lease when the original server
// stopped responding to RENEW.
func (r *DHCPv6PDReceiver) rebind() error {
	return r.extend(dhcpv6.MessageTypeRebind, false)
}

// extend is the shared body of renew/rebind: both send an IA_PD carrying the
// current lease's lifetimes and differ only in message type and whether the
// server ID from the original binding is included.
func (r *DHCPv6PDReceiver) extend(msgType dhcpv6.MessageType, includeServerID bool) error {
	r.mu.RLock()
	lease := r.lease
	r.mu.RUnlock()
	if lease == nil {
		return fmt.Errorf("no lease to %s", msgType)
	}

	ifi, client, err := r.dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	msg, err := dhcpv6.NewMessage()
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", msgType, err)
	}
	msg.MessageType = msgType
	msg.AddOption(dhcpv6.OptClientID(r.duid(ifi)))
	if includeServerID {
		msg.AddOption(dhcpv6.OptServerID(lease.serverID))
	}
	msg.AddOption(leaseIAPD(lease))

	ctx, cancel := context.WithTimeout(r.ctx, dhcpv6ExchangeTimeout)
	defer cancel()

	reply, err := client.SendAndRead(ctx, nclient6.AllDHCPRelayAgentsAndServers, msg, nclient6.IsMessageType(dhcpv6.MessageTypeReply))
	if err != nil {
		return fmt.Errorf("failed to receive REPLY for %s: %w", msgType, err)
	}

	serverID := lease.serverID
	if !includeServerID {
		serverID = reply.Options.ServerID()
		if serverID == nil {
			return fmt.Errorf("REPLY did not contain Server ID")
		}
	}

	return r.adoptLease(reply, lease.iaid, serverID)
}

// dial resolves the target interface and opens a fresh DHCPv6 client socket
// on it; callers close the client when done.
func (r *DHCPv6PDReceiver) dial() (*net.Interface, *nclient6.Client, error) {
	ifi, err := net.InterfaceByName(r.iface)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get interface %s: %w", r.iface, err)
	}
	client, err := nclient6.New(r.iface)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create DHCPv6 client: %w", err)
	}
	return ifi, client, nil
}

// adoptLease extracts the delegated prefix from reply, installs it as the
// current lease, and emits the appropriate acquired/changed/renewed event.
func (r *DHCPv6PDReceiver) adoptLease(reply *dhcpv6.Message, iaid [4]byte, serverID dhcpv6.DUID) error {
	var iaPD *dhcpv6.OptIAPD
	for _, opt := range reply.Options.Get(dhcpv6.OptionIAPD) {
		if pd, ok := opt.(*dhcpv6.OptIAPD); ok && pd.IaId == iaid {
			iaPD = pd
			break
		}
	}
	if iaPD == nil {
		return fmt.Errorf("REPLY did not contain matching IA_PD")
	}

	if status := iaPD.Options.Status(); status != nil && status.StatusCode != iana.StatusSuccess {
		return fmt.Errorf("IA_PD status error: %s - %s", status.StatusCode, status.StatusMessage)
	}

	var chosen *dhcpv6.OptIAPrefix
	for _, p := range iaPD.Options.Prefixes() {
		if p.ValidLifetime > 0 {
			chosen = p
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("IA_PD did not contain a live prefix")
	}

	addr, ok := netip.AddrFromSlice(chosen.Prefix.IP)
	if !ok {
		return fmt.Errorf("invalid prefix address in IA_PD")
	}
	ones, _ := chosen.Prefix.Mask.Size()
	delegated := netip.PrefixFrom(addr, ones)

	t1, t2 := iaPD.T1, iaPD.T2
	if t1 == 0 {
		t1 = chosen.ValidLifetime / 2
	}
	if t2 == 0 {
		t2 = chosen.ValidLifetime * 4 / 5
	}

	now := time.Now()
	newLease := &pdLease{
		iaid:              iaid,
		prefix:            delegated,
		t1:                t1,
		t2:                t2,
		validLifetime:     chosen.ValidLifetime,
		preferredLifetime: chosen.PreferredLifetime,
		receivedAt:        now,
		serverID:          serverID,
	}

	r.mu.Lock()
	old := r.currentPrefix
	r.currentPrefix = &Prefix{
		Network:           delegated,
		ValidLifetime:     chosen.ValidLifetime,
		PreferredLifetime: chosen.PreferredLifetime,
		Source:            SourceDHCPv6PD,
		ReceivedAt:        now,
	}
	r.lease = newLease
	r.mu.Unlock()

	eventType := EventTypeRenewed
	switch {
	case old == nil:
		eventType = EventTypeAcquired
	case old.Network != delegated:
		eventType = EventTypeChanged
	}

	r.log.Info("delegated prefix updated", "prefix", delegated, "eventType", eventType, "t1", t1, "t2", t2)
	r.sendEvent(eventType, r.currentPrefix)
	return nil
}

// duid builds a DUID-LL from ifi's hardware address, stable for the life of
// the interface so the server recognizes renewals as belonging to the same
// client.
func (r *DHCPv6PDReceiver) duid(ifi *net.Interface) dhcpv6.DUID {
	return &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: ifi.HardwareAddr}
}

func (r *DHCPv6PDReceiver) sendEvent(eventType EventType, prefix *Prefix) {
	select {
	case r.events <- Event{Type: eventType, Prefix: prefix}:
	default:
	}
}

func (r *DHCPv6PDReceiver) sendError(err error) {
	select {
	case r.events <- Event{Type: EventTypeFailed, Error: err}:
	default:
	}
}

// iaidForInterface derives a stable IA_PD identifier from the interface
// index, so repeated SOLICITs on the same link reuse the same IAID.
func iaidForInterface(ifi *net.Interface) [4]byte {
	var iaid [4]byte
	binary.BigEndian.PutUint32(iaid[:], uint32(ifi.Index))
	return iaid
}

// leaseIAPD rebuilds the IA_PD option carrying lease's current prefix and
// lifetimes, used by both RENEW and REBIND.
func leaseIAPD(lease *pdLease) *dhcpv6.OptIAPD {
	bits := lease.prefix.Bits()
	return &dhcpv6.OptIAPD{
		IaId: lease.iaid,
		Options: dhcpv6.PDOptions{Options: dhcpv6.Options{
			&dhcpv6.OptIAPrefix{
				PreferredLifetime: lease.preferredLifetime,
				ValidLifetime:     lease.validLifetime,
				Prefix: &net.IPNet{
					IP:   lease.prefix.Addr().AsSlice(),
					Mask: net.CIDRMask(bits, 128),
				},
			},
		}},
	}
}
