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
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/mdlayher/ndp"
)

// RAReceiver monitors Router Advertisements to passively detect IPv6 prefix changes.
// This is useful when another process on the host is handling DHCPv6-PD (or the
// prefix is simply autoconfigured) and the pool service just needs to observe
// the prefix being used.
type RAReceiver struct {
	mu            sync.RWMutex
	iface         string
	log           logr.Logger
	conn          *ndp.Conn
	currentPrefix *Prefix
	events        chan Event
	stopCh        chan struct{}
	started       bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewRAReceiver creates a new Router Advertisement receiver for the given interface.
func NewRAReceiver(iface string) *RAReceiver {
	return &RAReceiver{
		iface:  iface,
		log:    logr.Discard(),
		events: make(chan Event, 10),
		stopCh: make(chan struct{}),
	}
}

// WithLogger attaches a logger, returning the receiver for chaining.
func (r *RAReceiver) WithLogger(log logr.Logger) *RAReceiver {
	r.log = log.WithName("ra-receiver")
	return r
}

// Start begins listening for Router Advertisements on the configured interface.
func (r *RAReceiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	r.log.Info("looking up interface", "name", r.iface)

	ifi, err := net.InterfaceByName(r.iface)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %w", r.iface, err)
	}

	r.log.Info("found interface",
		"name", ifi.Name,
		"index", ifi.Index,
		"mtu", ifi.MTU,
		"flags", ifi.Flags.String())

	// Create NDP connection for listening to Router Advertisements
	conn, addr, err := ndp.Listen(ifi, ndp.LinkLocal)
	if err != nil {
		return fmt.Errorf("failed to create NDP listener on %s: %w", r.iface, err)
	}

	r.log.Info("NDP listener started", "interface", r.iface, "localAddr", addr.String())

	r.conn = conn
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true

	go r.receiveLoop()

	return nil
}

// Stop stops listening for Router Advertisements.
func (r *RAReceiver) Stop() error {
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

	if r.conn != nil {
		return r.conn.Close()
	}

	return nil
}

// Events returns the channel of prefix events.
func (r *RAReceiver) Events() <-chan Event {
	return r.events
}

// CurrentPrefix returns the currently observed prefix, if any.
func (r *RAReceiver) CurrentPrefix() *Prefix {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentPrefix
}

// Source returns SourceRouterAdvertisement.
func (r *RAReceiver) Source() Source {
	return SourceRouterAdvertisement
}

// receiveLoop continuously reads Router Advertisements from the interface.
func (r *RAReceiver) receiveLoop() {
	r.log.Info("receive loop started", "interface", r.iface)

	iterationCount := 0
	for {
		select {
		case <-r.stopCh:
			r.log.Info("receive loop stopping (stopCh)")
			return
		case <-r.ctx.Done():
			r.log.Info("receive loop stopping (ctx done)")
			return
		default:
		}

		// Set read deadline to allow periodic checking of stop signal
		if err := r.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			r.log.Error(err, "failed to set read deadline")
			r.sendError(fmt.Errorf("failed to set read deadline: %w", err))
			continue
		}

		msg, _, from, err := r.conn.ReadFrom()
		if err != nil {
			// Timeout is expected, just continue
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				iterationCount++
				if iterationCount%30 == 0 {
					r.log.V(1).Info("waiting for router advertisements", "interface", r.iface, "iterations", iterationCount)
				}
				continue
			}
			r.log.Error(err, "failed to read NDP message")
			r.sendError(fmt.Errorf("failed to read NDP message: %w", err))
			continue
		}

		ra, ok := msg.(*ndp.RouterAdvertisement)
		if !ok {
			// Not a Router Advertisement, ignore
			continue
		}

		r.log.V(1).Info("received router advertisement", "from", from, "optionCount", len(ra.Options))
		r.handleRouterAdvertisement(ra)
	}
}

// handleRouterAdvertisement processes a received Router Advertisement.
func (r *RAReceiver) handleRouterAdvertisement(ra *ndp.RouterAdvertisement) {
	var bestPrefix *ndp.PrefixInformation

	for _, opt := range ra.Options {
		pi, ok := opt.(*ndp.PrefixInformation)
		if !ok {
			continue
		}

		// Skip if not on-link.
		// Note: we don't require autonomous=true because that only controls SLAAC.
		// Some ISPs advertise prefixes with autonomous=false when using stateful
		// DHCPv6 for address assignment; the prefix is still valid.
		if !pi.OnLink {
			continue
		}

		// Skip zero valid lifetime (deprecated prefix).
		if pi.ValidLifetime == 0 {
			continue
		}

		addr := pi.Prefix
		if isLinkLocal(addr) {
			continue
		}

		// Prefer Global Unicast Addresses over ULA.
		if isGlobalUnicast(addr) {
			if bestPrefix == nil || !isGlobalUnicast(bestPrefix.Prefix) {
				bestPrefix = pi
			}
		} else if isULA(addr) {
			if bestPrefix == nil {
				bestPrefix = pi
			}
		}
	}

	if bestPrefix == nil {
		return
	}

	prefix := netip.PrefixFrom(bestPrefix.Prefix, int(bestPrefix.PrefixLength))
	r.updatePrefix(prefix, bestPrefix.ValidLifetime, bestPrefix.PreferredLifetime)
}

// updatePrefix updates the current prefix and sends an event if changed.
func (r *RAReceiver) updatePrefix(prefix netip.Prefix, validLifetime, preferredLifetime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newPrefix := &Prefix{
		Network:           prefix,
		ValidLifetime:     validLifetime,
		PreferredLifetime: preferredLifetime,
		Source:            SourceRouterAdvertisement,
		ReceivedAt:        time.Now(),
	}

	var eventType EventType
	switch {
	case r.currentPrefix == nil:
		eventType = EventTypeAcquired
	case r.currentPrefix.Network != prefix:
		eventType = EventTypeChanged
	default:
		eventType = EventTypeRenewed
	}

	r.log.Info("updating prefix", "prefix", prefix, "eventType", eventType)
	r.currentPrefix = newPrefix

	select {
	case r.events <- Event{Type: eventType, Prefix: newPrefix}:
	default:
		r.log.Info("event channel full, event dropped", "eventType", eventType)
	}
}

// sendError sends a failed event.
func (r *RAReceiver) sendError(err error) {
	select {
	case r.events <- Event{Type: EventTypeFailed, Error: err}:
	default:
	}
}

// isGlobalUnicast returns true if the address is a Global Unicast Address (2000::/3).
func isGlobalUnicast(addr netip.Addr) bool {
	if !addr.Is6() {
		return false
	}
	bytes := addr.As16()
	return (bytes[0] & 0xE0) == 0x20
}

// isULA returns true if the address is a Unique Local Address (fc00::/7).
func isULA(addr netip.Addr) bool {
	if !addr.Is6() {
		return false
	}
	bytes := addr.As16()
	return (bytes[0] & 0xFE) == 0xFC
}

// isLinkLocal returns true if the address is a Link-Local Address (fe80::/10).
func isLinkLocal(addr netip.Addr) bool {
	return addr.IsLinkLocalUnicast()
}
