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
	"sync"

	"github.com/go-logr/logr"
)

// defaultFallbackThreshold is how many consecutive primary failures the
// composite receiver tolerates before it hands acquisition over to the
// fallback backend.
const defaultFallbackThreshold = 3

// CompositeReceiver layers an asynchronous fallback backend (typically RA)
// underneath a preferred primary backend (typically DHCPv6-PD).
// CurrentPrefix returns the primary's prefix whenever the primary holds one
// and the fallback's otherwise. The event stream switches to the fallback
// once the primary has failed defaultFallbackThreshold times in a row (or
// its prefix expired), and back when the primary acquires again.
type CompositeReceiver struct {
	mu       sync.RWMutex
	log      logr.Logger
	primary  Receiver
	fallback Receiver
	usingFallback bool

	events chan Event
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	started       bool
	failureStreak int
	threshold     int
}

// NewCompositeReceiver builds a composite over primary and fallback,
// switching to fallback once the primary accumulates defaultFallbackThreshold
// consecutive failures.
func NewCompositeReceiver(primary, fallback Receiver) *CompositeReceiver {
	return &CompositeReceiver{
		log:       logr.Discard(),
		primary:   primary,
		fallback:  fallback,
		events:    make(chan Event, 10),
		stopCh:    make(chan struct{}),
		threshold: defaultFallbackThreshold,
	}
}

// WithLogger attaches a logger, returning the receiver for chaining.
func (c *CompositeReceiver) WithLogger(log logr.Logger) *CompositeReceiver {
	c.log = log.WithName("composite-receiver")
	return c
}

// Start starts both backends and begins fanning their events into the
// composite's own event channel.
func (c *CompositeReceiver) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.primary.Start(c.ctx); err != nil {
		return err
	}
	if err := c.fallback.Start(c.ctx); err != nil {
		_ = c.primary.Stop()
		return err
	}

	c.started = true
	go c.fanIn()

	return nil
}

// Stop stops both backends.
func (c *CompositeReceiver) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.started = false
	if c.cancel != nil {
		c.cancel()
	}
	close(c.stopCh)

	primaryErr := c.primary.Stop()
	fallbackErr := c.fallback.Stop()
	if primaryErr != nil {
		return primaryErr
	}
	return fallbackErr
}

// Events returns the fanned-in event channel.
func (c *CompositeReceiver) Events() <-chan Event {
	return c.events
}

// CurrentPrefix returns the primary's prefix if it has one, else the
// fallback's.
func (c *CompositeReceiver) CurrentPrefix() *Prefix {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p := c.primary.CurrentPrefix(); p != nil {
		return p
	}
	return c.fallback.CurrentPrefix()
}

// Source reports whichever backend is currently supplying the prefix.
func (c *CompositeReceiver) Source() Source {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary.CurrentPrefix() != nil {
		return c.primary.Source()
	}
	if c.fallback.CurrentPrefix() != nil {
		return c.fallback.Source()
	}
	return c.primary.Source()
}

// IsUsingFallback reports whether the composite is currently relying on the
// fallback backend rather than the primary.
func (c *CompositeReceiver) IsUsingFallback() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usingFallback
}

// fanIn reads from both backends' event channels for the life of the
// receiver and forwards a filtered view onto the composite channel.
func (c *CompositeReceiver) fanIn() {
	primaryEvents := c.primary.Events()
	fallbackEvents := c.fallback.Events()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.ctx.Done():
			return

		case event, ok := <-primaryEvents:
			if ok {
				c.onPrimaryEvent(event)
			}

		case event, ok := <-fallbackEvents:
			if ok {
				c.onFallbackEvent(event)
			}
		}
	}
}

// onPrimaryEvent updates the failure streak and decides whether to hand
// control to the fallback, then forwards event to callers.
func (c *CompositeReceiver) onPrimaryEvent(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case EventTypeFailed:
		c.failureStreak++
		if c.failureStreak >= c.threshold && !c.usingFallback {
			c.usingFallback = true
			c.log.Info("primary acquisition backend unhealthy, switching to fallback", "consecutiveFailures", c.failureStreak)
			if fp := c.fallback.CurrentPrefix(); fp != nil {
				c.sendEvent(Event{Type: EventTypeAcquired, Prefix: fp})
			}
		}
		c.sendEvent(event)

	case EventTypeAcquired, EventTypeRenewed, EventTypeChanged:
		if c.usingFallback {
			c.log.Info("primary acquisition backend recovered, switching back from fallback")
		}
		c.failureStreak = 0
		c.usingFallback = false
		c.sendEvent(event)

	case EventTypeExpired:
		if fp := c.fallback.CurrentPrefix(); fp != nil {
			c.usingFallback = true
			c.sendEvent(Event{Type: EventTypeAcquired, Prefix: fp})
		} else {
			c.sendEvent(event)
		}
	}
}

// onFallbackEvent forwards a fallback event only while the fallback is the
// one actually in control; otherwise it is ignored since the primary's
// event already reflects the authoritative state.
func (c *CompositeReceiver) onFallbackEvent(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.usingFallback {
		return
	}
	c.sendEvent(event)
}

// sendEvent is a non-blocking send; callers must hold c.mu.
func (c *CompositeReceiver) sendEvent(event Event) {
	select {
	case c.events <- event:
	default:
	}
}
