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

	"github.com/go-logr/logr"
)

// ReceiverFactory creates Receiver instances based on a ReceiverConfig.
type ReceiverFactory interface {
	// CreateReceiver creates a Receiver based on the given configuration.
	CreateReceiver(cfg ReceiverConfig) (Receiver, error)
}

// DefaultReceiverFactory is the default implementation of ReceiverFactory.
type DefaultReceiverFactory struct {
	Log logr.Logger
}

// NewReceiverFactory creates a new DefaultReceiverFactory.
func NewReceiverFactory(log logr.Logger) *DefaultReceiverFactory {
	return &DefaultReceiverFactory{Log: log}
}

// CreateReceiver creates a Receiver based on the ReceiverConfig.
// Decision logic:
// 1. If only DHCPv6PD configured → DHCPv6PDReceiver
// 2. If only RouterAdvertisement configured → RAReceiver
// 3. If both configured → CompositeReceiver (DHCPv6-PD primary, RA fallback)
// 4. If neither configured → an error; no receiver is built.
func (f *DefaultReceiverFactory) CreateReceiver(cfg ReceiverConfig) (Receiver, error) {
	hasDHCPv6 := cfg.DHCPv6PD != nil
	hasRA := cfg.RouterAdvertisement != nil && cfg.RouterAdvertisement.Enabled

	switch {
	case hasDHCPv6 && hasRA:
		return f.createCompositeReceiver(cfg)
	case hasDHCPv6:
		return f.createDHCPv6PDReceiver(cfg.DHCPv6PD)
	case hasRA:
		return f.createRAReceiver(cfg.RouterAdvertisement)
	default:
		return nil, fmt.Errorf("no active acquisition backend configured")
	}
}

// createDHCPv6PDReceiver creates a DHCPv6-PD receiver from the config.
func (f *DefaultReceiverFactory) createDHCPv6PDReceiver(cfg *DHCPv6PDConfig) (*DHCPv6PDReceiver, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("DHCPv6-PD interface is required")
	}

	prefixLength := cfg.RequestedPrefixLength
	if prefixLength == 0 {
		prefixLength = 56 // Default
	}

	return NewDHCPv6PDReceiver(cfg.Interface, prefixLength).WithLogger(f.Log), nil
}

// createRAReceiver creates a Router Advertisement receiver from the config.
func (f *DefaultReceiverFactory) createRAReceiver(cfg *RouterAdvertisementConfig) (*RAReceiver, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("router advertisement interface is required")
	}

	return NewRAReceiver(cfg.Interface).WithLogger(f.Log), nil
}

// createCompositeReceiver creates a composite receiver with DHCPv6-PD as primary and RA as fallback.
func (f *DefaultReceiverFactory) createCompositeReceiver(cfg ReceiverConfig) (*CompositeReceiver, error) {
	primary, err := f.createDHCPv6PDReceiver(cfg.DHCPv6PD)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary DHCPv6-PD receiver: %w", err)
	}

	fallback, err := f.createRAReceiver(cfg.RouterAdvertisement)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback RA receiver: %w", err)
	}

	return NewCompositeReceiver(primary, fallback), nil
}
