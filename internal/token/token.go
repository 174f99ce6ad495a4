// Package token holds per-token oracle metadata and the ordered token map.
package token

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
)

// ProviderKind identifies an oracle price provider.
type ProviderKind int32

const (
	ProviderUnknown ProviderKind = iota
	ProviderPyth
	ProviderChainlinkDataStreams
	ProviderSwitchboard
)

func (p ProviderKind) String() string {
	switch p {
	case ProviderPyth:
		return "Pyth"
	case ProviderChainlinkDataStreams:
		return "ChainlinkDataStreams"
	case ProviderSwitchboard:
		return "Switchboard"
	default:
		return "Unknown"
	}
}

// MaxNameLen bounds token names.
const MaxNameLen = 32

// MapCapacity bounds the token map.
const MapCapacity = 256

// FeedConfig is the per-provider feed binding for a token.
type FeedConfig struct {
	FeedID              string
	TimestampAdjustment int64 // seconds subtracted from the report timestamp
	// MaxDeviationFactor caps |max-mid| and |mid-min| relative to mid.
	// Nil disables the deviation check for this provider.
	MaxDeviationFactor *uint256.Int
}

// Config is the admin-managed metadata for one token.
type Config struct {
	Name             string
	Enabled          bool
	Synthetic        bool
	TokenDecimals    uint8
	Precision        uint8
	ExpectedProvider ProviderKind
	Feeds            map[ProviderKind]FeedConfig
	HeartbeatSeconds uint32
}

// Validate enforces the config invariants: the expected provider must be
// configured and precision must leave room for the token's own decimals.
func (c *Config) Validate() error {
	if len(c.Name) > MaxNameLen {
		return errs.E(errs.KindInvalidArgument, "token name %q exceeds %d bytes", c.Name, MaxNameLen)
	}
	if _, ok := c.Feeds[c.ExpectedProvider]; !ok {
		return errs.E(errs.KindInvalidArgument,
			"token %s: expected provider %s has no feed", c.Name, c.ExpectedProvider)
	}
	if uint32(c.Precision)+uint32(c.TokenDecimals) > fixed.MaxDecimals {
		return errs.E(errs.KindInvalidArgument,
			"token %s: precision %d + decimals %d exceed %d",
			c.Name, c.Precision, c.TokenDecimals, fixed.MaxDecimals)
	}
	return nil
}

// Feed returns the feed config for a provider.
func (c *Config) Feed(provider ProviderKind) (FeedConfig, bool) {
	f, ok := c.Feeds[provider]
	return f, ok
}

// Map is an insertion-ordered token address -> Config mapping with O(1)
// lookup and bounded capacity.
type Map struct {
	order   []string
	configs map[string]*Config
}

// NewMap returns an empty token map.
func NewMap() *Map {
	return &Map{configs: make(map[string]*Config)}
}

// Insert adds or replaces a token config. New tokens keep insertion order;
// replacing keeps the original position.
func (m *Map) Insert(address string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, exists := m.configs[address]; !exists {
		if len(m.order) >= MapCapacity {
			return errs.E(errs.KindPreconditionsNotMet, "token map full (%d)", MapCapacity)
		}
		m.order = append(m.order, address)
	}
	m.configs[address] = cfg
	return nil
}

// Get looks up a token config.
func (m *Map) Get(address string) (*Config, bool) {
	c, ok := m.configs[address]
	return c, ok
}

// GetEnabled looks up a token config and requires it to be enabled.
func (m *Map) GetEnabled(address string) (*Config, error) {
	c, ok := m.configs[address]
	if !ok || !c.Enabled {
		return nil, errs.E(errs.KindUnknownOrDisabledToken, "token %s", address)
	}
	return c, nil
}

// Disable marks a token disabled. Tokens are never deleted.
func (m *Map) Disable(address string) error {
	c, ok := m.configs[address]
	if !ok {
		return errs.E(errs.KindUnknownOrDisabledToken, "token %s", address)
	}
	c.Enabled = false
	return nil
}

// Len returns the number of tokens.
func (m *Map) Len() int { return len(m.order) }

// Addresses returns token addresses in insertion order.
func (m *Map) Addresses() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
