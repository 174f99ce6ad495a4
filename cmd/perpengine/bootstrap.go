package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/holiman/uint256"

	"PerpEngine/internal/market"
	"PerpEngine/internal/token"
)

// bootstrapFile is the JSON market listing loaded at startup. Tokens and
// markets are admin-managed static config; the engine never mutates it.
type bootstrapFile struct {
	Tokens  []tokenDef  `json:"tokens"`
	Markets []marketDef `json:"markets"`
}

type tokenDef struct {
	Address          string    `json:"address"`
	Name             string    `json:"name"`
	Decimals         uint8     `json:"decimals"`
	Precision        uint8     `json:"precision"`
	Synthetic        bool      `json:"synthetic"`
	ExpectedProvider string    `json:"expected_provider"`
	HeartbeatSeconds uint32    `json:"heartbeat_seconds"`
	Feeds            []feedDef `json:"feeds"`
}

type feedDef struct {
	Provider            string `json:"provider"`
	FeedID              string `json:"feed_id"`
	TimestampAdjustment int64  `json:"timestamp_adjustment"`
	MaxDeviationFactor  string `json:"max_deviation_factor,omitempty"`
}

type marketDef struct {
	MarketToken         string `json:"market_token"`
	IndexToken          string `json:"index_token"`
	LongToken           string `json:"long_token"`
	ShortToken          string `json:"short_token"`
	MarketTokenDecimals uint8  `json:"market_token_decimals"`
}

// loadBootstrap reads the market listing and builds the token map and the
// market set. Markets reference tokens by address; a dangling reference is a
// startup error, not a runtime one.
func loadBootstrap(path string) (*token.Map, []*market.Market, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read markets file: %w", err)
	}

	var file bootstrapFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse markets file: %w", err)
	}

	tokens := token.NewMap()
	for _, def := range file.Tokens {
		cfg, err := buildTokenConfig(def)
		if err != nil {
			return nil, nil, fmt.Errorf("token %s: %w", def.Address, err)
		}
		if err := tokens.Insert(def.Address, cfg); err != nil {
			return nil, nil, err
		}
	}

	markets := make([]*market.Market, 0, len(file.Markets))
	for _, def := range file.Markets {
		m, err := buildMarket(tokens, def)
		if err != nil {
			return nil, nil, fmt.Errorf("market %s: %w", def.MarketToken, err)
		}
		markets = append(markets, m)
	}

	return tokens, markets, nil
}

func buildTokenConfig(def tokenDef) (*token.Config, error) {
	expected, err := parseProvider(def.ExpectedProvider)
	if err != nil {
		return nil, err
	}

	feeds := make(map[token.ProviderKind]token.FeedConfig, len(def.Feeds))
	for _, f := range def.Feeds {
		provider, err := parseProvider(f.Provider)
		if err != nil {
			return nil, err
		}
		fc := token.FeedConfig{
			FeedID:              f.FeedID,
			TimestampAdjustment: f.TimestampAdjustment,
		}
		if f.MaxDeviationFactor != "" {
			factor, err := uint256.FromDecimal(f.MaxDeviationFactor)
			if err != nil {
				return nil, fmt.Errorf("max_deviation_factor %q: %w", f.MaxDeviationFactor, err)
			}
			fc.MaxDeviationFactor = factor
		}
		feeds[provider] = fc
	}

	return &token.Config{
		Name:             def.Name,
		Enabled:          true,
		Synthetic:        def.Synthetic,
		TokenDecimals:    def.Decimals,
		Precision:        def.Precision,
		ExpectedProvider: expected,
		Feeds:            feeds,
		HeartbeatSeconds: def.HeartbeatSeconds,
	}, nil
}

func buildMarket(tokens *token.Map, def marketDef) (*market.Market, error) {
	index, ok := tokens.Get(def.IndexToken)
	if !ok {
		return nil, fmt.Errorf("unknown index token %s", def.IndexToken)
	}
	long, ok := tokens.Get(def.LongToken)
	if !ok {
		return nil, fmt.Errorf("unknown long token %s", def.LongToken)
	}
	short, ok := tokens.Get(def.ShortToken)
	if !ok {
		return nil, fmt.Errorf("unknown short token %s", def.ShortToken)
	}

	meta := market.Meta{
		MarketToken:         def.MarketToken,
		IndexToken:          def.IndexToken,
		LongToken:           def.LongToken,
		ShortToken:          def.ShortToken,
		MarketTokenDecimals: def.MarketTokenDecimals,
		IndexTokenDecimals:  index.TokenDecimals,
		LongTokenDecimals:   long.TokenDecimals,
		ShortTokenDecimals:  short.TokenDecimals,
	}
	return market.New(meta, market.DefaultConfig()), nil
}

func parseProvider(s string) (token.ProviderKind, error) {
	switch s {
	case "pyth":
		return token.ProviderPyth, nil
	case "chainlink_data_streams":
		return token.ProviderChainlinkDataStreams, nil
	case "switchboard":
		return token.ProviderSwitchboard, nil
	default:
		return token.ProviderUnknown, fmt.Errorf("unknown provider %q", s)
	}
}
