// Package config loads the dexd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/protocols/dex/calculator"
	"github.com/defistate/defistate-dex-go/protocols/dex/denom"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for dexd.
type Config struct {
	ListenAddress  string             `yaml:"listen"`
	MetricsAddress string             `yaml:"metrics_listen"`
	LogLevel       string             `yaml:"log_level"`
	DatabasePath   string             `yaml:"database"`
	Fee            calculator.Fee     `yaml:"fee"`
	Denomination   DenominationConfig `yaml:"denomination"`
	Upstream       UpstreamConfig     `yaml:"upstream"`
	Genesis        []GenesisExchange  `yaml:"genesis"`
}

// DenominationConfig holds the fixed-point precision of both sides of every exchange.
type DenominationConfig struct {
	CurrencyDecimals uint8 `yaml:"currency_decimals"`
	AssetDecimals    uint8 `yaml:"asset_decimals"`
}

// UpstreamConfig points at another node whose exchange stream this node follows.
// An empty URL disables following.
type UpstreamConfig struct {
	URL            string   `yaml:"url"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// GenesisExchange seeds an empty database. Reserves are decimal or 0x-hex strings
// so that full 128-bit values survive YAML.
type GenesisExchange struct {
	AssetID          uint32 `yaml:"asset_id"`
	CurrencyReserve  string `yaml:"currency_reserve"`
	TokenReserve     string `yaml:"token_reserve"`
	LiquidityTokenID uint32 `yaml:"liquidity_token_id"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8545"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Fee == (calculator.Fee{}) {
		cfg.Fee = calculator.DefaultFee
	}
	if cfg.Upstream.InitialBackoff.Duration == 0 {
		cfg.Upstream.InitialBackoff.Duration = time.Second
	}
	if cfg.Upstream.MaxBackoff.Duration == 0 {
		cfg.Upstream.MaxBackoff.Duration = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if err := c.Fee.Validate(); err != nil {
		return fmt.Errorf("config: fee: %w", err)
	}
	if _, err := c.Converter(); err != nil {
		return fmt.Errorf("config: denomination: %w", err)
	}
	if c.Upstream.MaxBackoff.Duration < c.Upstream.InitialBackoff.Duration {
		return errors.New("config: upstream.max_backoff must not be lower than upstream.initial_backoff")
	}
	if _, err := c.GenesisExchanges(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// Converter builds the denomination converter. Equal precisions use the identity.
func (c *Config) Converter() (denom.Converter, error) {
	if c.Denomination.CurrencyDecimals == c.Denomination.AssetDecimals {
		return denom.Identity{}, nil
	}
	return denom.NewDecimals(c.Denomination.CurrencyDecimals, c.Denomination.AssetDecimals)
}

// GenesisExchanges parses the genesis section.
func (c *Config) GenesisExchanges() ([]dex.Exchange, error) {
	exchanges := make([]dex.Exchange, 0, len(c.Genesis))
	seen := make(map[uint32]struct{}, len(c.Genesis))
	for i, g := range c.Genesis {
		if _, dup := seen[g.AssetID]; dup {
			return nil, fmt.Errorf("config: genesis[%d]: asset %d listed twice", i, g.AssetID)
		}
		seen[g.AssetID] = struct{}{}

		currency, err := dex.ParseBalance(g.CurrencyReserve)
		if err != nil {
			return nil, fmt.Errorf("config: genesis[%d].currency_reserve: %w", i, err)
		}
		token, err := dex.ParseAssetBalance(g.TokenReserve)
		if err != nil {
			return nil, fmt.Errorf("config: genesis[%d].token_reserve: %w", i, err)
		}
		exchanges = append(exchanges, dex.Exchange{
			AssetID:          dex.AssetID(g.AssetID),
			CurrencyReserve:  currency,
			TokenReserve:     token,
			LiquidityTokenID: dex.AssetID(g.LiquidityTokenID),
		})
	}
	return exchanges, nil
}
