// Package config defines all configuration for the trading agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Hub       HubConfig       `mapstructure:"hub"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenueConfig holds the Hyperliquid API endpoints and signing parameters.
// ChainID is the EVM chain id embedded in the HyperliquidSignTransaction
// typed-data domain (42161 for mainnet via Arbitrum).
type VenueConfig struct {
	APIBaseURL string        `mapstructure:"api_base_url"`
	WSURL      string        `mapstructure:"ws_url"`
	ChainID    int64         `mapstructure:"chain_id"`
	Chain      string        `mapstructure:"chain"` // "Mainnet" or "Testnet"
	Timeout    time.Duration `mapstructure:"timeout"`
	MarketsTTL time.Duration `mapstructure:"markets_ttl"`
}

// SecretsConfig holds the envelope-encryption master key. The key is 32
// bytes hex-encoded and must come from HL_MASTER_KEY; a missing key is fatal
// at startup.
type SecretsConfig struct {
	MasterKeyHex string `mapstructure:"master_key"`
}

// ProviderConfig is one reasoning provider endpoint.
type ProviderConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	MaxConcurrent  int     `mapstructure:"max_concurrent"`
	CostPerKInput  float64 `mapstructure:"cost_per_k_input"`  // USD per 1k prompt tokens
	CostPerKOutput float64 `mapstructure:"cost_per_k_output"` // USD per 1k completion tokens
}

// ReasoningConfig selects the platform-default provider and configures each.
type ReasoningConfig struct {
	DefaultProvider string         `mapstructure:"default_provider"` // "openai" or "anthropic"
	OpenAI          ProviderConfig `mapstructure:"openai"`
	Anthropic       ProviderConfig `mapstructure:"anthropic"`
	Timeout         time.Duration  `mapstructure:"timeout"`
}

// HubConfig tunes the market-data hub.
//
//   - SubscriberQueue: bounded per-subscriber channel size; a subscriber that
//     falls this far behind is dropped rather than stalling upstream ingest.
//   - MaxReconnectWait: cap on exponential reconnect backoff.
//   - PingInterval: heartbeat cadence while connected.
type HubConfig struct {
	SubscriberQueue  int           `mapstructure:"subscriber_queue"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// MonitorConfig tunes the per-account control loops.
//
//   - TriggerPollInterval: internal cadence at which supervisors sample
//     indicator values (not the user-facing monitoring frequency).
//   - DefaultFrequencyMinutes: assigned when agent-mode turns active while
//     the frequency is 0.
//
// The safety heartbeat needs no knob of its own: it fires at the account's
// monitoring frequency.
type MonitorConfig struct {
	TriggerPollInterval     time.Duration `mapstructure:"trigger_poll_interval"`
	DefaultFrequencyMinutes int           `mapstructure:"default_frequency_minutes"`
}

// DatabaseConfig sets where the sqlite database lives.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BridgeConfig controls the in-process HTTP/WS bridge.
type BridgeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: HL_MASTER_KEY, HL_OPENAI_KEY, HL_ANTHROPIC_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("HL_MASTER_KEY"); key != "" {
		cfg.Secrets.MasterKeyHex = key
	}
	if key := os.Getenv("HL_OPENAI_KEY"); key != "" {
		cfg.Reasoning.OpenAI.APIKey = key
	}
	if key := os.Getenv("HL_ANTHROPIC_KEY"); key != "" {
		cfg.Reasoning.Anthropic.APIKey = key
	}
	if os.Getenv("HL_DRY_RUN") == "true" || os.Getenv("HL_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Venue.Timeout == 0 {
		c.Venue.Timeout = 10 * time.Second
	}
	if c.Venue.MarketsTTL == 0 {
		c.Venue.MarketsTTL = 5 * time.Minute
	}
	if c.Venue.Chain == "" {
		c.Venue.Chain = "Mainnet"
	}
	if c.Reasoning.Timeout == 0 {
		c.Reasoning.Timeout = 60 * time.Second
	}
	if c.Hub.SubscriberQueue == 0 {
		c.Hub.SubscriberQueue = 256
	}
	if c.Hub.MaxReconnectWait == 0 {
		c.Hub.MaxReconnectWait = 30 * time.Second
	}
	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = 30 * time.Second
	}
	if c.Monitor.TriggerPollInterval == 0 {
		c.Monitor.TriggerPollInterval = 10 * time.Second
	}
	if c.Monitor.DefaultFrequencyMinutes == 0 {
		c.Monitor.DefaultFrequencyMinutes = 5
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Secrets.MasterKeyHex == "" {
		return fmt.Errorf("secrets.master_key is required (set HL_MASTER_KEY)")
	}
	if len(c.Secrets.MasterKeyHex) != 64 {
		return fmt.Errorf("secrets.master_key must be 32 bytes hex (64 chars), got %d", len(c.Secrets.MasterKeyHex))
	}
	if c.Venue.APIBaseURL == "" {
		return fmt.Errorf("venue.api_base_url is required")
	}
	if c.Venue.WSURL == "" {
		return fmt.Errorf("venue.ws_url is required")
	}
	if c.Venue.ChainID == 0 {
		return fmt.Errorf("venue.chain_id is required (42161 for mainnet)")
	}
	switch c.Reasoning.DefaultProvider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("reasoning.default_provider must be one of: openai, anthropic")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
