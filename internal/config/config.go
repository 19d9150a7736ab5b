// Package config holds the daemon configuration. Values have code defaults
// and may be overridden by a YAML file in the data directory, which is
// written with the defaults on first run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for the swap daemon.
type Config struct {
	// Network is mainnet or testnet.
	Network chain.Network `yaml:"network"`

	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Swap      SwapConfig      `yaml:"swap"`
	Transport TransportConfig `yaml:"transport"`

	// Chains holds per-currency settings keyed by symbol. Currencies that
	// are not listed are not traded.
	Chains map[string]*ChainConfig `yaml:"chains"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// Driver selects the swap store: "sqlite" or "bolt".
	Driver string `yaml:"driver"`

	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// SwapConfig holds swap timing and retry parameters.
type SwapConfig struct {
	// InitiatorLockTime is how long the initiator's funds are locked.
	// Must exceed AcceptorLockTime by at least LockTimeMargin.
	InitiatorLockTime time.Duration `yaml:"initiator_lock_time"`
	AcceptorLockTime  time.Duration `yaml:"acceptor_lock_time"`
	LockTimeMargin    time.Duration `yaml:"lock_time_margin"`

	ConfirmationCheckInterval time.Duration `yaml:"confirmation_check_interval"`
	OutputSpentCheckInterval  time.Duration `yaml:"output_spent_check_interval"`
	RedeemWaitInterval        time.Duration `yaml:"redeem_wait_interval"`

	// SwapTimeout bounds the wait for the first counterparty activity.
	SwapTimeout time.Duration `yaml:"swap_timeout"`

	// MaxAttempts bounds each watch task (0 = until canceled).
	MaxAttempts int `yaml:"max_attempts"`

	BroadcastRetries int           `yaml:"broadcast_retries"`
	BroadcastBackoff time.Duration `yaml:"broadcast_backoff"`
}

// TransportConfig holds the counterparty relay settings.
type TransportConfig struct {
	// URL is the websocket endpoint of the swap relay. Empty disables it.
	URL string `yaml:"url"`

	// PeerID identifies this node to counterparties.
	PeerID string `yaml:"peer_id"`

	// MaxReconnectInterval caps the reconnect backoff.
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// LockTimes returns the swap lock times.
func (s SwapConfig) LockTimes() swap.LockTimes {
	return swap.LockTimes{
		Initiator: s.InitiatorLockTime,
		Acceptor:  s.AcceptorLockTime,
		Margin:    s.LockTimeMargin,
	}
}

// DefaultSwapConfig returns the reference swap timings.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		InitiatorLockTime:         swap.DefaultInitiatorLockTime,
		AcceptorLockTime:          swap.DefaultAcceptorLockTime,
		LockTimeMargin:            swap.DefaultLockTimeMargin,
		ConfirmationCheckInterval: 60 * time.Second,
		OutputSpentCheckInterval:  60 * time.Second,
		RedeemWaitInterval:        60 * time.Second,
		SwapTimeout:               10 * time.Minute,
		MaxAttempts:               60,
		BroadcastRetries:          5,
		BroadcastBackoff:          2 * time.Second,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: "~/.swapd",
		},
		Swap: DefaultSwapConfig(),
		Transport: TransportConfig{
			MaxReconnectInterval: time.Minute,
		},
		Chains: DefaultChains(chain.Mainnet),
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	if err := c.Swap.LockTimes().Validate(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	var errs []error
	for symbol, cc := range c.Chains {
		if cc == nil {
			continue
		}
		params, ok := chain.Get(symbol, c.Network)
		if !ok {
			errs = append(errs, fmt.Errorf("chain %s: not available on %s", symbol, c.Network))
			continue
		}
		scheme, err := swap.ParseHashScheme(cc.HashScheme)
		if err != nil {
			errs = append(errs, fmt.Errorf("chain %s: %w", symbol, err))
			continue
		}
		// The HTLC contract checks hash256 commitments only.
		if params.Family != chain.FamilyUTXO && scheme != swap.HashHash256 {
			errs = append(errs, fmt.Errorf("chain %s: %w: contract needs %s", symbol, swap.ErrIncompatibleCommitment, swap.HashHash256))
		}
	}
	return errors.Join(errs...)
}

// Chain returns the settings for symbol, or nil if it is not configured.
func (c *Config) Chain(symbol string) *ChainConfig {
	return c.Chains[symbol]
}

// Load loads configuration from dataDir. If the file doesn't exist, it
// creates one with default values.
func Load(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Chains
// listed in the file replace the default chain set.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Chains = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Chains == nil {
		cfg.Chains = DefaultChains(cfg.Network)
	}
	for symbol, cc := range cfg.Chains {
		if cc == nil {
			cc = &ChainConfig{}
			cfg.Chains[symbol] = cc
		}
		cc.applyDefaults(symbol, cfg.Network)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# swapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
