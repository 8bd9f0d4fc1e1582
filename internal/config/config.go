// Package config loads daemon configuration from a YAML file with environment
// variable overrides. Chain consensus constants do not live here - those come
// from the chain registry; this covers the operational knobs only.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/atomicmesh/atomicmesh/internal/chain"
)

// Config holds all daemon configuration.
type Config struct {
	// Network selects mainnet or testnet for every chain at once. Mixed-network
	// swaps are not a thing.
	Network string `yaml:"network" env:"ATOMICMESH_NETWORK, default=testnet"`

	// DataDir is where the database and keys live.
	DataDir string `yaml:"data_dir" env:"ATOMICMESH_DATA_DIR, default=~/.atomicmesh"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"ATOMICMESH_LOG_LEVEL, default=info"`

	RPC   RPCConfig            `yaml:"rpc"`
	P2P   P2PConfig            `yaml:"p2p"`
	Swap  SwapConfig           `yaml:"swap"`
	Nodes map[string]NodeEntry `yaml:"nodes"`
}

// RPCConfig configures the JSON-RPC and websocket server.
type RPCConfig struct {
	Listen  string `yaml:"listen" env:"ATOMICMESH_RPC_LISTEN, default=127.0.0.1:9332"`
	Enabled bool   `yaml:"enabled" env:"ATOMICMESH_RPC_ENABLED, default=true"`
}

// P2PConfig configures the libp2p proposal messenger.
type P2PConfig struct {
	Listen  []string `yaml:"listen" env:"ATOMICMESH_P2P_LISTEN, default=/ip4/0.0.0.0/tcp/9333"`
	Enabled bool     `yaml:"enabled" env:"ATOMICMESH_P2P_ENABLED, default=true"`

	// Peers are multiaddrs dialed at startup.
	Peers []string `yaml:"peers" env:"ATOMICMESH_P2P_PEERS"`
}

// SwapConfig holds swap timing defaults, in blocks or seconds per the chain's
// expiry kind.
type SwapConfig struct {
	// InitiatorExpiryDelta is added to the current head when proposing the leg
	// we fund first. Must exceed ResponderExpiryDelta so the counterparty's
	// refund window closes before ours.
	InitiatorExpiryDelta uint64 `yaml:"initiator_expiry_delta" env:"ATOMICMESH_INITIATOR_EXPIRY_DELTA, default=288"`

	// ResponderExpiryDelta is the delta for the leg funded second.
	ResponderExpiryDelta uint64 `yaml:"responder_expiry_delta" env:"ATOMICMESH_RESPONDER_EXPIRY_DELTA, default=144"`

	// PollInterval is the chain watcher poll cadence in seconds.
	PollInterval uint64 `yaml:"poll_interval" env:"ATOMICMESH_POLL_INTERVAL, default=30"`
}

// NodeEntry overrides the default public endpoint for one chain symbol.
type NodeEntry struct {
	URL string `yaml:"url"`
}

// Load reads config from path (if non-empty), then applies environment
// overrides. A missing file is not an error: defaults plus environment are a
// complete configuration.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch chain.Network(c.Network) {
	case chain.Mainnet, chain.Testnet:
	default:
		return fmt.Errorf("invalid network %q", c.Network)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	if c.Swap.InitiatorExpiryDelta <= c.Swap.ResponderExpiryDelta {
		return fmt.Errorf("initiator expiry delta %d must exceed responder delta %d",
			c.Swap.InitiatorExpiryDelta, c.Swap.ResponderExpiryDelta)
	}

	for symbol := range c.Nodes {
		if !chain.IsSupported(symbol) {
			return fmt.Errorf("node override for unsupported chain %q", symbol)
		}
	}
	return nil
}

// ChainNetwork returns the configured network as a chain.Network.
func (c *Config) ChainNetwork() chain.Network {
	return chain.Network(c.Network)
}

// DatabasePath returns the sqlite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "atomicmesh.db")
}

// NodeURL returns the endpoint override for a chain, or empty when the
// built-in public endpoint should be used.
func (c *Config) NodeURL(symbol string) string {
	if entry, ok := c.Nodes[symbol]; ok {
		return entry.URL
	}
	return ""
}
