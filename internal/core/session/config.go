package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syncline/syncline/internal/core/link"
	"github.com/syncline/syncline/internal/core/prediction"
	"github.com/syncline/syncline/internal/core/replication"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/transport"
)

// Config is the top-level configuration for either side of a session.
type Config struct {
	// Transport selects the datagram transport: udp, quic, websocket or
	// memory.
	Transport transport.Type `yaml:"transport"`
	// Addr is the listen address on the server, the dial address on the
	// client.
	Addr string `yaml:"addr"`
	// TickRate is the simulation rate in ticks per second.
	TickRate int `yaml:"tick_rate"`
	// ConnTimeout disconnects a peer after this long without traffic.
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	// MaxConnections caps concurrent clients on the server.
	MaxConnections int `yaml:"max_connections"`

	Link        link.Config                `yaml:"link"`
	Sync        tick.SyncConfig            `yaml:"sync"`
	Replication replication.SenderConfig   `yaml:"replication"`
	Receive     replication.ReceiverConfig `yaml:"receive"`
	Prediction  prediction.Config          `yaml:"prediction"`
}

// DefaultConfig returns a complete default configuration.
func DefaultConfig() Config {
	return Config{
		Transport:      transport.TypeUDP,
		Addr:           "127.0.0.1:7777",
		TickRate:       60,
		ConnTimeout:    10 * time.Second,
		MaxConnections: 256,
		Link:           link.DefaultConfig(),
		Sync:           tick.DefaultSyncConfig(),
		Replication:    replication.DefaultSenderConfig(),
		Receive:        replication.DefaultReceiverConfig(),
		Prediction:     prediction.DefaultConfig(),
	}
}

// LoadConfig reads a yaml configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the session cannot run with.
func (c Config) Validate() error {
	if c.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be positive, got %d", c.TickRate)
	}
	if c.Addr == "" {
		return fmt.Errorf("addr must be set")
	}
	switch c.Transport {
	case transport.TypeUDP, transport.TypeQUIC, transport.TypeWebSocket, transport.TypeMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// TickInterval is the wall-clock duration of one tick.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
