package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// NodeConfig is the on-disk configuration of a mux node.
type NodeConfig struct {
	ID          string     `toml:"id"`
	ListenAddr  string     `toml:"listen_addr"`
	AdminAddr   string     `toml:"admin_addr"`
	Handler     string     `toml:"handler"`
	Peers       []string   `toml:"peers"`
	CorsOrigins []string   `toml:"cors_origins"`
	Mux         MuxConfig  `toml:"mux"`
	Dial        DialConfig `toml:"dial"`
}

// MuxConfig mirrors muxdemux.Config. Zero values fall back to the protocol
// defaults.
type MuxConfig struct {
	MaxBufferSize        int    `toml:"max_buffer_size"`
	BuffersPerChannel    int    `toml:"buffers_per_channel"`
	ReadBatchSize        int    `toml:"read_batch_size"`
	WriteBatchSize       int    `toml:"write_batch_size"`
	CreditFlushThreshold int    `toml:"credit_flush_threshold"`
	CreditFlushInterval  string `toml:"credit_flush_interval"`
	AcceptBacklog        int    `toml:"accept_backlog"`
	WriteQueueDepth      int    `toml:"write_queue_depth"`
}

type DialConfig struct {
	Min         string  `toml:"min"`
	Max         string  `toml:"max"`
	Factor      float64 `toml:"factor"`
	Jitter      bool    `toml:"jitter"`
	MaxAttempts int     `toml:"max_attempts"`
}

const (
	HandlerEcho    = "echo"
	HandlerDiscard = "discard"
)

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ID:         "muxd",
		ListenAddr: ":7400",
		AdminAddr:  ":7401",
		Handler:    HandlerEcho,
		Dial: DialConfig{
			Min:         "100ms",
			Max:         "10s",
			Factor:      2,
			Jitter:      true,
			MaxAttempts: 5,
		},
	}
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func (cfg NodeConfig) withDefaults() NodeConfig {
	def := DefaultNodeConfig()
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = def.ID
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.Handler) == "" {
		cfg.Handler = def.Handler
	}
	if cfg.Dial.Min == "" {
		cfg.Dial.Min = def.Dial.Min
	}
	if cfg.Dial.Max == "" {
		cfg.Dial.Max = def.Dial.Max
	}
	if cfg.Dial.Factor == 0 {
		cfg.Dial.Factor = def.Dial.Factor
	}
	return cfg
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidateNodeConfig checks a loaded config. An empty admin_addr disables the
// admin server.
func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("node config missing id")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("node config missing listen_addr")
	}
	switch cfg.Handler {
	case HandlerEcho, HandlerDiscard:
	default:
		return fmt.Errorf("node config handler %q must be %q or %q", cfg.Handler, HandlerEcho, HandlerDiscard)
	}
	for i, peer := range cfg.Peers {
		if strings.TrimSpace(peer) == "" {
			return fmt.Errorf("peer[%d] is empty", i)
		}
	}
	if _, err := cfg.Mux.Core(); err != nil {
		return fmt.Errorf("mux invalid: %w", err)
	}
	if _, err := cfg.Dial.Policy(); err != nil {
		return fmt.Errorf("dial invalid: %w", err)
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
