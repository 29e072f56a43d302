package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/muxdemux/internal/config"
	"github.com/danmuck/muxdemux/internal/endpoint"
	"github.com/danmuck/muxdemux/internal/muxdemux"
)

type fileConfig struct {
	ID          string   `toml:"id"`
	ListenAddr  string   `toml:"listen_addr"`
	AdminAddr   string   `toml:"admin_addr"`
	Handler     string   `toml:"handler"`
	Peers       []string `toml:"peers"`
	CorsOrigins []string `toml:"cors_origins"`
	Mux         fileMux  `toml:"mux"`
	Dial        fileDial `toml:"dial"`
}

type fileMux struct {
	MaxBufferSize        int    `toml:"max_buffer_size"`
	BuffersPerChannel    int    `toml:"buffers_per_channel"`
	ReadBatchSize        int    `toml:"read_batch_size"`
	WriteBatchSize       int    `toml:"write_batch_size"`
	CreditFlushThreshold int    `toml:"credit_flush_threshold"`
	CreditFlushInterval  string `toml:"credit_flush_interval"`
	AcceptBacklog        int    `toml:"accept_backlog"`
	WriteQueueDepth      int    `toml:"write_queue_depth"`
}

type fileDial struct {
	Min         string  `toml:"min"`
	Max         string  `toml:"max"`
	Factor      float64 `toml:"factor"`
	Jitter      bool    `toml:"jitter"`
	MaxAttempts int     `toml:"max_attempts"`
}

type serviceConfig struct {
	ID          string
	ListenAddr  string
	AdminAddr   string
	Handler     string
	Peers       []string
	CorsOrigins []string
	Mux         muxdemux.Config
	Dial        endpoint.DialPolicy
}

func defaultServiceConfig() serviceConfig {
	node := config.DefaultNodeConfig()
	return serviceConfig{
		ID:         node.ID,
		ListenAddr: node.ListenAddr,
		AdminAddr:  node.AdminAddr,
		Handler:    node.Handler,
		Peers:      []string{},
		Mux:        muxdemux.DefaultConfig(),
		Dial:       endpoint.DefaultDialPolicy(),
	}
}

// loadServiceConfig overlays the keys present in path onto the defaults.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load muxd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serviceConfig{}, fmt.Errorf("load muxd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("handler") {
		cfg.Handler = strings.ToLower(strings.TrimSpace(raw.Handler))
	}
	if meta.IsDefined("peers") {
		cfg.Peers = normalizeList(raw.Peers)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}

	if err := overlayMux(&cfg.Mux, raw.Mux, meta); err != nil {
		return serviceConfig{}, err
	}
	if err := overlayDial(&cfg.Dial, raw.Dial, meta); err != nil {
		return serviceConfig{}, err
	}

	if err := cfg.validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func overlayMux(cfg *muxdemux.Config, raw fileMux, meta toml.MetaData) error {
	ints := []struct {
		key string
		src int
		dst *int
	}{
		{"max_buffer_size", raw.MaxBufferSize, &cfg.MaxBufferSize},
		{"buffers_per_channel", raw.BuffersPerChannel, &cfg.BuffersPerChannel},
		{"read_batch_size", raw.ReadBatchSize, &cfg.ReadBatchSize},
		{"write_batch_size", raw.WriteBatchSize, &cfg.WriteBatchSize},
		{"credit_flush_threshold", raw.CreditFlushThreshold, &cfg.CreditFlushThreshold},
		{"accept_backlog", raw.AcceptBacklog, &cfg.AcceptBacklog},
		{"write_queue_depth", raw.WriteQueueDepth, &cfg.WriteQueueDepth},
	}
	for _, f := range ints {
		if meta.IsDefined("mux", f.key) {
			*f.dst = f.src
		}
	}
	if meta.IsDefined("mux", "credit_flush_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CreditFlushInterval))
		if err != nil {
			return fmt.Errorf("parse mux.credit_flush_interval: %w", err)
		}
		cfg.CreditFlushInterval = d
	}
	return nil
}

func overlayDial(p *endpoint.DialPolicy, raw fileDial, meta toml.MetaData) error {
	if meta.IsDefined("dial", "min") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Min))
		if err != nil {
			return fmt.Errorf("parse dial.min: %w", err)
		}
		p.Min = d
	}
	if meta.IsDefined("dial", "max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Max))
		if err != nil {
			return fmt.Errorf("parse dial.max: %w", err)
		}
		p.Max = d
	}
	if meta.IsDefined("dial", "factor") {
		p.Factor = raw.Factor
	}
	if meta.IsDefined("dial", "jitter") {
		p.Jitter = raw.Jitter
	}
	if meta.IsDefined("dial", "max_attempts") {
		p.MaxAttempts = raw.MaxAttempts
	}
	return nil
}

func (c serviceConfig) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("muxd config: listen_addr is required")
	}
	switch c.Handler {
	case config.HandlerEcho, config.HandlerDiscard:
	default:
		return fmt.Errorf("muxd config: unknown handler %q", c.Handler)
	}
	if err := c.Mux.Validate(); err != nil {
		return fmt.Errorf("muxd config: %w", err)
	}
	if err := c.Dial.Validate(); err != nil {
		return fmt.Errorf("muxd config: dial: %w", err)
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
