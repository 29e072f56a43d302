package config

import (
	"fmt"

	"github.com/danmuck/muxdemux/internal/endpoint"
	"github.com/danmuck/muxdemux/internal/muxdemux"
)

// Core converts the [mux] table into a validated protocol config.
func (m MuxConfig) Core() (muxdemux.Config, error) {
	cfg := muxdemux.Config{
		MaxBufferSize:        m.MaxBufferSize,
		BuffersPerChannel:    m.BuffersPerChannel,
		ReadBatchSize:        m.ReadBatchSize,
		WriteBatchSize:       m.WriteBatchSize,
		CreditFlushThreshold: m.CreditFlushThreshold,
		AcceptBacklog:        m.AcceptBacklog,
		WriteQueueDepth:      m.WriteQueueDepth,
	}
	if m.CreditFlushInterval != "" {
		d, err := parseDuration("credit_flush_interval", m.CreditFlushInterval)
		if err != nil {
			return muxdemux.Config{}, err
		}
		cfg.CreditFlushInterval = d
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return muxdemux.Config{}, err
	}
	return cfg, nil
}

// Policy converts the [dial] table into a retry policy. Empty durations take
// the endpoint defaults.
func (d DialConfig) Policy() (endpoint.DialPolicy, error) {
	p := endpoint.DefaultDialPolicy()
	if d.Min != "" {
		v, err := parseDuration("min", d.Min)
		if err != nil {
			return endpoint.DialPolicy{}, err
		}
		p.Min = v
	}
	if d.Max != "" {
		v, err := parseDuration("max", d.Max)
		if err != nil {
			return endpoint.DialPolicy{}, err
		}
		p.Max = v
	}
	if d.Factor != 0 {
		p.Factor = d.Factor
	}
	p.Jitter = d.Jitter
	p.MaxAttempts = d.MaxAttempts
	if err := p.Validate(); err != nil {
		return endpoint.DialPolicy{}, fmt.Errorf("dial policy: %w", err)
	}
	return p, nil
}
