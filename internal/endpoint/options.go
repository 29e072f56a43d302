package endpoint

import (
	"github.com/danmuck/muxdemux/internal/muxdemux"
	"github.com/danmuck/muxdemux/internal/observability"
	"github.com/rs/zerolog"
)

type Option func(*options)

type options struct {
	log     zerolog.Logger
	metrics *observability.Metrics
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.log = logger
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

func newOptions(opts []Option) options {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) connOptions() []muxdemux.Option {
	return []muxdemux.Option{
		muxdemux.WithLogger(o.log),
		muxdemux.WithMetrics(o.metrics),
	}
}
