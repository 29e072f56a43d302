package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/muxdemux/internal/muxdemux"
	"github.com/jpillora/backoff"
)

var ErrDialFailed = errors.New("endpoint: dial failed")

// DialPolicy controls reconnect pacing. MaxAttempts of zero retries until the
// context is done.
type DialPolicy struct {
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      bool
	MaxAttempts int
}

func DefaultDialPolicy() DialPolicy {
	return DialPolicy{
		Min:         100 * time.Millisecond,
		Max:         10 * time.Second,
		Factor:      2,
		Jitter:      true,
		MaxAttempts: 5,
	}
}

func (p DialPolicy) Validate() error {
	if p.Min <= 0 || p.Max <= 0 {
		return fmt.Errorf("backoff bounds must be positive")
	}
	if p.Min > p.Max {
		return fmt.Errorf("backoff min %s exceeds max %s", p.Min, p.Max)
	}
	if p.Factor < 1 {
		return fmt.Errorf("backoff factor %v below 1", p.Factor)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative")
	}
	return nil
}

// Dialer opens multiplexed connections to peers, retrying with backoff.
type Dialer struct {
	Config muxdemux.Config
	Policy DialPolicy

	opts options
	net  net.Dialer
}

func NewDialer(cfg muxdemux.Config, policy DialPolicy, opts ...Option) *Dialer {
	return &Dialer{Config: cfg, Policy: policy, opts: newOptions(opts)}
}

// Dial connects to addr and wraps the socket as the dialing side of a
// Connection.
func (d *Dialer) Dial(ctx context.Context, addr string) (*muxdemux.Connection, error) {
	if err := d.Policy.Validate(); err != nil {
		return nil, err
	}
	log := d.opts.log.With().Str("peer", addr).Logger()
	b := &backoff.Backoff{
		Min:    d.Policy.Min,
		Max:    d.Policy.Max,
		Factor: d.Policy.Factor,
		Jitter: d.Policy.Jitter,
	}
	for {
		nc, err := d.net.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn, err := muxdemux.NewConnection(nc, d.Config, muxdemux.RoleDialer, d.opts.connOptions()...)
			if err != nil {
				_ = nc.Close()
				return nil, err
			}
			log.Info().Int("attempts", int(b.Attempt())+1).Msg("peer connected")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt := int(b.Attempt()) + 1
		if d.Policy.MaxAttempts > 0 && attempt >= d.Policy.MaxAttempts {
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrDialFailed, addr, attempt, err)
		}
		wait := b.Duration()
		log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("dial failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
