package muxdemux

import (
	"fmt"
	"math"
	"time"

	"github.com/danmuck/muxdemux/internal/protocol/frame"
)

// Config holds the numeric knobs the protocol consumes. Both peers of a
// connection are expected to run with the same MaxBufferSize.
type Config struct {
	// MaxBufferSize is the capacity of every pooled buffer and the largest
	// DATA payload accepted on the wire.
	MaxBufferSize int
	// BuffersPerChannel caps pooled buffers per channel direction. The initial
	// credit granted to a peer is BuffersPerChannel * MaxBufferSize.
	BuffersPerChannel int
	// ReadBatchSize sizes the socket read buffer.
	ReadBatchSize int
	// WriteBatchSize sizes the socket write buffer; frames are flushed when it
	// fills or when the send queue goes idle.
	WriteBatchSize int
	// CreditFlushThreshold is the pending credit, in bytes, that forces an
	// immediate CREDIT frame. 1 flushes on every buffer release.
	CreditFlushThreshold int
	// CreditFlushInterval bounds how long pending credit below the threshold
	// may wait before it is flushed anyway.
	CreditFlushInterval time.Duration
	// AcceptBacklog bounds remotely opened channels waiting for AcceptChannel.
	AcceptBacklog int
	// WriteQueueDepth bounds frames queued for the socket writer.
	WriteQueueDepth int
}

func DefaultConfig() Config {
	return Config{
		MaxBufferSize:        32 * 1024,
		BuffersPerChannel:    4,
		ReadBatchSize:        64 * 1024,
		WriteBatchSize:       64 * 1024,
		CreditFlushThreshold: 1,
		CreditFlushInterval:  10 * time.Millisecond,
		AcceptBacklog:        64,
		WriteQueueDepth:      256,
	}
}

// WithDefaults fills zero or negative fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = def.MaxBufferSize
	}
	if c.BuffersPerChannel <= 0 {
		c.BuffersPerChannel = def.BuffersPerChannel
	}
	if c.ReadBatchSize <= 0 {
		c.ReadBatchSize = def.ReadBatchSize
	}
	if c.WriteBatchSize <= 0 {
		c.WriteBatchSize = def.WriteBatchSize
	}
	if c.CreditFlushThreshold <= 0 {
		c.CreditFlushThreshold = def.CreditFlushThreshold
	}
	if c.CreditFlushInterval <= 0 {
		c.CreditFlushInterval = def.CreditFlushInterval
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = def.AcceptBacklog
	}
	if c.WriteQueueDepth <= 0 {
		c.WriteQueueDepth = def.WriteQueueDepth
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxBufferSize <= 0 || c.BuffersPerChannel <= 0 {
		return fmt.Errorf("%w: buffer size and count must be positive", ErrInvalidConfig)
	}
	if c.ReadBatchSize <= 0 || c.WriteBatchSize <= 0 {
		return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidConfig)
	}
	if c.AcceptBacklog <= 0 || c.WriteQueueDepth <= 0 {
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalidConfig)
	}
	if int64(c.MaxBufferSize)*int64(c.BuffersPerChannel) > math.MaxUint32 {
		return fmt.Errorf("%w: initial credit %d*%d overflows u32", ErrInvalidConfig, c.BuffersPerChannel, c.MaxBufferSize)
	}
	if c.CreditFlushThreshold > 1 && c.CreditFlushInterval <= 0 {
		return fmt.Errorf("%w: coalesced credit requires a flush interval", ErrInvalidConfig)
	}
	return nil
}

// InitialCredit is the credit each side grants a peer when a channel opens.
func (c Config) InitialCredit() uint32 {
	return uint32(c.MaxBufferSize * c.BuffersPerChannel)
}

func (c Config) Limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: uint32(c.MaxBufferSize)}
}
