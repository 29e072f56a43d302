package muxdemux

import "errors"

var (
	ErrInvalidConfig = errors.New("muxdemux: invalid config")

	// ErrConnectionReset is wrapped into every error surfaced after the
	// connection failed or was closed; the cause is wrapped alongside it.
	ErrConnectionReset = errors.New("muxdemux: connection reset")
	// ErrConnectionClosed is the cause recorded for a local Close.
	ErrConnectionClosed = errors.New("muxdemux: connection closed")
	// ErrSocketClosed reports the peer closing the socket, as opposed to a
	// graceful channel close.
	ErrSocketClosed = errors.New("muxdemux: socket closed")
	ErrProtocol     = errors.New("muxdemux: protocol violation")

	ErrChannelClosed              = errors.New("muxdemux: channel closed")
	ErrChannelAborted             = errors.New("muxdemux: channel aborted")
	ErrRemoteAbort                = errors.New("muxdemux: channel aborted by peer")
	ErrReadBufferCapacityExceeded = errors.New("muxdemux: read buffer capacity exceeded")

	ErrPoolExhausted = errors.New("muxdemux: buffer pool exhausted")
	ErrPoolClosed    = errors.New("muxdemux: buffer pool closed")
)
