// Package muxdemux carries many logical channels over one stream connection.
//
// Every frame starts with a 9 byte big-endian header (channel id, command,
// payload length). Each channel direction is flow controlled by credit: a
// sender may only put as many DATA bytes on the wire as the receiver has
// granted, and the receiver grants a buffer's capacity again once the
// application releases it. A slow consumer therefore stalls only its own
// channel.
//
// A Connection is driven by two goroutines. The reader decodes frames and
// fills per-channel buffers; the writer serializes frames queued by channels.
// Socket errors and protocol violations tear down the whole connection, and
// every channel then reports ErrConnectionReset.
package muxdemux
