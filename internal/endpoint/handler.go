package endpoint

import (
	"context"
	"errors"
	"io"

	"github.com/danmuck/muxdemux/internal/muxdemux"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
)

// Handler serves one channel opened by a peer. The channel is closed by the
// handler.
type Handler interface {
	ServeChannel(ctx context.Context, ch *muxdemux.Channel) error
}

type HandlerFunc func(ctx context.Context, ch *muxdemux.Channel) error

func (f HandlerFunc) ServeChannel(ctx context.Context, ch *muxdemux.Channel) error {
	return f(ctx, ch)
}

// EchoHandler writes every byte it reads back to the peer and closes its side
// once the peer has.
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, ch *muxdemux.Channel) error {
		if _, err := io.Copy(ch, ch); err != nil {
			ch.Abort("echo failed")
			return err
		}
		return ch.Close()
	})
}

// DiscardHandler drains a channel and logs how much it received.
func DiscardHandler(log zerolog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, ch *muxdemux.Channel) error {
		var total int64
		for {
			b, err := ch.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch.Abort("discard failed")
				return err
			}
			total += int64(b.Len())
			b.Release()
		}
		log.Info().
			Uint32("channel", ch.ID()).
			Str("received", sizestr.ToString(total)).
			Msg("channel drained")
		return ch.Close()
	})
}
