package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/muxdemux/internal/config"
	"github.com/danmuck/muxdemux/internal/endpoint"
	"github.com/danmuck/muxdemux/internal/logging"
	"github.com/danmuck/muxdemux/internal/muxdemux"
	"github.com/danmuck/muxdemux/internal/observability"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// muxcat opens one channel to a peer, streams stdin into it and copies what
// comes back to stdout.
func main() {
	configPath := flag.String("config", "", "client config (see configgen -kind client)")
	addr := flag.String("addr", "", "peer address; overrides the config's first peer")
	flag.Parse()

	logger := observability.NewLogger(os.Stderr, "muxcat", logging.Resolve(logging.ProfileRuntime))

	mux := muxdemux.DefaultConfig()
	policy := endpoint.DefaultDialPolicy()
	target := *addr
	if *configPath != "" {
		node, err := config.LoadNodeConfig(*configPath)
		if err != nil {
			fail(err)
		}
		if mux, err = node.Mux.Core(); err != nil {
			fail(err)
		}
		if policy, err = node.Dial.Policy(); err != nil {
			fail(err)
		}
		if target == "" && len(node.Peers) > 0 {
			target = node.Peers[0]
		}
	}
	if target == "" {
		fail(fmt.Errorf("no peer address: pass -addr or a config with peers"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, target, mux, policy, logger); err != nil {
		fail(err)
	}
}

func run(ctx context.Context, addr string, cfg muxdemux.Config, policy endpoint.DialPolicy, logger zerolog.Logger) (err error) {
	conn, err := endpoint.NewDialer(cfg, policy, endpoint.WithLogger(logger)).Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, conn.Close())
	}()

	ch, err := conn.OpenChannel(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		if _, err := io.Copy(ch, os.Stdin); err != nil {
			return err
		}
		return ch.CloseWrite()
	})
	received, copyErr := io.Copy(os.Stdout, ch)
	if copyErr != nil {
		// Unblock the stdin pump; its error is secondary.
		_ = conn.Close()
		_ = g.Wait()
		return copyErr
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st := ch.Stats()
	logger.Info().
		Uint32("channel", ch.ID()).
		Str("sent", sizestr.ToString(st.BytesOut)).
		Str("received", sizestr.ToString(received)).
		Msg("stream done")
	return ch.Close()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "muxcat: %v\n", err)
	os.Exit(1)
}
