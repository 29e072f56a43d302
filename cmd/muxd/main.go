package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/muxdemux/internal/endpoint"
	"github.com/danmuck/muxdemux/internal/logging"
	"github.com/danmuck/muxdemux/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "cmd/muxd/config.toml", "node config path; defaults apply when missing")
	listen := flag.String("listen", "", "override listen_addr")
	flag.Parse()

	logger := observability.InitLogger("muxd", logging.Resolve(logging.ProfileRuntime))

	cfg, err := loadServiceConfig(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("path", *configPath).Msg("config not found, using defaults")
		cfg, err = defaultServiceConfig(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "muxd: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("muxd failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serviceConfig, logger zerolog.Logger) error {
	logger = logger.With().Str("node", cfg.ID).Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return err
	}

	handler, ok := endpoint.DefaultHandlers(logger).Get(cfg.Handler)
	if !ok {
		return fmt.Errorf("unknown handler %q", cfg.Handler)
	}
	srv := endpoint.NewServer(cfg.Mux, handler, endpoint.WithLogger(logger), endpoint.WithMetrics(metrics))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	if cfg.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		admin := endpoint.NewAdmin(endpoint.AdminConfig{
			NodeID:      cfg.ID,
			CorsOrigins: cfg.CorsOrigins,
			Registry:    srv.Registry(),
			Gatherer:    reg,
			Metrics:     metrics,
			Logger:      logger,
			Ready:       srv.Ready,
		})
		logger.Info().Str("addr", adminLn.Addr().String()).Msg("admin listening")
		g.Go(func() error {
			return admin.Serve(gctx, adminLn)
		})
	}

	for _, peer := range cfg.Peers {
		g.Go(func() error {
			if _, err := srv.Connect(gctx, peer, cfg.Dial); err != nil && gctx.Err() == nil {
				logger.Warn().Err(err).Str("peer", peer).Msg("peer unreachable")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})

	err = g.Wait()
	logger.Info().Msg("muxd stopped")
	return err
}
