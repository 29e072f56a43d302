package endpoint

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/muxdemux/internal/muxdemux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server runs a Handler for every channel a peer opens, on inbound and
// outbound connections alike.
type Server struct {
	cfg      muxdemux.Config
	handler  Handler
	opts     options
	log      zerolog.Logger
	registry *Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func NewServer(cfg muxdemux.Config, handler Handler, opts ...Option) *Server {
	o := newOptions(opts)
	return &Server{
		cfg:      cfg,
		handler:  handler,
		opts:     o,
		log:      o.log,
		registry: NewRegistry(),
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Ready reports whether Serve is accepting connections.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Serve accepts connections on ln until ctx is done or ln fails. Connections
// are closed when ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)
		return ln.Close()
	})
	g.Go(func() error {
		s.ready.Store(true)
		s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			conn, err := muxdemux.NewConnection(nc, s.cfg, muxdemux.RoleListener, s.opts.connOptions()...)
			if err != nil {
				_ = nc.Close()
				return err
			}
			id := s.registry.Add(conn)
			g.Go(func() error {
				s.run(gctx, id, conn)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		err = nil
	}
	return err
}

// Connect dials a peer and serves the channels it opens in the background
// until the connection ends or Close is called.
func (s *Server) Connect(ctx context.Context, addr string, policy DialPolicy) (*muxdemux.Connection, error) {
	conn, err := NewDialer(s.cfg, policy, WithLogger(s.log), WithMetrics(s.opts.metrics)).Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	id := s.registry.Add(conn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx), id, conn)
	}()
	return conn, nil
}

// Close tears down every registered connection and waits for the ones opened
// by Connect to finish.
func (s *Server) Close() error {
	err := s.registry.CloseAll()
	s.wg.Wait()
	return err
}

func (s *Server) run(ctx context.Context, id uint64, conn *muxdemux.Connection) {
	defer s.registry.Remove(id)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	log := s.log.With().Uint64("conn", id).Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("connection up")

	var handlers sync.WaitGroup
	for {
		ch, err := conn.AcceptChannel(ctx)
		if err != nil {
			break
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			if err := s.handler.ServeChannel(ctx, ch); err != nil {
				log.Debug().Err(err).Uint32("channel", ch.ID()).Msg("handler ended")
			}
		}()
	}
	_ = conn.Close()
	handlers.Wait()

	if err := conn.Err(); err != nil && !errors.Is(err, muxdemux.ErrConnectionClosed) {
		log.Info().Err(err).Msg("connection down")
		return
	}
	log.Info().Msg("connection closed")
}
