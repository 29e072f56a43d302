package endpoint

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/muxdemux/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

type AdminConfig struct {
	NodeID      string
	CorsOrigins []string
	Registry    *Registry
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	// Ready reports readiness for /ready; nil means always ready.
	Ready func() bool
}

// Admin is the node's HTTP surface: health, readiness, metrics and a view of
// live connections.
type Admin struct {
	cfg     AdminConfig
	router  *gin.Engine
	started time.Time
}

func NewAdmin(cfg AdminConfig) *Admin {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminAccess(cfg.NodeID, cfg.Logger, cfg.Metrics))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, router: r, started: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"service": a.cfg.NodeID,
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.cfg.Ready == nil || a.cfg.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":       ready,
			"connections": a.cfg.Registry.Len(),
			"service":     a.cfg.NodeID,
		})
	})

	a.router.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections": a.cfg.Registry.Snapshot(),
		})
	})

	if a.cfg.Gatherer != nil {
		a.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Serve runs the admin server on ln until ctx is done.
func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
