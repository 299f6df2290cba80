// Package admin serves the HTTP health, readiness, stats and metrics surface
// of a running node.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/trdp/internal/logging"
	"github.com/danmuck/trdp/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// Source is what the admin surface reports on.
type Source interface {
	Ready() bool
	Stats() any
}

// SourceFunc adapts a readiness probe and a stats snapshot into a Source.
type SourceFunc struct {
	ReadyFunc func() bool
	StatsFunc func() any
}

func (s SourceFunc) Ready() bool {
	if s.ReadyFunc == nil {
		return true
	}
	return s.ReadyFunc()
}

func (s SourceFunc) Stats() any {
	if s.StatsFunc == nil {
		return gin.H{}
	}
	return s.StatsFunc()
}

// Config describes the admin listener. A non-empty Token guards /stats with
// a bearer check; health, readiness and metrics stay open for probes.
type Config struct {
	Name        string
	Addr        string
	CorsOrigins []string
	Token       string
}

type Server struct {
	name    string
	addr    string
	token   staticToken
	src     Source
	router  *gin.Engine
	started time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan error
}

func New(cfg Config, src Source) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		name:    cfg.Name,
		addr:    cfg.Addr,
		token:   staticToken(cfg.Token),
		src:     src,
		started: time.Now(),
		log:     logging.Component("admin").With().Str("node", cfg.Name).Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).Round(time.Second).String(),
			"node":    s.name,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.src.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready": ready,
			"node":  s.name,
		})
	})

	stats := []gin.HandlerFunc{}
	if s.token != "" {
		stats = append(stats, requireToken(s.token))
	}
	stats = append(stats, func(c *gin.Context) {
		c.JSON(http.StatusOK, s.src.Stats())
	})
	s.router.GET("/stats", stats...)

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("admin: already started")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan error, 1)
	go func(srv *http.Server, done chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}(s.srv, s.done)
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-done
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
