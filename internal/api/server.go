// Package api exposes the cache's operational surface over HTTP: subject
// state transitions (invalidation), effectiveness stats, and health probes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/estateflow/responsecache/pkg/cache"
	"github.com/estateflow/responsecache/pkg/observability"
)

// Config holds HTTP server settings.
type Config struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns sane server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:   ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the cache coordinator and invalidation bus into HTTP handlers.
type Server struct {
	config      Config
	coordinator *cache.Coordinator
	bus         *cache.InvalidationBus
	health      *cache.HealthChecker
	logger      observability.Logger
	httpServer  *http.Server
}

func NewServer(config Config, coordinator *cache.Coordinator, bus *cache.InvalidationBus, health *cache.HealthChecker, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Server{
		config:      config,
		coordinator: coordinator,
		bus:         bus,
		health:      health,
		logger:      logger.WithPrefix("api"),
	}
	s.httpServer = &http.Server{
		Addr:         config.ListenAddress,
		Handler:      s.router(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/livez", s.handleLiveness)

	v1 := r.Group("/v1")
	{
		v1.POST("/subjects/:id/state", s.handleStateChange)
		v1.POST("/invalidations", s.handleInvalidationEvent)
		v1.GET("/cache/stats", s.handleStats)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
