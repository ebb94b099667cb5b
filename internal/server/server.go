package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/itstheanurag/runbox/internal/api"
	"github.com/itstheanurag/runbox/internal/config"
	"github.com/itstheanurag/runbox/internal/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const limiterCleanupInterval = 5 * time.Minute

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	runtime     *Runtime
	rateLimiter *limiter.RateLimiter
	stopCleanup chan struct{}
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {

	rt, err := NewRuntime(context.Background(), conf, logger)
	if err != nil {
		return nil, err
	}

	gin.SetMode(conf.Server.Mode)
	router := gin.New()
	if err := router.SetTrustedProxies(conf.Server.TrustedProxies); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("invalid trusted_proxies: %w", err)
	}
	router.Use(gin.Recovery(), api.RequestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = conf.Server.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"X-Submission-Id", "X-Request-Id", "Retry-After"}
	router.Use(cors.New(corsConfig))

	// health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"queue_depth":       rt.Scheduler.QueueLen(),
			"active_workspaces": rt.Workspaces.Active(),
		})
	})

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s := &Server{
		conf:        conf,
		logger:      logger,
		runtime:     rt,
		stopCleanup: make(chan struct{}),
	}

	handler := api.NewHandler(rt.Scheduler, rt.Registry, conf.Server.MaxBodyBytes, logger)
	var limits []gin.HandlerFunc
	if conf.RateLimit.Enabled {
		s.rateLimiter = limiter.NewRateLimiter(conf.RateLimit.GlobalRPS, conf.RateLimit.PerIPRPS, conf.RateLimit.PerIPBurst)
		limits = append(limits, s.rateLimiter.Middleware())
	}
	api.RegisterRoutes(router, handler, limits...)

	s.httpServer = &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Runtime() *Runtime {
	return s.runtime
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Str("driver", s.conf.Sandbox.Driver).
		Msg("starting HTTP server")

	if err := s.runtime.Start(context.Background()); err != nil {
		return err
	}
	if s.rateLimiter != nil {
		s.rateLimiter.StartCleanup(limiterCleanupInterval, s.stopCleanup)
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	close(s.stopCleanup)

	return s.runtime.Close()
}
