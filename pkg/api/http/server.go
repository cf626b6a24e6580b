package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aescanero/pipeorch/internal/application/orchestrator"
	"github.com/aescanero/pipeorch/internal/application/workers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthReporter reports the health of the worker pool
type HealthReporter interface {
	GetStatus() *workers.HealthStatus
}

// StreamHandler streams the events of one plan execution
type StreamHandler interface {
	HandleExecutionStream(c *gin.Context)
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Manager
	health       HealthReporter
	logger       *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port         int
	Orchestrator *orchestrator.Manager
	// Health is optional; without it /health only reports liveness
	Health HealthReporter
	// Gatherer defaults to prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		health:       cfg.Health,
		logger:       cfg.Logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/plans", s.handleSubmitPlan)

		executions := v1.Group("/executions/:id")
		executions.GET("", s.handleGetExecution)
		executions.GET("/nodes", s.handleListNodes)
		executions.GET("/nodes/:nodeId", s.handleGetNode)
		executions.POST("/nodes/:nodeId/resume", s.handleResumeNode)
		executions.POST("/interrupts", s.handleRegisterInterrupt)
		executions.GET("/interrupts", s.handleListInterrupts)
		executions.POST("/abort", s.handleAbort)
		executions.GET("/barriers", s.handleListBarriers)
		executions.GET("/barriers/:identifier", s.handleGetBarrier)
	}
}

// SetupWebSocket adds the execution event stream to the server
func (s *Server) SetupWebSocket(handler StreamHandler) {
	s.router.GET("/api/v1/executions/:id/ws", handler.HandleExecutionStream)
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
