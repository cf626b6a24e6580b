package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/pipeorch/internal/application/barriers"
	"github.com/aescanero/pipeorch/internal/application/engine"
	"github.com/aescanero/pipeorch/internal/application/interrupts"
	"github.com/aescanero/pipeorch/internal/application/orchestrator"
	"github.com/aescanero/pipeorch/internal/application/workers"
	"github.com/aescanero/pipeorch/internal/config"
	"github.com/aescanero/pipeorch/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/pipeorch/pkg/api/grpc"
	"github.com/aescanero/pipeorch/pkg/api/http"
	"github.com/aescanero/pipeorch/pkg/api/websocket"
	"github.com/aescanero/pipeorch/pkg/domain"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pipeorch",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("backend", string(cfg.Backend)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := prometheus.NewCollector(promclient.DefaultRegisterer)

	be, err := newBackend(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Fatal("failed to initialize backend", zap.Error(err))
	}

	// Engine runs on the worker pool
	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		cfg.Workers.QueueSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	registry := engine.NewStepRegistry(engine.BuiltinSteps(logger)...)
	eng := engine.New(be.store, be.store, be.tasks, be.bus, registry, workerPool, metricsCollector, logger)
	if err := workerPool.Start(eng); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	processor := interrupts.NewProcessor(be.store, be.store, be.bus, metricsCollector, logger)
	processor.RegisterHandler(domain.InterruptTypeAbortAll, interrupts.NewAbortAllHandler(
		be.store, be.store, be.tasks, registry, eng, metricsCollector, logger,
		cfg.Interrupts.AbortConcurrency,
	))

	barrierService := barriers.NewService(be.store, be.store, eng, be.bus, metricsCollector, logger)
	barrierHandler := barriers.NewEventHandler(barrierService, be.store, be.locker,
		cfg.Barriers.LockWait, cfg.Barriers.LockTTL, logger)
	if err := barrierHandler.Subscribe(ctx, be.subscriber("barriers", false)); err != nil {
		logger.Fatal("failed to subscribe barrier handler", zap.Error(err))
	}

	orchestratorMgr := orchestrator.NewManager(
		be.store,
		be.store,
		eng,
		barrierService,
		processor,
		be.subscriber("manager", true),
		orchestrator.NewValidator(registry),
		logger,
	)
	if err := orchestratorMgr.Subscribe(ctx); err != nil {
		logger.Fatal("failed to subscribe orchestrator", zap.Error(err))
	}

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Health:       workerPool.Health(),
		Gatherer:     promclient.DefaultGatherer,
		Logger:       logger,
	})

	wsHandler := websocket.NewHandler(be.subscriber("ws", true), logger)
	if err := wsHandler.Start(ctx); err != nil {
		logger.Fatal("failed to start websocket handler", zap.Error(err))
	}
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:           cfg.GRPCPort,
		Health:         workerPool.Health(),
		HealthInterval: cfg.Workers.HealthCheckInterval,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("pipeorch started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.Strings("step_types", registry.Types()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	cancel()
	if err := be.close(); err != nil {
		logger.Error("backend close error", zap.Error(err))
	}

	logger.Info("pipeorch shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
