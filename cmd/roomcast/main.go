package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	httphandlers "roomcast/internal/handlers/http"
	engineclient "roomcast/internal/infrastructure/engine"
	"roomcast/internal/infrastructure/middleware"
	"roomcast/internal/infrastructure/monitoring"
	"roomcast/internal/infrastructure/recording"
	"roomcast/internal/infrastructure/repositories"
	signalserver "roomcast/internal/infrastructure/signal"
	"roomcast/pkg/config"
	"roomcast/pkg/logger"
	"roomcast/pkg/retry"
	"roomcast/pkg/tracing"

	"github.com/gammazero/workerpool"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/roomcast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		JaegerURL:  cfg.Tracing.JaegerURL,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	recStore := repoFactory.CreateRecordingStore()
	roomDir := repoFactory.CreateRoomDirectory()

	var metrics ports.Metrics = monitoring.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	registry := services.NewRegistry()
	turn := services.NewTurnIssuer(
		cfg.Turn.URL,
		cfg.Turn.Username,
		cfg.Turn.Secret,
		cfg.Turn.Mode,
		cfg.Turn.TTL,
		log,
	)

	dialer := func(ctx context.Context) (ports.MediaEngine, error) {
		return engineclient.Dial(ctx, engineclient.Config{
			URL:         cfg.Engine.URL,
			CallTimeout: cfg.Engine.CallTimeout,
			Retry:       retry.DefaultConfig(),
		}, log)
	}
	supervisor := services.NewSupervisor(dialer, cfg.Engine.RecheckInterval, registry, log, metrics)

	reconciler := services.NewReconciler(
		registry,
		supervisor.Engine,
		supervisor.Owner,
		cfg.Engine.ObjectCheckDelay,
		cfg.Engine.WatchConcurrency,
		log,
		metrics,
	)
	supervisor.SetObserver(reconciler.Observe)

	converter := recording.NewConverter(cfg.Recording.FFmpegBinary, cfg.Recording.ConversionWorkers, recStore, log)
	tasks := workerpool.New(cfg.Recording.ConversionWorkers)

	wsServer := signalserver.NewServer(roomDir, signalserver.Options{
		PingInterval: cfg.Signal.PingInterval,
		PongTimeout:  cfg.Signal.PongTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
		MsgRate:      cfg.RateLimiting.Signal.MessagesPerSecond,
		MsgBurst:     cfg.RateLimiting.Signal.Burst,
	}, log)

	router := services.NewRouter(services.RouterDeps{
		Supervisor: supervisor,
		Registry:   registry,
		Clients:    wsServer,
		Messenger:  wsServer,
		Turn:       turn,
		RecDir:     cfg.Recording.Directory,
		RecStore:   recStore,
		Converter:  converter,
		Tasks:      tasks,
		Log:        log,
		Metrics:    metrics,
	})
	wsServer.SetRouter(router)

	supervisor.Start()

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("repositories", func(ctx context.Context) (bool, error) {
		if err := repoFactory.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, 2*time.Second)
	healthChecker.AddCheck("media_engine", func(ctx context.Context) (bool, error) {
		// Not fatal for liveness, but surfaced in the health payload.
		return supervisor.Connected(), nil
	}, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.Default()
	ginRouter.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		ginRouter.Use(middleware.TracingMiddleware())
	}

	// Test connections carry no token; authenticated participants do.
	ginRouter.GET("/ws", middleware.OptionalAuthMiddleware(cfg.Auth.JWTSecret), wsServer.HandleWebSocket)

	turnHandler := httphandlers.NewTurnHandler(turn)
	statusHandler := httphandlers.NewStatusHandler(router, supervisor, recStore)
	healthHandler := httphandlers.NewHealthHandler(healthChecker)

	api := ginRouter.Group("/api/v1")
	turnHandler.SetupRoutes(api)
	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	statusHandler.SetupRoutes(protected)

	healthHandler.SetupRoutes(ginRouter)

	if cfg.Monitoring.PrometheusEnabled {
		ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      ginRouter,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting roomcast server on %s", cfg.HTTP.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down roomcast server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	supervisor.Shutdown(shutdownCtx)
	reconciler.Stop()
	tasks.StopWait()
	converter.Stop()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("roomcast server stopped")
}
