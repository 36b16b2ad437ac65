package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"highway-vlm-monitor/internal/archive"
	"highway-vlm-monitor/internal/ingest"
	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/internal/repos"
	"highway-vlm-monitor/internal/roster"
	"highway-vlm-monitor/internal/scheduler"
	"highway-vlm-monitor/internal/vlm"
	"highway-vlm-monitor/shared/cachex"
	"highway-vlm-monitor/shared/config"
	"highway-vlm-monitor/shared/dbx"
	"highway-vlm-monitor/shared/httpx"
	"highway-vlm-monitor/shared/influxx"
	"highway-vlm-monitor/shared/logx"
	"highway-vlm-monitor/shared/metricsx"
	"highway-vlm-monitor/shared/mqx"
	"highway-vlm-monitor/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, problems := config.Load("vlm-worker", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.VLMAPIKey == "" {
		problems = append(problems, config.Problem{Field: "VLM_API_KEY", Message: "VLM_API_KEY is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			logx.ErrorCode("FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			logx.ErrorCode("FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := repos.Bootstrap(context.Background(), dbPool); err != nil {
		logger.Error(context.Background(), "schema_init_failed", "schema bootstrap failed",
			logx.ErrorCode("FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	archiveRepo := repos.NewArchiveRepo(dbPool)

	resolver, err := ingest.NewResolver(cfg)
	if err != nil {
		logger.Error(context.Background(), "resolver_init_failed", "snapshot resolver init failed",
			logx.ErrorCode("FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	vlmClient, err := vlm.NewClient(cfg)
	if err != nil {
		logger.Error(context.Background(), "vlm_init_failed", "vision model client init failed",
			logx.ErrorCode("FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	frameStore := ingest.NewStore(cfg.FramesDir, cfg.RawOutputDir)

	writer := archive.NewWriter(archiveRepo, logger, cfg.IncidentJournalPath)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				logx.ErrorCode("FAILED_PRECONDITION"),
				logx.Err(err),
			)
			os.Exit(1)
		}
		defer producer.Close()
		writer = writer.WithProducer(producer)
	}
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Error(context.Background(), "redis_init_failed", "redis init failed",
				logx.ErrorCode("FAILED_PRECONDITION"),
				logx.Err(err),
			)
			os.Exit(1)
		}
		defer func() { _ = cache.Close() }()
		writer = writer.WithCache(cache)
	}
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" {
		points, err := influxx.New(cfg)
		if err != nil {
			logger.Error(context.Background(), "influx_init_failed", "influx init failed",
				logx.ErrorCode("FAILED_PRECONDITION"),
				logx.Err(err),
			)
			os.Exit(1)
		}
		defer points.Close()
		writer = writer.WithPoints(points)
	}

	cameraRoster := func() ([]models.Camera, error) {
		return roster.Load(cfg.CameraConfigPath)
	}
	sched := scheduler.New(scheduler.Config{
		PollInterval:    time.Duration(cfg.PollIntervalSec) * time.Second,
		MinVLMInterval:  time.Duration(cfg.MinVLMIntervalSec) * time.Second,
		ErrorCooldown:   time.Duration(cfg.VLMErrorCooldownSec) * time.Second,
		MaxCallsPerTick: cfg.VLMMaxCallsPerTick,
	}, cameraRoster, archiveRepo, resolver, vlmClient, frameStore, writer, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable,
				"FAILED_PRECONDITION", "service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		logger.Info(runCtx, "worker_start", "camera pipeline started",
			slog.Int("poll_interval_sec", cfg.PollIntervalSec),
			slog.Int("min_vlm_interval_sec", cfg.MinVLMIntervalSec),
			slog.Int("max_calls_per_tick", cfg.VLMMaxCallsPerTick),
			slog.String("model", vlmClient.Model()),
		)
		sched.Run(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				logx.ErrorCode("INTERNAL_ERROR"),
				logx.Err(err),
			)
			os.Exit(1)
		}
	}

	cancel()
	<-schedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			logx.ErrorCode("INTERNAL_ERROR"),
			logx.Err(err),
		)
	}
	logger.Info(context.Background(), "worker_stop", "camera pipeline stopped")
}
