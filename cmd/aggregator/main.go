package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/iyngr/context-based-pii/internal/aggregator/blob"
	"github.com/iyngr/context-based-pii/internal/aggregator/consumer"
	"github.com/iyngr/context-based-pii/internal/aggregator/handler"
	"github.com/iyngr/context-based-pii/internal/aggregator/service"
	"github.com/iyngr/context-based-pii/internal/aggregator/store"
	"github.com/iyngr/context-based-pii/internal/config"
	"github.com/iyngr/context-based-pii/pkg/natsclient"
	"github.com/iyngr/context-based-pii/pkg/secrets"
	"github.com/iyngr/context-based-pii/pkg/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}
	if cfg.TranscriptsBucket == "" {
		logger.Fatal("AGGREGATED_TRANSCRIPTS_BUCKET environment variable not set")
	}

	// --- OpenTelemetry ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "aggregator", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}

		mp, err := telemetry.InitMeterProvider(context.Background(), "aggregator", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// --- Vault Secret Loading ---
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		vaultAddr = "http://localhost:8200"
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultToken == "" {
		vaultToken = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/pii-pipeline/aggregator"
	}

	vaultManager, err := secrets.NewManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	vals, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("Failed to load secrets from Vault", zap.Error(err))
	}

	pgURL, _ := vals["PG_URL"].(string)
	natsURL, _ := vals["NATS_URL"].(string)
	if pgURL == "" || natsURL == "" {
		logger.Fatal("PG_URL or NATS_URL secret not set")
	}

	// --- Database ---
	poolCfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		logger.Fatal("failed to parse PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	// --- Blob store ---
	gcsClient, err := storage.NewClient(context.Background(), option.WithScopes(storage.ScopeReadWrite))
	if err != nil {
		logger.Fatal("failed to create storage client", zap.Error(err))
	}
	defer gcsClient.Close()
	blobs := blob.NewGCS(gcsClient, cfg.TranscriptsBucket)

	// --- Optional utterance buffer ---
	var rdb *redis.Client
	if cfg.EnableUtteranceBuffer {
		redisAddr, _ := vals["REDIS_ADDR"].(string)
		redisPassword, _ := vals["REDIS_PASSWORD"].(string)
		if redisAddr == "" {
			logger.Fatal("ENABLE_UTTERANCE_BUFFER set but REDIS_ADDR secret missing")
		}
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword})
		defer rdb.Close()
		logger.Info("utterance buffer enabled", zap.String("addr", redisAddr))
	}

	// --- NATS JetStream ---
	natsClient, err := natsclient.NewClient(natsURL, logger)
	if err != nil {
		logger.Fatal("NATS initialization failed", zap.Error(err))
	}
	defer natsClient.Close()
	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// --- Service ---
	svc := service.NewAggregatorService(store.New(pool), blobs, rdb, service.Options{
		ContextTTL:       cfg.ContextTTL,
		PollingInterval:  cfg.PollingInterval,
		MaxPollAttempts:  cfg.MaxPollAttempts,
		AggregationDelay: cfg.AggregationDelay,
		BufferEnabled:    cfg.EnableUtteranceBuffer,
		BufferSize:       cfg.UtteranceBufferSize,
	}, logger)

	// --- NATS Consumers ---
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if err := consumer.NewAggregatorConsumer(natsClient, svc, logger).Start(consumerCtx); err != nil {
		logger.Fatal("Failed to start aggregator consumers", zap.Error(err))
	}

	// --- HTTP Server ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("aggregator"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.NewAggregatorHandler(svc, logger).Register(e)

	go func() {
		logger.Info("aggregator HTTP server listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumerCancel() // stop consumer loops before HTTP shutdown

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("aggregator shut down cleanly")
}
