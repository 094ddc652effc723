package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/config"
	"github.com/iyngr/context-based-pii/internal/redactor/dlp"
	"github.com/iyngr/context-based-pii/internal/redactor/handler"
	"github.com/iyngr/context-based-pii/internal/redactor/rconfig"
	"github.com/iyngr/context-based-pii/internal/redactor/service"
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

	// --- OpenTelemetry ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "redactor", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
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
		secretPath = "secret/data/pii-pipeline/redactor"
	}

	vaultManager, err := secrets.NewManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	vals, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("Failed to load secrets from Vault", zap.Error(err))
	}

	redisAddr, _ := vals["REDIS_ADDR"].(string)
	redisPassword, _ := vals["REDIS_PASSWORD"].(string)
	dlpToken, _ := vals["DLP_API_TOKEN"].(string)
	if redisAddr == "" {
		logger.Fatal("REDIS_ADDR secret not set")
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	defer rdb.Close()
	logger.Info("connected to Redis", zap.String("addr", redisAddr))

	// --- Detection templates ---
	templatePath := os.Getenv("DETECTION_TEMPLATES_PATH")
	if templatePath == "" {
		templatePath = "configs/detection_templates.yaml"
	}
	templates, err := rconfig.Load(templatePath, cfg.ProjectID)
	if err != nil {
		logger.Fatal("failed to load detection templates", zap.Error(err))
	}
	logger.Info("detection templates loaded",
		zap.String("path", templatePath),
		zap.Int("keyword_rules", len(templates.ContextKeywords)),
	)

	// --- Detection engine client ---
	dlpBase := os.Getenv("DLP_BASE_URL")
	if dlpBase == "" {
		dlpBase = "https://dlp.googleapis.com"
	}
	engine := dlp.NewClient(dlpBase, dlpToken)

	// --- Services ---
	contexts := service.NewContextStore(rdb, cfg.ContextTTL, logger)
	redaction := service.NewRedactionService(engine, templates, cfg.ProjectID, cfg.Location, logger)

	// --- HTTP Server ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("redactor"))
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
	if cfg.FrontendURL != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{cfg.FrontendURL},
			AllowMethods: []string{http.MethodGet, http.MethodPost},
		}))
	}

	handler.NewUtteranceHandler(contexts, redaction, templates.ContextKeywords, logger).Register(e)

	go func() {
		logger.Info("redactor HTTP server listening on :8080")
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

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("redactor shut down cleanly")
}
