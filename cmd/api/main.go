package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/karollearning/karol-assistant/internal/api/router"
	"github.com/karollearning/karol-assistant/internal/billing"
	appconfig "github.com/karollearning/karol-assistant/internal/config"
	"github.com/karollearning/karol-assistant/internal/intent"
	"github.com/karollearning/karol-assistant/internal/learning"
	"github.com/karollearning/karol-assistant/internal/llm"
	"github.com/karollearning/karol-assistant/internal/media"
	"github.com/karollearning/karol-assistant/internal/messagelog"
	"github.com/karollearning/karol-assistant/internal/observability/metrics"
	"github.com/karollearning/karol-assistant/internal/reply"
	"github.com/karollearning/karol-assistant/internal/session"
	"github.com/karollearning/karol-assistant/internal/student"
	"github.com/karollearning/karol-assistant/internal/voice"
	"github.com/karollearning/karol-assistant/internal/webhook"
	"github.com/karollearning/karol-assistant/internal/whatsapp"
	"github.com/karollearning/karol-assistant/internal/zaia"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting karol-assistant API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	// The run log is optional; without Postgres the pipeline still serves.
	var runs webhook.RunRecorder
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		runs = messagelog.NewStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set, pipeline runs will not be recorded")
	}

	directory := student.NewNotionDirectory(cfg.NotionAPIKey, cfg.NotionDatabaseID, cfg.DirectoryTimeout, logger)
	billingClient := billing.NewAsaasClient(cfg.AsaasAPIKey, cfg.AsaasBaseURL, cfg.DirectoryTimeout, logger)
	learningClient := learning.NewFlexgeClient(cfg.FlexgeAPIKey, cfg.FlexgeBaseURL, cfg.DirectoryTimeout, logger)

	openAI := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIChatModel)
	var model llm.Client = openAI
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Error("failed to build gemini client", "error", err)
			os.Exit(1)
		}
		defer gemini.Close()
		model = llm.NewFallbackClient(openAI, gemini, logger)
	}

	mediaClient := media.NewOpenAIMedia(cfg.OpenAIAPIKey, cfg.OpenAIVisionModel, logger)
	resolver := media.NewResolver(mediaClient, mediaClient, logger)

	chats := zaia.NewClient(cfg.ZaiaAPIKey, cfg.ZaiaAPIURL, cfg.ZaiaAgentID, cfg.ZaiaCallTimeout, cfg.ZaiaPollAttempts, cfg.ZaiaPollInterval, logger)
	sessions := session.NewStore(redisClient, cfg.SessionTTL)
	generator := reply.NewGenerator(billingClient, learningClient, chats, sessions, model, logger)

	synthesizer := voice.NewElevenLabsClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, "", 30*time.Second, logger)
	sender := whatsapp.NewZAPIClient(cfg.ZAPIInstanceID, cfg.ZAPIToken, cfg.ZAPISecurityToken, cfg.ZAPIBaseURL, 10*time.Second, logger)
	dispatcher := whatsapp.NewDispatcher(sender, synthesizer, logger)

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	pipeline := webhook.NewPipeline(resolver, directory, intent.NewClassifier(), generator, dispatcher, runs, pipelineMetrics, logger)

	r := router.New(&router.Config{
		Logger:         logger,
		WebhookHandler: webhook.NewHandler(pipeline, logger),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
