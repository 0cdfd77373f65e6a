package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"platepal/internal/cache"
	"platepal/internal/config"
	"platepal/internal/consul"
	"platepal/internal/database"
	"platepal/internal/engagement"
	"platepal/internal/feed"
	"platepal/internal/kafka"
	"platepal/internal/logger"
	"platepal/internal/rowstore"
	"platepal/internal/storage"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	log := logger.New("engagement-service")
	logger.SetDefault(log)

	cfg, err := config.LoadEngagementConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Engagement Service",
		"port", cfg.Port,
		"host", cfg.Host,
		"consul_addr", cfg.ConsulAddr,
		"kafka_brokers", cfg.KafkaBrokers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseURL, database.Options{})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if os.Getenv("DB_AUTO_MIGRATE") == "true" {
		if err := database.Migrate(ctx, db); err != nil {
			slog.Error("Migration failed", "error", err)
			os.Exit(1)
		}
	}

	health := map[string]feed.HealthFunc{"database": db.Health}
	opts := []engagement.Option{
		engagement.WithTimeout(cfg.RequestTimeout),
		engagement.WithContributionPoints(cfg.ContributionPts),
	}

	// The feed service caches pages per viewer in the same Redis; a write drops
	// the writer's pages so their next feed load shows it.
	if pages := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log); pages != nil {
		defer pages.Close()
		opts = append(opts, engagement.WithInvalidator(pages))
		health["cache"] = pages.Health
	}

	if cfg.KafkaBrokers != "" {
		kcfg, err := kafka.LoadConfig(cfg.KafkaBrokers, cfg.EngagementTopic)
		if err != nil {
			slog.Error("Invalid Kafka configuration", "error", err)
			os.Exit(1)
		}
		producer, err := kafka.NewProducer(kcfg, log)
		if err != nil {
			slog.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		opts = append(opts, engagement.WithPublisher(producer))
	}

	var uploader engagement.Uploader
	if os.Getenv("S3_ENDPOINT") != "" {
		images, err := storage.New(ctx, storage.ConfigFromEnv(), log)
		if err != nil {
			slog.Error("Failed to configure image storage", "error", err)
			os.Exit(1)
		}
		if err := images.EnsureBucket(ctx); err != nil {
			slog.Warn("Bucket check failed", "error", err)
		}
		uploader = images
		health["storage"] = images.Health
	}

	svc := engagement.NewService(db, rowstore.NewPostgres(db, log), log, opts...)
	router := engagement.SetupRouter(engagement.NewHandler(svc, uploader, health), cfg.AllowedOrigins)

	consulClient, err := consul.NewClient(cfg.ConsulAddr, cfg.ConsulToken)
	if err != nil {
		slog.Error("Failed to create Consul client", "error", err)
		os.Exit(1)
	}
	reg, err := consul.NewServiceConfig("engagement-service", cfg.Host, cfg.Port, "likes", "saves", "comments", "social")
	if err != nil {
		slog.Error("Invalid service registration", "error", err)
		os.Exit(1)
	}
	if err := consulClient.Register(reg); err != nil {
		slog.Error("Failed to register with Consul", "error", err)
		os.Exit(1)
	}
	slog.Info("Registered with Consul", "service_id", reg.ID)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Engagement Service listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down Engagement Service")

	if err := consulClient.Deregister(reg.ID); err != nil {
		slog.Warn("Failed to deregister from Consul", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Engagement Service stopped")
}
