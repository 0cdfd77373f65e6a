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
	"platepal/internal/feed"
	"platepal/internal/kafka"
	"platepal/internal/logger"
	"platepal/internal/rowstore"
	"platepal/internal/social"
	"platepal/internal/storage"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	log := logger.New("feed-service")
	logger.SetDefault(log)

	cfg, err := config.LoadFeedConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Feed Service",
		"port", cfg.Port,
		"host", cfg.Host,
		"consul_addr", cfg.ConsulAddr,
		"redis_addr", cfg.RedisAddr,
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
		slog.Info("Schema applied")
	}

	gateway := rowstore.NewPostgres(db, log)
	health := map[string]feed.HealthFunc{"database": db.Health}
	opts := []feed.Option{feed.WithTimeout(cfg.RequestTimeout)}

	// Both optional: without Redis pages are assembled every time, without S3
	// image references are served as stored.
	if pages := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.CacheTTL,
	}, log); pages != nil {
		defer pages.Close()
		opts = append(opts, feed.WithCache(pages))
		health["cache"] = pages.Health

		// Other viewers' writes change counts on pages cached for everyone.
		if cfg.KafkaBrokers != "" {
			ccfg, err := kafka.LoadConsumerConfig(cfg.KafkaBrokers, cfg.EngagementTopic, "feed-cache")
			if err != nil {
				slog.Error("Invalid Kafka consumer configuration", "error", err)
				os.Exit(1)
			}
			consumer, err := kafka.NewConsumer(ccfg, feed.InvalidationHandler(pages, log), pages, log)
			if err != nil {
				slog.Error("Failed to create Kafka consumer", "error", err)
				os.Exit(1)
			}
			closeConsumer := consumer.Run(ctx)
			defer func() {
				stop()
				closeConsumer()
			}()
		}
	}

	if os.Getenv("S3_ENDPOINT") != "" {
		images, err := storage.New(ctx, storage.ConfigFromEnv(), log)
		if err != nil {
			slog.Error("Failed to configure image storage", "error", err)
			os.Exit(1)
		}
		opts = append(opts, feed.WithImageResolver(images))
		health["storage"] = images.Health
	}

	assembler := feed.NewAssembler(gateway, social.NewResolver(gateway, log), log, opts...)
	router := feed.SetupRouter(feed.NewHandler(assembler, health), cfg.AllowedOrigins)

	consulClient, err := consul.NewClient(cfg.ConsulAddr, cfg.ConsulToken)
	if err != nil {
		slog.Error("Failed to create Consul client", "error", err)
		os.Exit(1)
	}
	reg, err := consul.NewServiceConfig("feed-service", cfg.Host, cfg.Port, "feed", "search", "api")
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
		slog.Info("Feed Service listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down Feed Service")

	if err := consulClient.Deregister(reg.ID); err != nil {
		slog.Warn("Failed to deregister from Consul", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Feed Service stopped")
}
