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

	"platepal/internal/config"
	"platepal/internal/consul"
	"platepal/internal/gateway"
	"platepal/internal/logger"
	"platepal/internal/session"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	log := logger.New("api-gateway")
	logger.SetDefault(log)

	cfg := config.LoadGatewayConfig()

	slog.Info("Starting API Gateway",
		"port", cfg.Port,
		"consul_addr", cfg.ConsulAddr,
		"redis_addr", cfg.RedisAddr,
	)

	consulClient, err := consul.NewClient(cfg.ConsulAddr, cfg.ConsulToken)
	if err != nil {
		slog.Error("Failed to create Consul client", "error", err)
		os.Exit(1)
	}

	sessions := session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer sessions.Close()

	router := gateway.SetupRouter(
		gateway.NewProxy(consul.NewDiscovery(consulClient), log),
		session.NewManager(sessions),
		gateway.Routes{
			FeedService:       cfg.FeedService,
			EngagementService: cfg.EngagementService,
			SessionCookie:     cfg.SessionCookie,
			AllowedOrigins:    cfg.AllowedOrigins,
		},
		map[string]gateway.HealthFunc{
			"sessions": sessions.Health,
			"consul":   consulClient.Health,
		},
		log,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API Gateway listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("Shutting down API Gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("API Gateway stopped")
}
