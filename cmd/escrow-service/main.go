/**
 * @description
 * This is the main entry point for the escrow engine service.
 *
 * It wires configuration, the Postgres-backed ledger, the mobile money gateways and
 * the escrow services, then serves three inputs concurrently: the internal ops and
 * webhook HTTP API, the dispute and provider-status RabbitMQ consumers, and the
 * in-process cron scheduler for reconciliation and token expiry.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: HTTP routing (via internal/api).
 * - internal/bootstrap: shared object graph.
 * - pkg/rabbitmq: dispute and provider event intake.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rg4amia/monartisanpro-app-sub001/internal/api"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/app"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/bootstrap"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/config"
	"github.com/rg4amia/monartisanpro-app-sub001/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if cfg.WebhookJWTSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"webhook secret missing; provider webhooks disabled\" env=WEBHOOK_JWT_SECRET")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	engine, err := bootstrap.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"engine init failed\" err=%v", err)
	}
	defer engine.Close()

	consumer, err := startConsumers(cfg, engine, logger)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumers unavailable; disputes and provider events rely on webhooks and reconciliation\" err=%v", err)
	} else {
		defer consumer.Close()
	}

	sched := engine.Scheduler()
	log.Printf("level=info component=bootstrap msg=\"scheduler started\" jobs=%d", sched.Start())

	handlers := api.NewHandlers(engine.Escrows, engine.Tokens, engine.Reconciler, engine.Statuses)
	router := api.NewRouter(handlers, api.RouterConfig{
		InternalAPIKey:   cfg.InternalAPIKey,
		WebhookJWTSecret: cfg.WebhookJWTSecret,
		Gatherer:         engine.Registry,
		RequestTimeout:   engine.MovementTimeout(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"running jobs did not finish before shutdown deadline\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// startConsumers binds the dispute and provider-status queues.
func startConsumers(cfg config.Config, engine *bootstrap.Engine, logger *slog.Logger) (*rabbitmq.Consumer, error) {
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		return nil, err
	}

	disputes := app.NewDisputeConsumer(engine.Escrows, engine.Repository, engine.MovementTimeout(), logger)
	if err := consumer.ConsumeWithBindings(cfg.DisputeExchange, cfg.DisputeEventsQueue, map[string]rabbitmq.Handler{
		"dispute.opened":   disputes.HandleOpened,
		"dispute.resolved": disputes.HandleResolved,
	}); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("dispute consumer: %w", err)
	}

	if err := consumer.ConsumeWithBindings(cfg.ProviderExchange, cfg.ProviderEventsQueue, map[string]rabbitmq.Handler{
		"provider.transaction.*": engine.Statuses.HandleMessage,
	}); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("provider status consumer: %w", err)
	}

	log.Printf("level=info component=bootstrap msg=\"rabbitmq consumers started\" dispute_queue=%s provider_queue=%s", cfg.DisputeEventsQueue, cfg.ProviderEventsQueue)
	return consumer, nil
}
