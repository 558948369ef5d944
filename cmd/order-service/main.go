package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/eduflow/order-service/internal/config"
	"github.com/eduflow/order-service/internal/order/application"
	orderhttp "github.com/eduflow/order-service/internal/order/infrastructure/http"
	orderkafka "github.com/eduflow/order-service/internal/order/infrastructure/kafka"
	"github.com/eduflow/order-service/internal/order/infrastructure/paypal"
	orderpg "github.com/eduflow/order-service/internal/order/infrastructure/postgres"
	"github.com/eduflow/order-service/pkg/idempotency"
	"github.com/eduflow/order-service/pkg/logging"
	"github.com/eduflow/order-service/pkg/outbox"
	"github.com/eduflow/order-service/pkg/shutdown"
	"github.com/eduflow/order-service/pkg/tracing"
)

func main() {
	log := logging.New()

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	tp, err := tracing.Init("order-service", cfg.JaegerURL, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(ctx) }()

	// Postgres
	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := orderpg.Migrate(ctx, pool); err != nil {
		log.Error("pg migrate failed", "err", err)
		os.Exit(1)
	}

	// Redis capture guard
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	guard := idempotency.NewStore(rdb, cfg.CaptureGuardTTL)

	// Kafka producer
	writer := orderkafka.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()

	// Repository & outbox
	repo := orderpg.NewRepository(log, pool)
	store := orderpg.NewOutboxStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.OutboxTopic)
	relay := outbox.NewRelay(log, store, dispatch, "order-service-relay")

	// Gateway, pricing and the order service itself
	gateway := paypal.NewClient(log, cfg.PayPalBaseURL(), cfg.PayPalClientID, cfg.PayPalSecret, cfg.GatewayTimeout)
	pricing := application.NewPricingValidator(log, orderpg.NewCatalog(log, pool))
	users := orderpg.NewDirectory(pool)
	svc := application.NewService(log, repo, gateway, pricing, users, cfg.Domain)
	reconciler := application.NewReconciler(log, repo, gateway, svc, cfg.Domain,
		cfg.ProvisionalGrace, cfg.PendingExpiry, cfg.ReconcileInterval)

	handler := orderhttp.NewHandler(log, svc, guard)

	// HTTP server
	r := chi.NewRouter()
	r.Mount("/", handler.Routes())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()

	go func() {
		if err := reconciler.Run(ctx); err != nil {
			log.Error("reconciler stopped with error", "err", err)
		}
	}()

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr, "paypal_env", string(cfg.PayPalEnv))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Info("order-service shutdown complete")
}
