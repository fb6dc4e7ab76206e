package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nromehealth/appointment-escrow/internal/api"
	"github.com/nromehealth/appointment-escrow/internal/booking"
	"github.com/nromehealth/appointment-escrow/internal/config"
	"github.com/nromehealth/appointment-escrow/internal/db"
	"github.com/nromehealth/appointment-escrow/internal/notify"
	"github.com/nromehealth/appointment-escrow/internal/observability/metrics"
	"github.com/nromehealth/appointment-escrow/internal/paystack"
	redisclient "github.com/nromehealth/appointment-escrow/internal/redis"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s", cfg.Env, cfg.HTTPPort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	ledger := booking.NewPgLedger(pgPool)
	gateway := paystack.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.PlatformFeePercent)
	locker := redisclient.NewRedisPaymentLocker(rdb, cfg.LockTTL)
	notifier := notify.NewDispatcher(ledger)

	machine := booking.NewService(ledger, gateway, locker, notifier, cfg)
	sweeper := booking.NewSweeper(ledger, machine)

	webhookMetrics := metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)
	webhook := paystack.NewWebhookHandler(cfg.PaystackSecretKey, machine, webhookMetrics)

	router := api.NewRouter(api.RouterConfig{
		Service: machine,
		Sweeper: sweeper,
		Webhook: webhook,
		PgPool:  pgPool,
		Redis:   rdb,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()

	log.Println("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
