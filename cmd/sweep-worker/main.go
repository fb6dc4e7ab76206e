package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nromehealth/appointment-escrow/internal/booking"
	"github.com/nromehealth/appointment-escrow/internal/config"
	"github.com/nromehealth/appointment-escrow/internal/db"
	"github.com/nromehealth/appointment-escrow/internal/notify"
	"github.com/nromehealth/appointment-escrow/internal/observability/metrics"
	"github.com/nromehealth/appointment-escrow/internal/paystack"
	redisclient "github.com/nromehealth/appointment-escrow/internal/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("sweep-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running sweep worker in env=%s sweep_interval=%s reminder_interval=%s",
		cfg.Env, cfg.SweepInterval, cfg.ReminderInterval)

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
	sweepMetrics := metrics.NewSweepMetrics(prometheus.DefaultRegisterer)

	// Run once at startup
	runSweeps(rootCtx, sweeper, sweepMetrics)
	runReminders(rootCtx, sweeper, sweepMetrics)

	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()
	reminderTicker := time.NewTicker(cfg.ReminderInterval)
	defer reminderTicker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping sweep worker")
			return
		case <-sweepTicker.C:
			runSweeps(rootCtx, sweeper, sweepMetrics)
		case <-reminderTicker.C:
			runReminders(rootCtx, sweeper, sweepMetrics)
		}
	}
}

func runSweeps(ctx context.Context, sweeper *booking.Sweeper, m *metrics.SweepMetrics) {
	runOne(ctx, "confirmations", m, sweeper.SweepConfirmations)
	runOne(ctx, "no_shows", m, sweeper.SweepNoShows)
}

func runReminders(ctx context.Context, sweeper *booking.Sweeper, m *metrics.SweepMetrics) {
	runOne(ctx, "reminders", m, sweeper.SweepReminders)
}

func runOne(ctx context.Context, name string, m *metrics.SweepMetrics, run func(context.Context) (*booking.SweepReport, error)) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := time.Now()
	report, err := run(runCtx)
	if err != nil {
		m.ObserveRun(name, "error", time.Since(start).Seconds())
		log.Printf("%s sweep error: %v", name, err)
		return
	}

	m.ObserveRun(name, "ok", time.Since(start).Seconds())
	for _, r := range report.Results {
		m.ObserveItem(name, string(r.Outcome))
	}
	log.Printf("%s sweep complete: processed=%d in %s", name, report.Processed, time.Since(start))
}
