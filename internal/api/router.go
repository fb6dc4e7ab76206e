package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type RouterConfig struct {
	Service BookingService
	Sweeper SweepRunner
	Webhook http.Handler
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	// Booking flow and appointment actions
	r.Post("/appointments", createBookingHandler(cfg.Service))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service))
	r.Get("/appointments/{ref}", getAppointmentHandler(cfg.Service))
	r.Post("/appointments/{ref}/verify-payment", verifyPaymentHandler(cfg.Service))
	r.Post("/appointments/{ref}/confirm", confirmHandler(cfg.Service))
	r.Post("/appointments/{ref}/decline", declineHandler(cfg.Service))
	r.Post("/appointments/{ref}/cancel", cancelHandler(cfg.Service))
	r.Post("/appointments/{ref}/complete", completeHandler(cfg.Service))

	// Payment provider events
	if cfg.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/paystack", cfg.Webhook)
	}

	// Sweep entry points for external cron schedulers
	if cfg.Sweeper != nil {
		r.Post("/cron/check-confirmations", sweepHandler(cfg.Sweeper.SweepConfirmations))
		r.Post("/cron/check-no-shows", sweepHandler(cfg.Sweeper.SweepNoShows))
		r.Post("/cron/send-reminders", sweepHandler(cfg.Sweeper.SweepReminders))
	}

	return r
}
