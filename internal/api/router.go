package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Handlers *Handlers
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Env      string
	Version  string
	Log      *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := cfg.Handlers
	r.Get("/availability", h.GetAvailability)
	r.Post("/appointments", h.Book)
	r.Get("/appointments", h.ListAppointments)
	r.Get("/appointments/{id}", h.GetAppointment)
	r.Post("/appointments/{id}/confirm", h.Confirm)
	r.Post("/appointments/{id}/cancel", h.Cancel)
	r.Post("/appointments/{id}/reschedule", h.Reschedule)
	r.Post("/appointments/{id}/complete", h.Complete)
	r.Post("/appointments/{id}/no-show", h.MarkNoShow)

	return r
}
