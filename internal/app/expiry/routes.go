package expiry

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/access-expiry/internal/http/handlers/entitlement/read"
	"github.com/magabrotheeeer/access-expiry/internal/http/handlers/health"
	"github.com/magabrotheeeer/access-expiry/internal/http/handlers/jobs/cancel"
	"github.com/magabrotheeeer/access-expiry/internal/http/handlers/jobs/list"
	"github.com/magabrotheeeer/access-expiry/internal/http/handlers/payment/confirm"
	"github.com/magabrotheeeer/access-expiry/internal/http/handlers/tariffs"
	"github.com/magabrotheeeer/access-expiry/internal/http/middlewarectx"
	"github.com/magabrotheeeer/access-expiry/internal/services/scheduler"
	"github.com/magabrotheeeer/access-expiry/internal/services/subscription"
)

// RegisterRoutes регистрирует все маршруты сервиса.
func RegisterRoutes(r chi.Router, logger *slog.Logger, subscriptionService *subscription.Service, sched *scheduler.Scheduler, limiter *rate.Limiter, checks map[string]health.Checker) {
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Get("/health", health.New(logger, checks).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewarectx.RateLimitMiddleware(logger, limiter))

		r.Get("/tariffs", tariffs.New().ServeHTTP)
		r.Get("/entitlements/{user_id}", read.New(logger, subscriptionService).ServeHTTP)
		r.Post("/payments/confirmed", confirm.New(logger, subscriptionService).ServeHTTP)

		r.Get("/jobs", list.New(logger, sched).ServeHTTP)
		r.Delete("/jobs/{job_id}", cancel.New(logger, sched).ServeHTTP)
	})
}
