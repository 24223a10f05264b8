package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

type RouterConfig struct {
	Service   *appointment.Service
	Health    *HealthHandler
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	JWTSecret string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger.Named("http")
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Gateway callbacks authenticate by signature, not by caller identity.
	r.Post("/payments/stripe/webhook", webhookHandler(cfg.Service, log, payment.Stripe, "Stripe-Signature"))
	r.Post("/payments/razorpay/webhook", webhookHandler(cfg.Service, log, payment.Razorpay, "X-Razorpay-Signature"))

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware(cfg.JWTSecret))

		// Appointment endpoints
		r.Post("/appointments", createBookingHandler(cfg.Service, log))
		r.Get("/appointments", listBookingsHandler(cfg.Service, log))
		r.Get("/appointments/{id}", getBookingHandler(cfg.Service, log))
		r.Post("/appointments/{id}/cancel", cancelBookingHandler(cfg.Service, log))
		r.Post("/appointments/{id}/payments", initiatePaymentHandler(cfg.Service, log))
		r.With(RequireRole(RoleStaff)).Post("/appointments/{id}/complete", completeBookingHandler(cfg.Service, log))

		r.Post("/payments/stripe/confirm", stripeConfirmHandler(cfg.Service, log))
		r.Post("/payments/razorpay/confirm", razorpayConfirmHandler(cfg.Service, log))
	})

	return r
}
