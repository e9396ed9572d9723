// Package api implements the HTTP surface of the dispatcher: booking, checking and cancelling
// ride requests, reading tours, streaming tour events and a few operator endpoints.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"ridepool/internal/auth"
	"ridepool/internal/config"
	"ridepool/internal/dispatch"
	"ridepool/internal/events"
	"ridepool/internal/lifecycle"
	"ridepool/internal/metrics"
	"ridepool/internal/store"
)

type Server struct {
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	Broker     events.Subscriber
	Auth       *auth.Verifier
	Jobs       *lifecycle.Jobs
	Config     config.Config

	limiter *rate.Limiter
}

// NewServer wires the handlers. jobs may be nil, which disables the job trigger endpoint.
func NewServer(cfg config.Config, d *dispatch.Dispatcher, s store.Store, b events.Subscriber, v *auth.Verifier, jobs *lifecycle.Jobs) *Server {
	return &Server{
		Dispatcher: d,
		Store:      s,
		Broker:     b,
		Auth:       v,
		Jobs:       jobs,
		Config:     cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
	}
}

// Handler returns the routed and instrumented mux.
func (s *Server) Handler() http.Handler {
	metrics.RegisterDefault()
	mux := http.NewServeMux()

	// Requests
	s.route(mux, "POST /v1/requests", s.BookHandler)
	s.route(mux, "POST /v1/requests/check", s.CheckHandler)
	s.route(mux, "GET /v1/requests/{id}", s.RequestHandler)
	s.route(mux, "DELETE /v1/requests/{id}", s.CancelHandler)

	// Tours
	s.route(mux, "GET /v1/tours", s.ToursHandler)
	s.route(mux, "GET /v1/tours/{id}", s.TourHandler)
	s.route(mux, "GET /v1/tours/{id}/events/stream", s.TourStreamHandler)
	s.route(mux, "GET /v1/tours/{id}/ws", s.TourWSHandler)

	// Admin
	s.route(mux, "GET /v1/admin/solve-metrics", s.SolveMetricsHandler)
	s.route(mux, "POST /v1/admin/jobs/{name}", s.RunJobHandler)

	// Health
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /debug", s.DebugJSON)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return logMiddleware(mux)
}

// route registers h behind the rate limiter and labels its metrics with pattern.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.rateLimit(instrument(pattern, h)))
}
