package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"ridepool/internal/buildinfo"
	"ridepool/internal/opt"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Postgres is the only store that can be unreachable
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":               c.Port,
			"authMode":           c.AuthMode,
			"rateRps":            c.RateRPS,
			"rateBurst":          c.RateBurst,
			"workers":            c.Workers,
			"webhookMaxAttempts": c.WebhookMaxAttempts,
			"hasDatabaseUrl":     c.DatabaseURL != "",
			"hasRedisUrl":        c.RedisURL != "",
			"hasAmqpUrl":         c.AMQPURL != "",
			"hasWebhookUrl":      c.WebhookURL != "",
			"graphFile":          c.GraphFile,
			"routingUrl":         c.RoutingURL,
		},
	})
}

// SolveMetricsHandler handles GET /v1/admin/solve-metrics?community=&day=YYYY-MM-DD
func (s *Server) SolveMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	community := r.URL.Query().Get("community")
	if community == "" {
		writeProblem(w, http.StatusBadRequest, "Missing community", "", r.URL.Path)
		return
	}
	day := r.URL.Query().Get("day")
	if day != "" {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid day", err.Error(), r.URL.Path)
			return
		}
	}
	ms := opt.GetMetrics(community, day)
	days := make([]string, 0, len(ms))
	for d := range ms {
		days = append(days, d)
	}
	sort.Strings(days)
	items := make([]map[string]any, 0, len(days))
	for _, d := range days {
		m := ms[d]
		items = append(items, map[string]any{
			"day":        d,
			"solves":     m.Solves,
			"failures":   m.Failures,
			"attempts":   m.Attempts,
			"evaluated":  m.Evaluated,
			"durationMs": m.Duration.Milliseconds(),
			"last":       m.Last,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"community": community, "items": items})
}
