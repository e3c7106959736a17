package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edoras/edoras/pkg/logx"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Router builds the admin HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	r.Get("/events", s.EventsHandler)
	r.Get("/ws", s.HandleWebSocket)

	return r
}

// HealthHandler serves registry sizes and uptime
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	_, noJournal := s.journal.(nopJournal)

	uptime := int64(0)
	if !s.startTime.IsZero() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  uptime,
		"registry":        s.registry.Stats(),
		"journal_enabled": !noJournal,
		"username_policy": s.cfg.UsernamePolicy,
	})
}

// EventsHandler serves the most recent journal events (?limit=N)
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.journal.RecentEvents(limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to list journal events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode JSON response")
	}
}
