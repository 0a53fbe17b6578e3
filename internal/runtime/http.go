package runtime

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/streamsink/internal/runtime/codec"
)

// Router serves /health, /metrics and /metrics/prometheus according to the
// HTTP toggles in the configuration.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if s.Conf.HTTP.HealthEnabled {
		r.Get("/health", s.handleHealth)
	}
	if s.Conf.HTTP.MetricsEnabled {
		r.Get("/metrics", s.handleMetrics)
		r.Method(http.MethodGet, "/metrics/prometheus", promhttp.HandlerFor(s.collector.Gatherer(), promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.Health(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Service) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Metrics())
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := codec.MarshalJSON(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
