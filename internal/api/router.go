package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ascpixi/ai-warden/internal/health"
	"github.com/ascpixi/ai-warden/internal/observe"
)

// NewRouter assembles the public router: game routes, health probes and,
// when metrics is non-nil, the Prometheus scrape endpoint. Every route is
// instrumented with m.
func NewRouter(s *Server, h *health.Handler, m *observe.Metrics, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(observe.Middleware(m))
	s.Register(r)
	h.Register(r)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}
