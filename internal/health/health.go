// Package health serves the liveness and readiness probes of the warden.
//
// /healthz answers as long as the process serves HTTP. /readyz runs every
// registered [Checker] in parallel and answers 503 when any of them fails,
// so a load balancer stops routing games to an instance that cannot sign
// tokens or reach a provider.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the outcome of one checker in a readiness report.
type checkResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// report is the JSON body of both probes.
type report struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Uptime  string                 `json:"uptime,omitempty"`
	Checks  map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	version  string
	started  time.Time
	now      func() time.Time
}

// New returns a Handler reporting version and running checkers on each
// /readyz request.
func New(version string, checkers ...Checker) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		version:  version,
		now:      time.Now,
	}
	h.started = h.now()
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.base("ok"))
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := h.run(r.Context())

	rep := h.base("ok")
	rep.Checks = results
	status := http.StatusOK
	for name, res := range results {
		if !res.OK {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
			slog.Warn("health: readiness check failed", "check", name, "err", res.Error)
		}
	}
	writeJSON(w, status, rep)
}

// run evaluates all checkers concurrently. A failing check never cancels
// the others.
func (h *Handler) run(ctx context.Context) map[string]checkResult {
	var (
		mu      sync.Mutex
		results = make(map[string]checkResult, len(h.checkers))
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			res := checkResult{OK: true}
			if err := c.Check(cctx); err != nil {
				res = checkResult{Error: err.Error()}
			}
			mu.Lock()
			results[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Handler) base(status string) report {
	return report{
		Status:  status,
		Version: h.version,
		Uptime:  h.now().Sub(h.started).Round(time.Second).String(),
	}
}

// Register adds /healthz and /readyz to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: write response", "err", err)
	}
}
