// AngelaMos | 2026
// handler.go

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

const checkTimeout = 3 * time.Second

const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusUnavailable  = "unavailable"
	StatusShuttingDown = "shutting_down"
)

type Checker interface {
	Ping(ctx context.Context) error
}

// Dependency is a backing service checked by /readyz. Critical marks the
// stores that every refresh or session check needs; when one fails the
// instance reports itself unavailable. A failing non-critical dependency
// only degrades the instance.
type Dependency struct {
	Name     string
	Checker  Checker
	Critical bool
}

type Handler struct {
	deps     []Dependency
	shutdown atomic.Bool
}

func NewHandler(deps ...Dependency) *Handler {
	return &Handler{deps: deps}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Liveness)
	r.Get("/livez", h.Liveness)
	r.Get("/readyz", h.Readiness)
}

// SetShutdown flips both endpoints to 503 so the load balancer drains the
// instance before the server stops accepting connections.
func (h *Handler) SetShutdown(shutdown bool) {
	h.shutdown.Store(shutdown)
}

func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	if h.shutdown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: StatusShuttingDown})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: StatusOK})
}

func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.shutdown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: StatusShuttingDown})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	checks := h.check(ctx)

	resp := ReadinessResponse{Status: StatusOK, Checks: checks}
	for _, c := range checks {
		switch {
		case c.Healthy:
		case c.Critical:
			resp.Status = StatusUnavailable
		case resp.Status == StatusOK:
			resp.Status = StatusDegraded
		}
	}

	code := http.StatusOK
	if resp.Status == StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) check(ctx context.Context) []CheckResult {
	results := make([]CheckResult, len(h.deps))

	var wg sync.WaitGroup
	for i, dep := range h.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checkDependency(ctx, dep)
		}()
	}
	wg.Wait()

	return results
}

func checkDependency(ctx context.Context, dep Dependency) CheckResult {
	result := CheckResult{Name: dep.Name, Critical: dep.Critical}

	if dep.Checker == nil {
		result.Message = "not configured"
		return result
	}

	start := time.Now()
	err := dep.Checker.Ping(ctx)
	result.Latency = time.Since(start).Round(time.Microsecond).String()

	if err != nil {
		result.Message = "unreachable"
		return result
	}

	result.Healthy = true
	return result
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // best-effort response
	_ = json.NewEncoder(w).Encode(body)
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ReadinessResponse struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

type CheckResult struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	Healthy  bool   `json:"healthy"`
	Latency  string `json:"latency,omitempty"`
	Message  string `json:"message,omitempty"`
}
