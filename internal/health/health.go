// Package health serves the gateway's liveness and readiness probes.
//
// GET /healthz always answers 200 while the process can serve HTTP.
// GET /readyz answers 200 only when the gateway is not draining and every
// registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok", "fail" or
// "draining") and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency is
// usable.
type Checker struct {
	// Name appears as a key in the JSON response, e.g. "backend" or "config".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status      string            `json:"status"`
	Connections int64             `json:"connections,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
	conns    func() int64
}

// New creates a [Handler] that evaluates the given checkers sequentially on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the gateway as shutting down. While draining, /readyz
// answers 503 so load balancers stop routing new devices here.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Draining reports whether SetDraining(true) was called.
func (h *Handler) Draining() bool { return h.draining.Load() }

// ReportConnections makes /readyz include the value returned by fn as the
// number of open device connections.
func (h *Handler) ReportConnections(fn func() int64) { h.conns = fn }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe. Each checker gets its own [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok"}
	if h.conns != nil {
		res.Connections = h.conns()
	}
	if h.draining.Load() {
		res.Status = "draining"
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}

	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}
	res.Checks = checks

	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
