// Package health serves the liveness and readiness probes for an ingestion
// run. They ride on the metrics listener: an overnight batch over a whole
// channel backlog runs unattended, and the supervisor needs to tell a wedged
// process from one that merely lost its database.
//
// /healthz answers 200 whenever the process serves HTTP. /readyz evaluates
// the registered [Checker] functions (Postgres, embedding providers) and
// answers 503 as soon as one fails. Both reply with a JSON "status" field and
// /readyz adds a per-checker "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one readiness check. A hung dependency must not hold
// the probe response hostage.
const checkTimeout = 5 * time.Second

// Checker probes one dependency under the readiness endpoint. Check returns
// nil while the dependency is usable; the name keys the JSON response.
type Checker struct {
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both probe endpoints. The checker list is fixed at
// construction, so the handler needs no locking.
type Handler struct {
	checkers []Checker
}

// New builds a Handler that runs the given checkers, in order, on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz answers 200 unconditionally. Reaching this handler is the liveness
// signal.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker under its own checkTimeout deadline and reports
// 503 with the failing checks named when any of them errors.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
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

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register mounts both probe routes on mux.
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
