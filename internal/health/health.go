// Package health serves the gateway's liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// runs every registered [Checker] (the utterance store ping, for instance)
// and answers 503 until all of them pass, so load balancers stop routing new
// voice sessions to an instance with a broken dependency.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds each individual dependency probe.
const probeTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency can
// serve traffic and an error describing the problem otherwise; it must honor
// ctx cancellation.
type Checker struct {
	// Name labels the probe in the readiness response, e.g. "database".
	Name string

	Check func(ctx context.Context) error
}

// probeReport is the JSON body for both endpoints.
type probeReport struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers liveness and readiness probes. The checker set is fixed at
// construction; probes run concurrently on each readiness request.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New builds a [Handler] over the given dependency checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
}

// Healthz reports liveness. It never consults the checkers: a process that
// reached this handler is alive, even if a dependency is down.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeReport{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every checker with a [probeTimeout] deadline and reports 503 if
// any of them fail. Checkers run concurrently so one slow dependency does not
// mask the others within the probe window.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		ready  = true
		wg     sync.WaitGroup
	)

	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
				checks[c.Name] = "fail: " + err.Error()
				ready = false
				return
			}
			checks[c.Name] = "ok"
		})
	}
	wg.Wait()

	report := probeReport{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		report.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
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
