// Package health reports whether the capture backend can take traffic.
//
// Liveness (`/healthz`) only says the process is up and serving HTTP.
// Readiness (`/readyz`) answers 200 only while every registered backing
// service (Redis fabric, Postgres store) responds: a gateway that cannot
// persist audio should not accept recordings.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds one dependency check during a readiness request.
const checkTimeout = 2 * time.Second

// Check pings one backing service. Nil means the service answered.
type Check func(ctx context.Context) error

// Handler serves the liveness and readiness endpoints. Register dependencies
// with Depend before mounting; the handler is immutable afterwards.
type Handler struct {
	version string
	started time.Time
	names   []string
	checks  map[string]Check
}

// New returns a handler reporting the given build version on liveness.
func New(version string) *Handler {
	return &Handler{
		version: version,
		started: time.Now(),
		checks:  map[string]Check{},
	}
}

// Depend registers a named backing service. Returns h for chaining.
func (h *Handler) Depend(name string, c Check) *Handler {
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = c
	return h
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

type liveness struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Healthz reports the process is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveness{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// checkResult is one dependency's outcome in the readiness response.
type checkResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type readiness struct {
	Ready        bool                   `json:"ready"`
	Dependencies map[string]checkResult `json:"dependencies"`
}

// Readyz checks every dependency concurrently and answers 503 until all of
// them pass. Each check gets its own deadline so one stuck service cannot
// stall the whole response.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		deps  = make(map[string]checkResult, len(h.checks))
		ready = true
	)
	for _, name := range h.names {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := check(ctx)
			res := checkResult{OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Error = err.Error()
			}

			mu.Lock()
			deps[name] = res
			if err != nil {
				ready = false
			}
			mu.Unlock()
		}(name, h.checks[name])
	}
	wg.Wait()

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readiness{Ready: ready, Dependencies: deps})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
