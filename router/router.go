// Package router registers the ops-only HTTP surface using vanilla
// net/http (Go 1.22+ method-pattern mux): liveness/readiness probes,
// Prometheus metrics, and the WebSocket upgrade endpoint. Queue mutation
// is WSGateway's job exclusively — this package never mutates state.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queuemesh/hybridqueue/wsgateway"
)

// Pinger verifies store connectivity for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds every dependency the ops router needs.
type Deps struct {
	Store   Pinger
	Gateway *wsgateway.Gateway
}

// New builds the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("GET /readyz", readyz(d))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", d.Gateway.HandleConnect)

	return mux
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readyz pings the store with a short timeout: a hung store should fail
// the probe quickly rather than let the request queue up behind it.
func readyz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unready", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
