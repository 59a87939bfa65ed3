// ABOUTME: Operational HTTP surface of a worker process: /healthz and /metrics.
// ABOUTME: Served only when METRICS_ADDR is set; the queue itself needs no HTTP.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status        string     `json:"status"`
	WorkerKey     string     `json:"worker_key"`
	ActiveJobID   int64      `json:"active_job_id,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	DB            string     `json:"db,omitempty"`
}

// OpsHandler builds the chi router exposing worker health and the metrics
// gathered by g.
func OpsHandler(w *Worker, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(w))
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}

// healthzHandler returns 200 {"status":"ok"} when the job store is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(wk *Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:      "ok",
			WorkerKey:   wk.Key(),
			ActiveJobID: wk.ActiveJobID(),
		}
		if t := wk.LastHeartbeat(); !t.IsZero() {
			resp.LastHeartbeat = &t
		}
		statusCode := http.StatusOK

		if err := wk.Store().Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}

// ServeOps serves h on addr until ctx is cancelled.
func ServeOps(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ops server started", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}
