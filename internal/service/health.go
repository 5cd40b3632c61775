package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/cdc"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/egress"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
)

// healthServer exposes /healthz (liveness: the process is up and
// serving) and /readyz (readiness: the CDC slot is streaming and the
// egress circuit is not open), plus /metrics for Prometheus scraping.
// Grounded on the net/http.ServeMux + plain handler-func idiom used for
// health/readiness probes across the pack (no router library appears in
// any example's go.mod for anything this small).
type healthServer struct {
	addr        string
	cdcListener *cdc.Listener
	egress      *egress.Client
}

func newHealthServer(addr string, cdcListener *cdc.Listener, egressClient *egress.Client) *healthServer {
	return &healthServer{addr: addr, cdcListener: cdcListener, egress: egressClient}
}

func (h *healthServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthzHandler)
	mux.HandleFunc("/readyz", h.readyzHandler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: h.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

const shutdownTimeout = 5 * time.Second

func (h *healthServer) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readyzHandler reports degraded when the CDC slot has not reached
// streaming state or the egress circuit breaker is open, per §7's
// user-visible readiness contract.
func (h *healthServer) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	reasons := []string{}
	if h.cdcListener != nil {
		if state := h.cdcListener.State(); state != cdc.StateStreaming {
			reasons = append(reasons, "cdc_not_streaming:"+string(state))
		}
	}
	if h.egress != nil {
		if state := h.egress.BreakerState(); state == egress.BreakerOpen {
			reasons = append(reasons, "egress_circuit_open")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(reasons) > 0 {
		logger.For(logger.ComponentService).Debugw("readyz degraded", "reasons", reasons)
		w.WriteHeader(http.StatusServiceUnavailable)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "degraded", "reasons": reasons})
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
