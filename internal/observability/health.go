package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer exposes /healthz, /readyz and optionally /metrics.
type HealthServer struct {
	ready     atomic.Bool
	pipelines func() int
	gatherer  prometheus.Gatherer
}

// NewHealthServer creates a new health server. When gatherer is non-nil the
// handler also serves /metrics from it.
func NewHealthServer(gatherer prometheus.Gatherer) *HealthServer {
	return &HealthServer{gatherer: gatherer}
}

// SetReady marks the simulator as started.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// ReportPipelines makes /readyz include the number of running pipelines.
func (h *HealthServer) ReportPipelines(count func() int) {
	h.pipelines = count
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "not ready"}
	code := http.StatusServiceUnavailable
	if h.ready.Load() {
		body["status"] = "ready"
		code = http.StatusOK
	}
	if h.pipelines != nil {
		body["pipelines"] = h.pipelines()
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
