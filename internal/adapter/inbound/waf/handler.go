// Package waf is the edge inbound adapter: it terminates client traffic,
// builds the evaluation request, and hands it to the pipeline.
package waf

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hostwaf/hostwaf/internal/domain/waf"
	"github.com/hostwaf/hostwaf/internal/service"
)

// edgeMetaHeader carries the fronting edge's signal bag as JSON, keyed by
// canonical dotted field names. Only honored when the deployment declares
// the fronting proxy trusted.
const edgeMetaHeader = "X-Edge-Meta"

// EdgeHandler converts inbound HTTP traffic into pipeline requests.
type EdgeHandler struct {
	pipeline       *service.Pipeline
	trustForwarded bool
	logger         *slog.Logger
}

// EdgeOption configures an EdgeHandler.
type EdgeOption func(*EdgeHandler)

// WithTrustedProxy trusts X-Forwarded-For and the edge meta header from
// the fronting proxy.
func WithTrustedProxy(trusted bool) EdgeOption {
	return func(h *EdgeHandler) { h.trustForwarded = trusted }
}

// NewEdgeHandler creates the edge entry handler.
func NewEdgeHandler(pipeline *service.Pipeline, logger *slog.Logger, opts ...EdgeOption) *EdgeHandler {
	h := &EdgeHandler{pipeline: pipeline, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP builds the evaluation request and runs the pipeline.
func (h *EdgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := h.buildRequest(r)
	h.pipeline.Serve(w, r, req)
}

// buildRequest projects the HTTP request into the pipeline's value object.
// Multi-valued headers keep their first value; the edge meta bag is parsed
// only from a trusted fronting proxy.
func (h *EdgeHandler) buildRequest(r *http.Request) *waf.Request {
	headers := make(waf.Headers, len(r.Header)+1)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers.Set(name, values[0])
		}
	}
	headers.Set("host", r.Host)

	meta := make(map[string]any)
	if h.trustForwarded {
		if raw := r.Header.Get(edgeMetaHeader); raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				LoggerFromContext(r.Context()).Warn("discarding malformed edge meta header", "error", err)
				meta = make(map[string]any)
			}
		}
	}

	return &waf.Request{
		Method:   r.Method,
		URL:      r.URL,
		Headers:  headers,
		Meta:     meta,
		RemoteIP: RealIP(r, h.trustForwarded),
	}
}

// NewRouter assembles the edge mux: health and metrics endpoints beside
// the catch-all firewall handler, wrapped in the middleware chain.
func NewRouter(h *EdgeHandler, m *Metrics, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", h)

	var handler http.Handler = mux
	handler = RequestIDMiddleware(logger)(handler)
	handler = MetricsMiddleware(m)(handler)
	return handler
}
