// Package admin provides the JSON configuration API: rule and route CRUD
// per tenant context, error pages, and operational endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hostwaf/hostwaf/internal/domain/audit"
	"github.com/hostwaf/hostwaf/internal/domain/event"
	"github.com/hostwaf/hostwaf/internal/domain/route"
	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
	"github.com/hostwaf/hostwaf/internal/service"
)

// AuditReader exposes the recent audit tail for the admin API.
type AuditReader interface {
	Recent(n int) []audit.Record
}

// EventReader exposes the recent decision-event tail for the admin API.
type EventReader interface {
	Recent(n int) []event.Record
}

// APIHandler serves the configuration API. All mutations go through the
// tenant stores so caching, audit, and admission-rule coupling hold.
type APIHandler struct {
	registry    *service.Registry
	auditReader AuditReader
	eventReader EventReader
	aggregator  event.Aggregator
	logger      *slog.Logger
	version     string
	startTime   time.Time
}

// APIOption configures an APIHandler dependency.
type APIOption func(*APIHandler)

// WithAuditReader sets the audit tail reader.
func WithAuditReader(r AuditReader) APIOption {
	return func(h *APIHandler) { h.auditReader = r }
}

// WithEventReader sets the decision-event tail reader.
func WithEventReader(r EventReader) APIOption {
	return func(h *APIHandler) { h.eventReader = r }
}

// WithAggregator sets the event aggregator invoked by the ops endpoint.
func WithAggregator(a event.Aggregator) APIOption {
	return func(h *APIHandler) { h.aggregator = a }
}

// WithVersion sets the version reported by the system endpoint.
func WithVersion(v string) APIOption {
	return func(h *APIHandler) { h.version = v }
}

// NewAPIHandler creates the admin API handler.
func NewAPIHandler(registry *service.Registry, logger *slog.Logger, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		registry:  registry,
		logger:    logger,
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler returns the admin API routes wrapped in the actor middleware.
// Reads admit viewers; writes require the administrator role.
func (h *APIHandler) Handler() http.Handler {
	mux := http.NewServeMux()

	// Rule CRUD, per tenant context ("global" or a route id).
	mux.HandleFunc("GET /api/v1/contexts/{context}/rules", h.handleListRules)
	mux.HandleFunc("POST /api/v1/contexts/{context}/rules", h.handleCreateRule)
	mux.HandleFunc("GET /api/v1/contexts/{context}/rules/{id}", h.handleGetRule)
	mux.HandleFunc("PUT /api/v1/contexts/{context}/rules/{id}", h.handleUpdateRule)
	mux.HandleFunc("DELETE /api/v1/contexts/{context}/rules/{id}", h.handleDeleteRule)
	mux.HandleFunc("POST /api/v1/contexts/{context}/rules/reorder", h.handleReorderRules)

	// Shapes consumed by the admin UI: the global tenant by name and route
	// rules nested under their route.
	mux.HandleFunc("GET /api/global/config", h.handleGlobalConfig)
	mux.HandleFunc("GET /api/global/rules", h.asContext("global", h.handleListRules))
	mux.HandleFunc("POST /api/global/rules", h.asContext("global", h.handleCreateRule))
	mux.HandleFunc("GET /api/global/rules/{id}", h.asContext("global", h.handleGetRule))
	mux.HandleFunc("PUT /api/global/rules/{id}", h.asContext("global", h.handleUpdateRule))
	mux.HandleFunc("DELETE /api/global/rules/{id}", h.asContext("global", h.handleDeleteRule))
	mux.HandleFunc("GET /api/routes/{route_id}/rules", h.asRouteContext(h.handleListRules))
	mux.HandleFunc("POST /api/routes/{route_id}/rules", h.asRouteContext(h.handleCreateRule))
	mux.HandleFunc("GET /api/routes/{route_id}/rules/{id}", h.asRouteContext(h.handleGetRule))
	mux.HandleFunc("PUT /api/routes/{route_id}/rules/{id}", h.asRouteContext(h.handleUpdateRule))
	mux.HandleFunc("DELETE /api/routes/{route_id}/rules/{id}", h.asRouteContext(h.handleDeleteRule))

	// Route directory.
	mux.HandleFunc("GET /api/v1/routes", h.handleListRoutes)
	mux.HandleFunc("POST /api/v1/routes", h.handleCreateRoute)
	mux.HandleFunc("GET /api/v1/routes/{id}", h.handleGetRoute)
	mux.HandleFunc("PUT /api/v1/routes/{id}", h.handleUpdateRoute)
	mux.HandleFunc("DELETE /api/v1/routes/{id}", h.handleDeleteRoute)

	// Error pages.
	mux.HandleFunc("GET /api/v1/error-pages", h.handleListErrorPages)
	mux.HandleFunc("PUT /api/v1/error-pages/{code}", h.handleUpsertErrorPage)
	mux.HandleFunc("DELETE /api/v1/error-pages/{code}", h.handleDeleteErrorPage)

	// Observability tails.
	mux.HandleFunc("GET /api/v1/audit", h.handleRecentAudit)
	mux.HandleFunc("GET /api/v1/events", h.handleRecentEvents)
	mux.HandleFunc("GET /api/v1/system", h.handleSystemInfo)

	// Operational endpoints.
	mux.HandleFunc("POST /ops/feeds/refresh", h.handleFeedRefresh)
	mux.HandleFunc("POST /ops/events/aggregate", h.handleEventAggregate)

	return h.actorMiddleware(mux)
}

// asContext pins the tenant context for path shapes that name the tenant
// outside a {context} segment.
func (h *APIHandler) asContext(tenant string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.SetPathValue("context", tenant)
		next(w, r)
	}
}

// asRouteContext dispatches nested route-rule paths to the owning route's
// tenant store.
func (h *APIHandler) asRouteContext(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.SetPathValue("context", r.PathValue("route_id"))
		next(w, r)
	}
}

// handleGlobalConfig returns the global store in one snapshot payload:
// its ruleset, the route directory, and the error pages.
func (h *APIHandler) handleGlobalConfig(w http.ResponseWriter, r *http.Request) {
	g := h.registry.Global()
	rules, err := g.ListRules(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	routes, err := g.ListRoutes(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	pages, err := g.ListErrorPages(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if rules == nil {
		rules = []rule.Rule{}
	}
	if routes == nil {
		routes = []route.Route{}
	}
	if pages == nil {
		pages = []route.ErrorPage{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"rules":       rules,
		"routes":      routes,
		"error_pages": pages,
	})
}

// tenantStore resolves a context path segment to its tenant store.
func (h *APIHandler) tenantStore(ctx context.Context, tenant string) (*service.TenantStore, error) {
	if tenant == "global" {
		return h.registry.Global().TenantStore, nil
	}
	return h.registry.Route(ctx, tenant)
}

// respondJSON writes a JSON response with the given status code.
func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Error("encode response", "error", err)
		}
	}
}

// respondError writes a JSON error body with the given status.
func (h *APIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps the domain error taxonomy onto HTTP statuses.
func (h *APIHandler) respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, waf.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, waf.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, waf.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, waf.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, waf.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, waf.ErrUpstream):
		status = http.StatusBadGateway
	case errors.Is(err, waf.ErrTimeout):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("admin API internal error", "error", err)
		h.respondError(w, status, "internal error")
		return
	}
	h.respondError(w, status, err.Error())
}

// decodeJSON reads a request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// handleSystemInfo reports version and uptime.
func (h *APIHandler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// handleRecentAudit returns the newest audit records.
func (h *APIHandler) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditReader == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit log not available")
		return
	}
	h.respondJSON(w, http.StatusOK, h.auditReader.Recent(recentLimit(r)))
}

// handleRecentEvents returns the newest decision events.
func (h *APIHandler) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.eventReader == nil {
		h.respondError(w, http.StatusServiceUnavailable, "event log not available")
		return
	}
	h.respondJSON(w, http.StatusOK, h.eventReader.Recent(recentLimit(r)))
}

func recentLimit(r *http.Request) int {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return limit
}
