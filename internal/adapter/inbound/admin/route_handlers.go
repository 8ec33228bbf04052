package admin

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/hostwaf/hostwaf/internal/domain/route"
)

func (h *APIHandler) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.registry.Global().ListRoutes(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if routes == nil {
		routes = []route.Route{}
	}
	h.respondJSON(w, http.StatusOK, routes)
}

func (h *APIHandler) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	got, err := h.registry.Global().GetRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, got)
}

func (h *APIHandler) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var body route.Route
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	created, err := h.registry.Global().CreateRoute(r.Context(), actorFromContext(r.Context()), body)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

func (h *APIHandler) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	var body route.Route
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	updated, err := h.registry.Global().UpdateRoute(r.Context(), actorFromContext(r.Context()), r.PathValue("id"), body)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Global().DeleteRoute(r.Context(), actorFromContext(r.Context()), r.PathValue("id")); err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}
