package admin

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

func (h *APIHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	store, err := h.tenantStore(r.Context(), r.PathValue("context"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	rules, err := store.ListRules(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if rules == nil {
		rules = []rule.Rule{}
	}
	h.respondJSON(w, http.StatusOK, rules)
}

func (h *APIHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	store, err := h.tenantStore(r.Context(), r.PathValue("context"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	got, err := store.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, got)
}

func (h *APIHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	store, err := h.tenantStore(r.Context(), r.PathValue("context"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	var body rule.Rule
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	created, err := store.CreateRule(r.Context(), actorFromContext(r.Context()), body)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

func (h *APIHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	store, err := h.tenantStore(r.Context(), r.PathValue("context"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	var body rule.Rule
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if body.ID != "" && body.ID != id {
		h.respondDomainError(w, fmt.Errorf("body id %q does not match path: %w", body.ID, waf.ErrInvalidInput))
		return
	}
	body.ID = id
	updated, err := store.UpdateRule(r.Context(), actorFromContext(r.Context()), id, body)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	store, err := h.tenantStore(r.Context(), r.PathValue("context"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if err := store.DeleteRule(r.Context(), actorFromContext(r.Context()), r.PathValue("id")); err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

// reorderRequest carries the full enabled-rule ordering, first to last.
type reorderRequest struct {
	IDs []string `json:"ids"`
}

func (h *APIHandler) handleReorderRules(w http.ResponseWriter, r *http.Request) {
	store, err := h.tenantStore(r.Context(), r.PathValue("context"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	var body reorderRequest
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := store.Reorder(r.Context(), actorFromContext(r.Context()), body.IDs); err != nil {
		h.respondDomainError(w, err)
		return
	}
	rules, err := store.ListRules(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, rules)
}
