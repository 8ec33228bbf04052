package admin

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/hostwaf/hostwaf/internal/domain/route"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

func (h *APIHandler) handleListErrorPages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.registry.Global().ListErrorPages(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if pages == nil {
		pages = []route.ErrorPage{}
	}
	h.respondJSON(w, http.StatusOK, pages)
}

func (h *APIHandler) handleUpsertErrorPage(w http.ResponseWriter, r *http.Request) {
	code, err := pathCode(r)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	var body route.ErrorPage
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	body.HTTPCode = code
	if err := h.registry.Global().UpsertErrorPage(r.Context(), actorFromContext(r.Context()), body); err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, body)
}

func (h *APIHandler) handleDeleteErrorPage(w http.ResponseWriter, r *http.Request) {
	code, err := pathCode(r)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if err := h.registry.Global().DeleteErrorPage(r.Context(), actorFromContext(r.Context()), code); err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

func pathCode(r *http.Request) (int, error) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil {
		return 0, fmt.Errorf("status code %q: %w", r.PathValue("code"), waf.ErrInvalidInput)
	}
	return code, nil
}
