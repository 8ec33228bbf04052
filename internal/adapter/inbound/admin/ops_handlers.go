package admin

import (
	"net/http"
)

// feedRefreshRequest names the threat feed to refresh. The payload is
// stored opaquely alongside the refresh timestamp.
type feedRefreshRequest struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
}

func (h *APIHandler) handleFeedRefresh(w http.ResponseWriter, r *http.Request) {
	var body feedRefreshRequest
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.registry.Global().RefreshThreatFeed(r.Context(), actorFromContext(r.Context()), body.Name, body.Payload); err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "refreshed", "feed": body.Name})
}

func (h *APIHandler) handleEventAggregate(w http.ResponseWriter, r *http.Request) {
	if h.aggregator == nil {
		h.respondError(w, http.StatusServiceUnavailable, "event aggregation not available")
		return
	}
	if err := h.aggregator.Aggregate(r.Context()); err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "aggregated"})
}
