package admin

import (
	"context"
	"net/http"

	"github.com/hostwaf/hostwaf/internal/ctxkey"
)

// Roles resolved by the fronting identity layer. The gate trusts the
// resolved identity headers; authentication itself happens upstream.
const (
	RoleAdministrator = "administrator"
	RoleViewer        = "viewer"
)

// actorMiddleware extracts the resolved {actor, role} pair from the
// identity headers. Requests without an actor are rejected; reads admit
// viewers, every mutation requires the administrator role.
func (h *APIHandler) actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get("X-Actor")
		role := r.Header.Get("X-Actor-Role")

		if actor == "" {
			h.respondError(w, http.StatusUnauthorized, "actor identity required")
			return
		}
		switch role {
		case RoleAdministrator:
		case RoleViewer:
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				h.respondError(w, http.StatusForbidden, "administrator role required")
				return
			}
		default:
			h.respondError(w, http.StatusForbidden, "unknown role")
			return
		}

		ctx := context.WithValue(r.Context(), ctxkey.ActorKey{}, actor)
		ctx = context.WithValue(ctx, ctxkey.RoleKey{}, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFromContext returns the authenticated actor, or "unknown" when the
// middleware did not run (tests calling handlers directly).
func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(ctxkey.ActorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "unknown"
}
