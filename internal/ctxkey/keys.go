// Package ctxkey defines shared context key types so adapters can exchange
// request-scoped values without import cycles.
package ctxkey

// LoggerKey carries the request-enriched *slog.Logger.
type LoggerKey struct{}

// RequestIDKey carries the correlation id of the current request.
type RequestIDKey struct{}

// ActorKey carries the authenticated actor identifier on admin requests.
type ActorKey struct{}

// RoleKey carries the actor's resolved role on admin requests.
type RoleKey struct{}
