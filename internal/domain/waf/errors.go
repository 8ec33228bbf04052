package waf

import "errors"

// Error kinds for the configuration surface and the pipeline. Handlers map
// these onto HTTP status codes; store and service code wraps them with
// fmt.Errorf("...: %w", ...) so callers can test with errors.Is.
var (
	// ErrInvalidInput indicates a schema violation, unknown field, or a
	// priority outside the permitted range.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates an unknown rule, route, or error page id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a priority collision or duplicate host.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized indicates a missing administrator session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates an authenticated actor with insufficient role.
	ErrForbidden = errors.New("forbidden")
	// ErrUpstream indicates the origin was unreachable or misconfigured.
	ErrUpstream = errors.New("upstream error")
	// ErrTimeout indicates the request deadline expired at a suspension point.
	ErrTimeout = errors.New("timeout")
	// ErrInternal indicates a persistence failure.
	ErrInternal = errors.New("internal error")
)
