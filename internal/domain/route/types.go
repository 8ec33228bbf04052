// Package route contains the route directory types and the host matcher.
package route

import "time"

// OriginType selects how a route's origin is addressed.
type OriginType string

const (
	// OriginService forwards to a named service binding (inter-service call).
	OriginService OriginType = "service"
	// OriginURL forwards to an upstream HTTP URL.
	OriginURL OriginType = "url"
)

// Valid reports whether t is one of the defined origin types.
func (t OriginType) Valid() bool {
	return t == OriginService || t == OriginURL
}

// Route maps an incoming host to an origin and owns a per-route tenant
// store keyed by its id. IncomingHost is an exact FQDN or a left-anchored
// wildcard of the form "*.suffix"; hosts are unique across routes.
type Route struct {
	ID                string     `json:"id"`
	IncomingHost      string     `json:"incoming_host"`
	OriginType        OriginType `json:"origin_type"`
	OriginURL         string     `json:"origin_url,omitempty"`
	OriginServiceName string     `json:"origin_service_name,omitempty"`
	Enabled           bool       `json:"enabled"`
	CreatedAt         time.Time  `json:"created_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at,omitempty"`
}

// ErrorPage is a tenant-configured block response body keyed by status code.
type ErrorPage struct {
	HTTPCode    int    `json:"http_code"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}
