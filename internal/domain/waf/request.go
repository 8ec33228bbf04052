// Package waf contains the core domain types shared across the firewall:
// the inbound request value object and the error taxonomy.
package waf

import (
	"net/url"
	"strings"
)

// Request is the value object handed to the evaluation pipeline. The edge
// terminates TLS and populates Meta with network, geo, bot, and TLS signals;
// the core treats Meta attributes as opaque scalars.
type Request struct {
	// Method is the HTTP method (GET, POST, ...).
	Method string
	// URL is the full request URL as received.
	URL *url.URL
	// Headers holds request headers with case-insensitive lookup.
	Headers Headers
	// Meta is the open attribute bag from the edge, keyed by canonical
	// dotted field name (e.g. "request.cf.country").
	Meta map[string]any
	// RemoteIP is the client address as resolved by the edge.
	RemoteIP string
}

// Headers is a case-insensitive header map. Keys are stored lowercased.
type Headers map[string]string

// NewHeaders builds a Headers map from raw name/value pairs, lowercasing names.
func NewHeaders(raw map[string]string) Headers {
	h := make(Headers, len(raw))
	for k, v := range raw {
		h[strings.ToLower(k)] = v
	}
	return h
}

// Get returns the value for a header name, case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	v, ok := h[strings.ToLower(name)]
	return v, ok
}

// Set stores a header value under its lowercased name.
func (h Headers) Set(name, value string) {
	h[strings.ToLower(name)] = value
}

// Host returns the request host without any port suffix.
func (r *Request) Host() string {
	host, _ := r.Headers.Get("host")
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}
