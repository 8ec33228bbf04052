// Package origin forwards admitted requests to their route's configured
// origin, either a named service binding or a literal upstream URL.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hostwaf/hostwaf/internal/domain/route"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
	"github.com/hostwaf/hostwaf/internal/service"
)

// Dispatcher proxies requests to origins. Service-typed origins resolve
// through the bindings table; url-typed origins use the route's URL
// directly.
type Dispatcher struct {
	transport http.RoundTripper
	bindings  map[string]*url.URL
	logger    *slog.Logger
}

var _ service.OriginDispatcher = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTransport overrides the upstream round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) { d.transport = rt }
}

// NewDispatcher builds a dispatcher. Bindings map service names to base
// URLs; unparseable bindings are rejected.
func NewDispatcher(bindings map[string]string, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		transport: defaultTransport(),
		bindings:  make(map[string]*url.URL, len(bindings)),
		logger:    logger,
	}
	for name, raw := range bindings {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("service binding %q -> %q: %w", name, raw, waf.ErrInvalidInput)
		}
		d.bindings[name] = u
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// Dispatch streams the request to the route's origin. Configuration
// problems (unknown binding, malformed URL) return ErrInvalidInput before
// anything is written; transport failures answer 502/504 directly and
// return nil.
func (d *Dispatcher) Dispatch(ctx context.Context, rt *route.Route, w http.ResponseWriter, r *http.Request) error {
	target, err := d.resolve(rt)
	if err != nil {
		return err
	}

	upstream := d.buildUpstreamRequest(ctx, r, target)
	resp, err := d.transport.RoundTrip(upstream)
	if err != nil {
		d.logger.Warn("origin request failed",
			"route", rt.ID,
			"target", target.String(),
			"error", err,
		)
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "origin timeout", http.StatusGatewayTimeout)
		} else {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		return nil
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		d.logger.Debug("origin body copy interrupted", "route", rt.ID, "error", err)
	}
	return nil
}

// resolve maps the route's origin configuration to a base URL.
func (d *Dispatcher) resolve(rt *route.Route) (*url.URL, error) {
	switch rt.OriginType {
	case route.OriginService:
		u, ok := d.bindings[rt.OriginServiceName]
		if !ok {
			return nil, fmt.Errorf("no binding for service %q: %w", rt.OriginServiceName, waf.ErrInvalidInput)
		}
		return u, nil
	case route.OriginURL:
		u, err := url.Parse(rt.OriginURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("origin url %q: %w", rt.OriginURL, waf.ErrInvalidInput)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("origin type %q: %w", rt.OriginType, waf.ErrInvalidInput)
	}
}

// buildUpstreamRequest rebuilds the inbound request against the target,
// preserving path and query, adding forwarding headers, and stripping
// hop-by-hop headers.
func (d *Dispatcher) buildUpstreamRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	targetURL.RawQuery = r.URL.RawQuery

	upstream := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	upstream.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		upstream.Header[k] = append([]string(nil), vv...)
	}

	if clientIP := clientAddr(r); clientIP != "" {
		if prior := upstream.Header.Get("X-Forwarded-For"); prior != "" {
			upstream.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			upstream.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		upstream.Header.Set("X-Forwarded-Proto", "https")
	} else {
		upstream.Header.Set("X-Forwarded-Proto", "http")
	}
	upstream.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(upstream.Header)
	return upstream
}

func clientAddr(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}
