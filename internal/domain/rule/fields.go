package rule

import (
	"strings"

	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

// FieldMap is the flat, read-only projection of a request over the dotted
// field vocabulary. Absent attributes have no key; predicates on unknown
// fields behave as absent (false except for is_null).
type FieldMap map[string]any

// Field name prefixes and derived names of the closed vocabulary.
const (
	FieldMethod          = "request.method"
	FieldURL             = "request.url"
	fieldHeaderPrefix    = "request.headers."
	fieldMetaPrefix      = "request.cf."
	FieldPath            = "derived.uri.path"
	FieldQueryString     = "derived.uri.query.string"
	FieldQueryParamCount = "derived.uri.query.param_count"
	FieldHasBody         = "derived.body.has_body"
	FieldThreatScore     = "request.cf.threatScore"
)

// HeaderField returns the projected field name for a request header.
func HeaderField(name string) string {
	return fieldHeaderPrefix + strings.ToLower(name)
}

// Project flattens a request into its field map. Meta attributes are copied
// under their canonical dotted names; headers under request.headers.<name>;
// URI and body facts are derived from the parsed URL. A missing threat score
// is normalized to 0 so numeric comparisons behave; every other absent
// attribute stays absent.
func Project(r *waf.Request) FieldMap {
	m := make(FieldMap, len(r.Meta)+len(r.Headers)+8)

	for k, v := range r.Meta {
		m[k] = v
	}

	m[FieldMethod] = r.Method
	if r.URL != nil {
		m[FieldURL] = r.URL.String()
		m[FieldPath] = r.URL.Path
		m[FieldQueryString] = r.URL.RawQuery
		m[FieldQueryParamCount] = countQueryParams(r.URL.RawQuery)
	}

	for name, value := range r.Headers {
		m[fieldHeaderPrefix+name] = value
	}

	m[FieldHasBody] = hasBody(r.Headers)

	if _, ok := m[FieldThreatScore]; !ok {
		m[FieldThreatScore] = 0
	}

	return m
}

// countQueryParams counts key=value pairs in a raw query string. Empty
// segments produced by stray separators are not counted.
func countQueryParams(rawQuery string) int {
	if rawQuery == "" {
		return 0
	}
	n := 0
	for _, seg := range strings.FieldsFunc(rawQuery, func(r rune) bool { return r == '&' || r == ';' }) {
		if seg != "" {
			n++
		}
	}
	return n
}

// hasBody reports whether the request carries a body: content-length > 0
// or a chunked transfer-encoding.
func hasBody(h waf.Headers) bool {
	if te, ok := h.Get("transfer-encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return true
	}
	if cl, ok := h.Get("content-length"); ok {
		cl = strings.TrimSpace(cl)
		return cl != "" && cl != "0"
	}
	return false
}
