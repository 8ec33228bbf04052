package route

import "strings"

// Match resolves an incoming host against the route list. An exact host
// match always wins. Otherwise the enabled wildcard route with the longest
// matching suffix wins, so "*.a.ex.com" beats "*.ex.com" for "b.a.ex.com".
// Only left-anchored "*." wildcards are supported; a wildcard does not
// match its bare suffix ("*.ex.com" does not match "ex.com"). Returns nil
// when no route matches.
func Match(host string, routes []Route) *Route {
	host = strings.ToLower(host)

	var best *Route
	bestSuffix := -1

	for i := range routes {
		r := &routes[i]
		if !r.Enabled {
			continue
		}
		pattern := strings.ToLower(r.IncomingHost)

		if pattern == host {
			return r
		}

		if suffix, ok := wildcardSuffix(pattern); ok {
			if strings.HasSuffix(host, "."+suffix) && len(suffix) > bestSuffix {
				best = r
				bestSuffix = len(suffix)
			}
		}
	}

	return best
}

// wildcardSuffix extracts the suffix of a left-anchored wildcard pattern.
// Embedded wildcards are not supported and yield no match.
func wildcardSuffix(pattern string) (string, bool) {
	if !strings.HasPrefix(pattern, "*.") {
		return "", false
	}
	suffix := pattern[2:]
	if suffix == "" || strings.Contains(suffix, "*") {
		return "", false
	}
	return suffix, true
}
