package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-API-Key, X-Actor"
	// Retry-After tells a throttled betting page when to try again.
	corsExpose = "Retry-After"
)

// originMatcher holds the configured origins. An entry may be "*", an exact
// origin, or a scheme plus "*." host suffix such as "https://*.volbet.app".
type originMatcher struct {
	any      bool
	exact    map[string]bool
	suffixes []string // "https://" + ".volbet.app"
	schemes  []string
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{any: len(origins) == 0, exact: make(map[string]bool)}
	for _, o := range origins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		switch {
		case o == "*":
			m.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			m.schemes = append(m.schemes, scheme+"://")
			m.suffixes = append(m.suffixes, host)
		case o != "":
			m.exact[o] = true
		}
	}
	return m
}

func (m originMatcher) allows(origin string) bool {
	if m.any {
		return true
	}
	origin = strings.ToLower(origin)
	if m.exact[origin] {
		return true
	}
	for i, suffix := range m.suffixes {
		rest, ok := strings.CutPrefix(origin, m.schemes[i])
		if ok && strings.HasSuffix(rest, suffix) && len(rest) > len(suffix) && !strings.ContainsAny(rest, "/@") {
			return true
		}
	}
	return false
}

// CORS lets the betting front end call the API from the configured origins.
// An empty list allows any origin. Preflights from other origins are
// refused with 403; plain requests from them pass without CORS headers, so
// the browser withholds the response.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	m := newOriginMatcher(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !m.allows(origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if !preflight {
				w.Header().Set("Access-Control-Expose-Headers", corsExpose)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
