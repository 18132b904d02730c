package httpmiddleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSConfig configures CORS.
type CORSConfig struct {
	// Origins allowed for cross-origin requests. Empty or "*" allows any
	// origin; with AllowCredentials the request origin is echoed instead.
	Origins          []string
	AllowCredentials bool
	// MaxAge is how long browsers may cache a preflight answer.
	MaxAge time.Duration
}

const (
	corsMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	corsExpose  = RequestIDHeader
)

// CORS answers preflight requests and decorates cross-origin responses.
// Disallowed origins get no CORS headers, so browsers block them.
func CORS(cfg CORSConfig) Middleware {
	allowAny := len(cfg.Origins) == 0
	allowed := make(map[string]struct{}, len(cfg.Origins))
	for _, o := range cfg.Origins {
		if o == "*" {
			allowAny = true
			continue
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	echo := !allowAny || cfg.AllowCredentials
	maxAge := strconv.Itoa(int(cfg.MaxAge / time.Second))

	allowOrigin := func(origin string) (string, bool) {
		if allowAny {
			if echo {
				return origin, true
			}
			return "*", true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return origin, ok
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if echo {
				h.Add("Vary", "Origin")
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			value, ok := allowOrigin(origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if preflight {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
			}
			if ok {
				h.Set("Access-Control-Allow-Origin", value)
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if !preflight {
				if ok {
					h.Set("Access-Control-Expose-Headers", corsExpose)
				}
				next.ServeHTTP(w, r)
				return
			}

			if ok {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
					h.Set("Access-Control-Allow-Headers", req)
				}
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", maxAge)
				}
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
