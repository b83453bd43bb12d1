package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig is the surface the middleware needs from the server
// configuration; the concrete type lives in internal/api.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS applies the configured cross-origin headers and short-circuits
// preflight requests.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applyCORSHeaders(w, r, config)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func applyCORSHeaders(w http.ResponseWriter, r *http.Request, config CORSConfig) {
	headers := w.Header()

	if origin, ok := resolveOrigin(r.Header.Get("Origin"), config.GetAllowedOrigins()); ok {
		headers.Set("Access-Control-Allow-Origin", origin)
	}

	if methods := config.GetAllowedMethods(); len(methods) > 0 {
		headers.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	}

	if allowed := config.GetAllowedHeaders(); len(allowed) > 0 {
		headers.Set("Access-Control-Allow-Headers", strings.Join(allowed, ", "))
	}

	if maxAge := config.GetMaxAge(); maxAge > 0 {
		headers.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	}
}

// resolveOrigin picks the Access-Control-Allow-Origin value: a lone "*"
// allows any origin, otherwise the request origin must match an allowed one
// exactly.
func resolveOrigin(origin string, allowed []string) (string, bool) {
	if len(allowed) == 1 && allowed[0] == "*" {
		return "*", true
	}

	for _, candidate := range allowed {
		if origin == candidate {
			return origin, true
		}
	}

	return "", false
}
