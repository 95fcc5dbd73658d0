package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/cascata/backend/internal/reqctx"
)

// DynamicCORS echoes the request Origin only when the project allows it.
// Projects with an empty allow-list get the development posture: loopback
// origins only. Preflights short-circuit with 200.
func DynamicCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(r, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, apikey, Prefer, Range, X-Requested-With")
		w.Header().Set("Access-Control-Expose-Headers",
			"Content-Range, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(r *http.Request, origin string) bool {
	project, err := reqctx.Project(r.Context())
	if err != nil || len(project.Meta.AllowedOrigins) == 0 {
		return isLoopbackOrigin(origin)
	}
	for _, allowed := range project.Meta.AllowedOrigins {
		if allowed.URL == origin {
			return true
		}
	}
	return false
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}
