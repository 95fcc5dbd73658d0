// Package middleware implements the ordered request pipeline: security
// headers, tenant resolution, CORS, host guard, firewall, authorisation,
// body limit and rate limit. Each stage may short-circuit.
package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/reqctx"
)

// SecurityHeaders sets conservative response headers and strips anything
// that identifies the server.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the originating address, preferring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HostGuard hides the control plane: requests with no tenant context whose
// public host is not the configured system hostname receive a bare 404.
func HostGuard(systemHostname string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := reqctx.Project(r.Context()); err == nil {
				next.ServeHTTP(w, r)
				return
			}

			host := r.Host
			if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
				host = h
			}
			if host != systemHostname && !isLocalHost(host) {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast())
}

// Firewall rejects control-plane requests scoped to a slug when the client
// IP is on that project's blocklist.
func Firewall(store *directory.Store) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[FIREWALL] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug := controlSlug(r.URL.Path)
			if slug == "" {
				next.ServeHTTP(w, r)
				return
			}

			project, err := store.GetBySlug(r.Context(), slug)
			if err != nil || project == nil {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			for _, blocked := range project.BlockedIPs {
				if blocked == ip {
					logger.Printf("Blocked %s for project %s", ip, slug)
					apperr.Write(w, r, apperr.New(apperr.Forbidden, "address is blocked"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// controlSlug extracts the slug from /api/control/projects/{slug}/... paths.
func controlSlug(path string) string {
	const prefix = "/api/control/projects/"
	rest, found := strings.CutPrefix(path, prefix)
	if !found || rest == "" {
		return ""
	}
	slug, _, _ := strings.Cut(rest, "/")
	return slug
}
