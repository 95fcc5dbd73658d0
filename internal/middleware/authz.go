package middleware

import (
	"net/http"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/auth"
	"github.com/cascata/backend/internal/reqctx"
)

// CascataAuth runs the authorisation state machine for data-plane requests
// and attaches the resulting identity. Requests that match no state get 401.
// Requests without tenant context (control plane, health) pass through.
func CascataAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project, err := reqctx.Project(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		bearer, apikey := auth.ExtractCredentials(
			r.Header.Get("Authorization"), r.URL.Query().Get("token"),
			r.Header.Get("apikey"), r.URL.Query().Get("apikey"))

		identity := auth.ResolveRole(project, bearer, apikey, r.URL.Path,
			reqctx.SystemRequest(r.Context()))
		if identity == nil {
			apperr.Write(w, r, apperr.New(apperr.Unauthorized, "Unauthorized"))
			return
		}

		next.ServeHTTP(w, r.WithContext(reqctx.WithIdentity(r.Context(), identity)))
	})
}
