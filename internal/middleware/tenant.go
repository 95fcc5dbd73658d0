package middleware

import (
	"net/http"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/auth"
	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/reqctx"
)

// TenantResolver resolves the tenant for data-plane requests, selects the
// pool variant for this request (primary/replica/external) and injects both
// into the context. Control paths pass through untouched.
func TenantResolver(resolver *directory.Resolver, registry *pooler.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, _ := auth.ExtractCredentials(
				r.Header.Get("Authorization"), r.URL.Query().Get("token"),
				r.Header.Get("apikey"), r.URL.Query().Get("apikey"))

			res, err := resolver.Resolve(r.Context(), r.Host, r.URL.Path, bearer)
			if err != nil {
				apperr.Write(w, r, err)
				return
			}

			ctx := r.Context()
			if res.SystemRequest {
				ctx = reqctx.WithSystemRequest(ctx)
			}
			if res.Bypass || res.Project == nil {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			db, cfg := pooler.Select(res.Project, r.Method)
			pool, err := registry.Get(ctx, db, cfg)
			if err != nil {
				apperr.Write(w, r, apperr.Wrap(apperr.BadGateway, "tenant database unreachable", err))
				return
			}

			ctx = reqctx.WithProject(ctx, res.Project)
			ctx = reqctx.WithPool(ctx, pool, pooler.Key(db, cfg))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
