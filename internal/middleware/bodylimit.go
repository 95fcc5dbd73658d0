package middleware

import (
	"net/http"
	"strings"

	"github.com/cascata/backend/internal/reqctx"
)

const (
	baseBodyLimit = 2 << 20  // 2 MiB
	bulkBodyLimit = 10 << 20 // edge functions and imports
	hardBodyLimit = 50 << 20 // absolute ceiling regardless of metadata
)

// BodyLimit caps request bodies. The base limit can be raised per project
// via metadata.security.max_json_size, never beyond the hard cap. Edge and
// import routes default higher because they carry bundles.
func BodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := int64(baseBodyLimit)
		if strings.Contains(r.URL.Path, "/edge/") || strings.Contains(r.URL.Path, "/import/") {
			limit = bulkBodyLimit
		}
		if project, err := reqctx.Project(r.Context()); err == nil {
			if custom := project.Meta.Security.MaxJSONSize; custom > 0 {
				limit = custom
			}
		}
		if limit > hardBodyLimit {
			limit = hardBodyLimit
		}

		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
