package pooler

import (
	"net/http"

	"github.com/cascata/backend/internal/directory"
)

// Select resolves (project, method) to the pool configuration for this
// request. Routing rule: an external primary always wins; reads go to the
// replica when one exists; everything else uses the internal pooled variant.
func Select(p *directory.Project, method string) (db string, cfg PoolConfig) {
	cfg = PoolConfig{
		MaxConns:           p.Meta.PoolMaxConns,
		StatementTimeoutMs: p.Meta.StatementTimeoutMs,
	}

	switch {
	case p.Meta.ExternalPrimaryURL != "" && method == http.MethodGet && p.Meta.ReadReplicaURL != "":
		cfg.ConnString = p.Meta.ReadReplicaURL
	case p.Meta.ExternalPrimaryURL != "":
		cfg.ConnString = p.Meta.ExternalPrimaryURL
	case method == http.MethodGet && p.Meta.ReadReplicaURL != "":
		cfg.ConnString = p.Meta.ReadReplicaURL
	}

	return p.DBName, cfg
}
