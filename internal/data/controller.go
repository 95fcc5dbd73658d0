// Package data is the tenant data plane: PostgREST-style CRUD, schema
// introspection, RPC, raw SQL, and the recycle bin. Every statement runs in
// a per-request transaction with the session role set, so row-level-security
// policies apply.
package data

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/auth"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/reqctx"
)

// Controller serves the tenant data plane.
type Controller struct {
	registry *pooler.Registry
	logger   *log.Logger
}

// NewController creates the data controller on top of the pool registry.
func NewController(registry *pooler.Registry) *Controller {
	return &Controller{
		registry: registry,
		logger:   log.New(log.Writer(), "[DATA] ", log.LstdFlags),
	}
}

// inTx acquires a connection from the request's pool, begins a transaction,
// applies the RLS role, runs fn and commits. A pool-level acquire failure
// invalidates the registry entry so the next request rebuilds it.
func (c *Controller) inTx(ctx context.Context, id *auth.Identity, fn func(tx pgx.Tx) error) error {
	pool, err := reqctx.Pool(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "no pool selected", err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, c.registry.AcquireTimeout())
	conn, err := pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		if key := reqctx.PoolKey(ctx); key != "" {
			c.registry.Invalidate(key)
		}
		return apperr.Wrap(apperr.BadGateway, "tenant database unreachable", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.BadGateway, "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := applyRole(ctx, tx, id); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// applyRole sets the session role (scoped to the transaction) and, for
// authenticated users, the JWT claims GUC that RLS policies read.
func applyRole(ctx context.Context, tx pgx.Tx, id *auth.Identity) error {
	role := auth.RoleAnon
	if id != nil {
		role = id.Role
	}
	// Role names come from a closed set; never from user input.
	if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+string(role)); err != nil {
		return apperr.Wrap(apperr.BadGateway, "set session role", err)
	}
	if id != nil && id.Role == auth.RoleAuthenticated && id.Claims != nil {
		raw, err := json.Marshal(id.Claims)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "encode claims", err)
		}
		if _, err := tx.Exec(ctx,
			`SELECT set_config('request.jwt.claims', $1, true)`, string(raw)); err != nil {
			return apperr.Wrap(apperr.BadGateway, "set claims", err)
		}
	}
	return nil
}

// rowsToMaps materialises a pgx result set as JSON-friendly maps.
func rowsToMaps(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			row[f.Name] = normalizeDBValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeDBValue keeps pgx-specific types out of JSON responses.
func normalizeDBValue(v interface{}) interface{} {
	switch t := v.(type) {
	case [16]byte: // uuid
		return pgxUUIDString(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}

func pgxUUIDString(b [16]byte) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 36)
	p := 0
	for i, c := range b {
		if i == 4 || i == 6 || i == 8 || i == 10 {
			buf[p] = '-'
			p++
		}
		buf[p] = hexdigits[c>>4]
		buf[p+1] = hexdigits[c&0x0f]
		p += 2
	}
	return string(buf)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// identityOr401 loads the identity from the context.
func identityOr401(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, err := reqctx.Identity(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.Unauthorized, "Unauthorized"))
		return nil, false
	}
	return id, true
}

// requireService gates service-role-only endpoints.
func requireService(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := identityOr401(w, r)
	if !ok {
		return nil, false
	}
	if id.Role != auth.RoleService {
		apperr.Write(w, r, apperr.New(apperr.Forbidden, "service role required"))
		return nil, false
	}
	return id, true
}

// requireAdmin gates admin-only endpoints.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := identityOr401(w, r)
	if !ok {
		return nil, false
	}
	if !id.Admin {
		apperr.Write(w, r, apperr.New(apperr.Forbidden, "admin required"))
		return nil, false
	}
	return id, true
}
