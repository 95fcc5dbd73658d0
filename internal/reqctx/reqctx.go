// Package reqctx carries per-request state through the middleware chain.
package reqctx

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascata/backend/internal/auth"
	"github.com/cascata/backend/internal/directory"
)

type contextKey string

const (
	projectKey  contextKey = "project"
	poolKey     contextKey = "pool"
	poolNameKey contextKey = "pool_key"
	identityKey contextKey = "identity"
	systemKey   contextKey = "system_request"
)

// WithProject attaches the resolved project.
func WithProject(ctx context.Context, p *directory.Project) context.Context {
	return context.WithValue(ctx, projectKey, p)
}

// Project extracts the resolved project.
func Project(ctx context.Context) (*directory.Project, error) {
	p, ok := ctx.Value(projectKey).(*directory.Project)
	if !ok || p == nil {
		return nil, errors.New("project context missing")
	}
	return p, nil
}

// WithPool attaches the selected tenant pool and its registry key.
func WithPool(ctx context.Context, pool *pgxpool.Pool, key string) context.Context {
	ctx = context.WithValue(ctx, poolKey, pool)
	return context.WithValue(ctx, poolNameKey, key)
}

// Pool extracts the selected tenant pool.
func Pool(ctx context.Context) (*pgxpool.Pool, error) {
	p, ok := ctx.Value(poolKey).(*pgxpool.Pool)
	if !ok || p == nil {
		return nil, errors.New("pool context missing")
	}
	return p, nil
}

// PoolKey extracts the registry key of the selected pool.
func PoolKey(ctx context.Context) string {
	k, _ := ctx.Value(poolNameKey).(string)
	return k
}

// WithIdentity attaches the resolved authorisation identity.
func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Identity extracts the authorisation identity.
func Identity(ctx context.Context) (*auth.Identity, error) {
	id, ok := ctx.Value(identityKey).(*auth.Identity)
	if !ok || id == nil {
		return nil, errors.New("identity context missing")
	}
	return id, nil
}

// WithSystemRequest flags a request authenticated by the admin secret.
func WithSystemRequest(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemKey, true)
}

// SystemRequest reports whether the request carries admin authority.
func SystemRequest(ctx context.Context) bool {
	v, _ := ctx.Value(systemKey).(bool)
	return v
}
