package directory

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/secrets"
)

func TestSlugFromPath(t *testing.T) {
	assert.Equal(t, "acme", SlugFromPath("/api/data/acme/orders"))
	assert.Equal(t, "acme", SlugFromPath("/api/data/acme"))
	assert.Equal(t, "my-app-2", SlugFromPath("/api/data/my-app-2/realtime"))
	assert.Equal(t, "", SlugFromPath("/api/data/"))
	assert.Equal(t, "", SlugFromPath("/api/control/projects/acme"))
	assert.Equal(t, "", SlugFromPath("/api/health"))
	assert.Equal(t, "", SlugFromPath("/api/data/-bad/orders"))
}

func TestIsControlPath(t *testing.T) {
	assert.True(t, IsControlPath("/api/control/login"))
	assert.True(t, IsControlPath("/api/control/projects/acme/panic"))
	assert.False(t, IsControlPath("/api/data/acme/orders"))
	assert.False(t, IsControlPath("/api/health"))
}

func TestPanicShieldRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	shield := NewPanicShield(rdb)
	assert.False(t, shield.Active(ctx, "acme"))

	require.NoError(t, shield.Raise(ctx, "acme"))
	assert.True(t, shield.Active(ctx, "acme"))
	assert.False(t, shield.Active(ctx, "other"))

	require.NoError(t, shield.Clear(ctx, "acme"))
	assert.False(t, shield.Active(ctx, "acme"))
}

func TestPanicShieldFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	shield := NewPanicShield(rdb)
	assert.False(t, shield.Active(context.Background(), "acme"))
}

// ============================================================================
// RESOLVER
// ============================================================================

type resolverFixture struct {
	resolver *Resolver
	mock     sqlmock.Sqlmock
	box      *secrets.Box
}

func newResolverFixture(t *testing.T, verify AdminVerifier) *resolverFixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key := sha256.Sum256([]byte("resolver-test-key"))
	box, err := secrets.NewBox(key[:])
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if verify == nil {
		verify = func(string) bool { return false }
	}
	return &resolverFixture{
		resolver: NewResolver(NewStore(db), box, NewPanicShield(rdb), verify),
		mock:     mock,
		box:      box,
	}
}

func (f *resolverFixture) projectRows(t *testing.T, slug, customDomain string) *sqlmock.Rows {
	t.Helper()
	enc := func(v string) string {
		out, err := f.box.Encrypt(v)
		require.NoError(t, err)
		return out
	}
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "slug", "name", "db_name", "custom_domain", "status",
		"blocked_ips", "anon_key_enc", "service_key_enc", "jwt_secret_enc",
		"metadata", "created_at", "updated_at",
	}).AddRow("id-1", slug, "Acme", "cascata_"+slug, customDomain, "active",
		"{}", enc("anon-key"), enc("service-key"), enc("jwt-secret"),
		[]byte(`{"pool_max_conns":3}`), now, now)
}

func TestResolveControlPathBypasses(t *testing.T) {
	f := newResolverFixture(t, nil)
	res, err := f.resolver.Resolve(context.Background(), "localhost:8080", "/api/control/projects", "")
	require.NoError(t, err)
	assert.True(t, res.Bypass)
	assert.Nil(t, res.Project)
}

func TestResolveBySlugDecryptsSecrets(t *testing.T) {
	f := newResolverFixture(t, nil)
	f.mock.ExpectQuery(`FROM projects WHERE slug = \$1`).
		WithArgs("acme").
		WillReturnRows(f.projectRows(t, "acme", ""))

	res, err := f.resolver.Resolve(context.Background(), "localhost:8080", "/api/data/acme/orders", "")
	require.NoError(t, err)
	require.NotNil(t, res.Project)
	assert.True(t, res.ViaSlug)
	assert.Equal(t, "anon-key", res.Project.AnonKey)
	assert.Equal(t, "service-key", res.Project.ServiceKey)
	assert.Equal(t, "jwt-secret", res.Project.JWTSecret)
	assert.Equal(t, 3, res.Project.Meta.PoolMaxConns)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResolveByCustomHostname(t *testing.T) {
	f := newResolverFixture(t, nil)
	f.mock.ExpectQuery(`FROM projects WHERE custom_domain = \$1`).
		WithArgs("api.acme.com").
		WillReturnRows(f.projectRows(t, "acme", "api.acme.com"))

	res, err := f.resolver.Resolve(context.Background(), "api.acme.com:443", "/api/data/acme/orders", "")
	require.NoError(t, err)
	require.NotNil(t, res.Project)
	assert.False(t, res.ViaSlug)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResolveDomainLockedProjectRejectsSlugAccess(t *testing.T) {
	f := newResolverFixture(t, nil)
	// Foreign host resolves no custom domain, then the slug finds a project
	// pinned to a different hostname.
	f.mock.ExpectQuery(`custom_domain = \$1`).
		WithArgs("gateway.example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`slug = \$1`).
		WithArgs("acme").
		WillReturnRows(f.projectRows(t, "acme", "api.acme.com"))

	_, err := f.resolver.Resolve(context.Background(), "gateway.example.com", "/api/data/acme/orders", "")
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.Forbidden, appErr.Kind)
}

func TestResolveDomainLockAllowsLoopback(t *testing.T) {
	f := newResolverFixture(t, nil)
	f.mock.ExpectQuery(`slug = \$1`).
		WithArgs("acme").
		WillReturnRows(f.projectRows(t, "acme", "api.acme.com"))

	res, err := f.resolver.Resolve(context.Background(), "localhost:8080", "/api/data/acme/orders", "")
	require.NoError(t, err)
	assert.NotNil(t, res.Project)
}

func TestResolveDomainLockAllowsAdmin(t *testing.T) {
	f := newResolverFixture(t, func(bearer string) bool { return bearer == "admin-token" })
	f.mock.ExpectQuery(`custom_domain = \$1`).
		WithArgs("gateway.example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`slug = \$1`).
		WithArgs("acme").
		WillReturnRows(f.projectRows(t, "acme", "api.acme.com"))

	res, err := f.resolver.Resolve(context.Background(), "gateway.example.com", "/api/data/acme/orders", "admin-token")
	require.NoError(t, err)
	assert.True(t, res.SystemRequest)
	assert.NotNil(t, res.Project)
}

func TestResolvePanicShieldLocksOutTenants(t *testing.T) {
	f := newResolverFixture(t, nil)
	f.mock.ExpectQuery(`slug = \$1`).
		WithArgs("acme").
		WillReturnRows(f.projectRows(t, "acme", ""))
	require.NoError(t, f.resolver.shield.Raise(context.Background(), "acme"))

	_, err := f.resolver.Resolve(context.Background(), "localhost:8080", "/api/data/acme/orders", "")
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.LockedDown, appErr.Kind)
}

func TestResolveUnknownSlugYieldsEmptyResolution(t *testing.T) {
	f := newResolverFixture(t, nil)
	f.mock.ExpectQuery(`slug = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	res, err := f.resolver.Resolve(context.Background(), "localhost:8080", "/api/data/ghost/orders", "")
	require.NoError(t, err)
	assert.Nil(t, res.Project)
	assert.False(t, res.Bypass)
}
