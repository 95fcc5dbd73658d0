package pooler

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/backend/internal/directory"
)

// testRegistry builds pools against an unreachable host. pgxpool construction
// is lazy, so no database is needed until a connection is acquired.
func testRegistry(maxPools int) *Registry {
	return NewRegistry(Settings{
		DirectHost:     "db.invalid",
		DirectPort:     "5432",
		PoolHost:       "db.invalid",
		PoolPort:       "6432",
		User:           "postgres",
		Password:       "postgres",
		MaxActivePools: maxPools,
		ReapInterval:   time.Hour,
	})
}

// ============================================================================
// KEYING
// ============================================================================

func TestKeyVariants(t *testing.T) {
	assert.Equal(t, "acme_pooled", Key("acme", PoolConfig{}))
	assert.Equal(t, "acme_direct", Key("acme", PoolConfig{UseDirect: true}))

	ext := Key("acme", PoolConfig{ConnString: "postgres://u:p@ext.example:5432/acme"})
	assert.Contains(t, ext, "ext_acme_")
}

func TestKeyDistinguishesExternalURLs(t *testing.T) {
	primary := Key("acme", PoolConfig{ConnString: "postgres://u:p@primary.example/acme"})
	replica := Key("acme", PoolConfig{ConnString: "postgres://u:p@replica.example/acme"})
	assert.NotEqual(t, primary, replica)
}

// ============================================================================
// REGISTRY LIFECYCLE
// ============================================================================

func TestGetCachesPools(t *testing.T) {
	r := testRegistry(10)
	defer r.CloseAll()
	ctx := context.Background()

	p1, err := r.Get(ctx, "tenant_a", PoolConfig{})
	require.NoError(t, err)
	p2, err := r.Get(ctx, "tenant_a", PoolConfig{})
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, r.Size())
}

func TestGetSeparatesDirectAndPooled(t *testing.T) {
	r := testRegistry(10)
	defer r.CloseAll()
	ctx := context.Background()

	_, err := r.Get(ctx, "tenant_a", PoolConfig{})
	require.NoError(t, err)
	_, err = r.Get(ctx, "tenant_a", PoolConfig{UseDirect: true})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Size())
}

func TestCapEvictsOldest(t *testing.T) {
	r := testRegistry(4)
	defer r.CloseAll()
	ctx := context.Background()

	var evicted []string
	r.SetEvictHook(func(key string) { evicted = append(evicted, key) })

	for i := 1; i <= 5; i++ {
		_, err := r.Get(ctx, fmt.Sprintf("tenant_%d", i), PoolConfig{})
		require.NoError(t, err)
		// Distinct lastUsed timestamps keep the LRU order deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, 4, r.Size())
	require.Len(t, evicted, 1)
	assert.Equal(t, "tenant_1_pooled", evicted[0])
	assert.NotContains(t, r.Keys(), "tenant_1_pooled")
}

func TestTouchprotectsRecentlyUsed(t *testing.T) {
	r := testRegistry(2)
	defer r.CloseAll()
	ctx := context.Background()

	_, err := r.Get(ctx, "tenant_a", PoolConfig{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = r.Get(ctx, "tenant_b", PoolConfig{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// Re-acquire A so B becomes the oldest.
	_, err = r.Get(ctx, "tenant_a", PoolConfig{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = r.Get(ctx, "tenant_c", PoolConfig{})
	require.NoError(t, err)

	keys := r.Keys()
	assert.Contains(t, keys, "tenant_a_pooled")
	assert.NotContains(t, keys, "tenant_b_pooled")
}

func TestInvalidateRemovesEntry(t *testing.T) {
	r := testRegistry(10)
	defer r.CloseAll()
	ctx := context.Background()

	_, err := r.Get(ctx, "tenant_a", PoolConfig{})
	require.NoError(t, err)

	r.Invalidate("tenant_a_pooled")
	assert.Equal(t, 0, r.Size())
}

func TestCloseDropsAllVariantsOfDatabase(t *testing.T) {
	r := testRegistry(10)
	defer r.CloseAll()
	ctx := context.Background()

	_, err := r.Get(ctx, "tenant_a", PoolConfig{})
	require.NoError(t, err)
	_, err = r.Get(ctx, "tenant_a", PoolConfig{UseDirect: true})
	require.NoError(t, err)
	_, err = r.Get(ctx, "tenant_b", PoolConfig{})
	require.NoError(t, err)

	r.Close("tenant_a")
	assert.Equal(t, []string{"tenant_b_pooled"}, r.Keys())
}

// ============================================================================
// SELECTOR
// ============================================================================

func TestSelectInternalPooled(t *testing.T) {
	p := &directory.Project{Slug: "acme", DBName: "cascata_acme"}
	db, cfg := Select(p, http.MethodPost)
	assert.Equal(t, "cascata_acme", db)
	assert.Empty(t, cfg.ConnString)
	assert.False(t, cfg.UseDirect)
}

func TestSelectExternalPrimaryForWrites(t *testing.T) {
	p := &directory.Project{Slug: "acme", DBName: "cascata_acme"}
	p.Meta.ExternalPrimaryURL = "postgres://u:p@byod.example/acme"
	p.Meta.ReadReplicaURL = "postgres://u:p@replica.example/acme"

	_, writeCfg := Select(p, http.MethodPost)
	assert.Equal(t, p.Meta.ExternalPrimaryURL, writeCfg.ConnString)

	_, readCfg := Select(p, http.MethodGet)
	assert.Equal(t, p.Meta.ReadReplicaURL, readCfg.ConnString)
}

func TestSelectReplicaForReads(t *testing.T) {
	p := &directory.Project{Slug: "acme", DBName: "cascata_acme"}
	p.Meta.ReadReplicaURL = "postgres://u:p@replica.example/acme"

	_, readCfg := Select(p, http.MethodGet)
	assert.Equal(t, p.Meta.ReadReplicaURL, readCfg.ConnString)

	_, writeCfg := Select(p, http.MethodPatch)
	assert.Empty(t, writeCfg.ConnString)
}

func TestSelectHonoursMetaPoolSettings(t *testing.T) {
	p := &directory.Project{Slug: "acme", DBName: "cascata_acme"}
	p.Meta.PoolMaxConns = 25
	p.Meta.StatementTimeoutMs = 2000

	_, cfg := Select(p, http.MethodGet)
	assert.Equal(t, 25, cfg.MaxConns)
	assert.Equal(t, 2000, cfg.StatementTimeoutMs)
}
