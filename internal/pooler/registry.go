// Package pooler owns the process-wide cache of per-tenant database pools.
// Pools are created lazily on first acquire, touched on every acquire, and
// closed by the idle reaper, the hard-cap LRU eviction, or explicit
// invalidation.
package pooler

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig describes how a single pool should be built.
type PoolConfig struct {
	MaxConns           int
	StatementTimeoutMs int
	// UseDirect bypasses the external transaction pooler.
	UseDirect bool
	// ConnString, when present, points at a tenant-operated database; the
	// pool is "external/ejected".
	ConnString string
}

// Settings is the registry-wide configuration.
type Settings struct {
	DirectHost string
	DirectPort string
	PoolHost   string
	PoolPort   string
	User       string
	Password   string

	MaxActivePools            int
	IdleMax                   time.Duration
	ReapInterval              time.Duration
	AcquireTimeout            time.Duration
	DefaultStatementTimeoutMs int
}

func (s *Settings) applyDefaults() {
	if s.MaxActivePools == 0 {
		s.MaxActivePools = 500
	}
	if s.IdleMax == 0 {
		s.IdleMax = 5 * time.Minute
	}
	if s.ReapInterval == 0 {
		s.ReapInterval = 30 * time.Second
	}
	if s.AcquireTimeout == 0 {
		s.AcquireTimeout = 5 * time.Second
	}
	if s.DefaultStatementTimeoutMs == 0 {
		s.DefaultStatementTimeoutMs = 15000
	}
}

type entry struct {
	key      string
	pool     *pgxpool.Pool
	lastUsed time.Time
	maxConns int
	external bool
}

// Registry is the process-wide pool cache. Reads (acquire) are hot and run
// under a read lock; construction and eviction take the write lock.
type Registry struct {
	mu       sync.RWMutex
	pools    map[string]*entry
	settings Settings
	logger   *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	// onEvict is invoked (outside the lock) whenever a pool is closed.
	onEvict func(key string)
}

// NewRegistry creates the registry and starts the idle reaper.
func NewRegistry(settings Settings) *Registry {
	settings.applyDefaults()
	r := &Registry{
		pools:    make(map[string]*entry),
		settings: settings,
		logger:   log.New(log.Writer(), "[POOLS] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// SetEvictHook registers a callback fired after a pool is closed.
func (r *Registry) SetEvictHook(fn func(key string)) { r.onEvict = fn }

// Key computes the cache key for (db, cfg). Internal pools key on the
// direct/pooled variant; external pools fold in a prefix of the connection
// string hash so primary and replica uses of the same database coexist.
func Key(db string, cfg PoolConfig) string {
	if cfg.ConnString != "" {
		enc := base64.StdEncoding.EncodeToString([]byte(cfg.ConnString))
		if len(enc) > 10 {
			enc = enc[:10]
		}
		return "ext_" + db + "_" + enc
	}
	if cfg.UseDirect {
		return db + "_direct"
	}
	return db + "_pooled"
}

// Get returns the pool for (db, cfg), constructing it on first use. Only one
// caller constructs the entry for a given key; a construction failure leaves
// no entry behind.
func (r *Registry) Get(ctx context.Context, db string, cfg PoolConfig) (*pgxpool.Pool, error) {
	key := Key(db, cfg)

	r.mu.RLock()
	if e, ok := r.pools[key]; ok {
		r.mu.RUnlock()
		r.touch(key)
		return e.pool, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have built it while we waited for the write lock.
	if e, ok := r.pools[key]; ok {
		e.lastUsed = time.Now()
		return e.pool, nil
	}

	pool, err := r.build(ctx, db, cfg)
	if err != nil {
		return nil, fmt.Errorf("build pool %s: %w", key, err)
	}

	r.pools[key] = &entry{
		key:      key,
		pool:     pool,
		lastUsed: time.Now(),
		maxConns: cfg.MaxConns,
		external: cfg.ConnString != "",
	}
	r.logger.Printf("Created pool %s (max=%d external=%t)", key, cfg.MaxConns, cfg.ConnString != "")

	r.enforceCapLocked()
	return pool, nil
}

func (r *Registry) touch(key string) {
	r.mu.Lock()
	if e, ok := r.pools[key]; ok {
		e.lastUsed = time.Now()
	}
	r.mu.Unlock()
}

func (r *Registry) build(ctx context.Context, db string, cfg PoolConfig) (*pgxpool.Pool, error) {
	connString := cfg.ConnString
	external := connString != ""
	if !external {
		host, port := r.settings.PoolHost, r.settings.PoolPort
		if cfg.UseDirect {
			host, port = r.settings.DirectHost, r.settings.DirectPort
		}
		connString = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			r.settings.User, r.settings.Password, host, port, db)
	}

	pc, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	pc.MaxConns = int32(maxConns)
	pc.MaxConnIdleTime = r.settings.IdleMax

	// Tenants operate their own managed databases; certificates are
	// frequently self-signed, so external pools get permissive trust.
	if external {
		pc.ConnConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	stmtTimeout := cfg.StatementTimeoutMs
	if stmtTimeout <= 0 {
		stmtTimeout = r.settings.DefaultStatementTimeoutMs
	}
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", stmtTimeout))
		return err
	}

	return pgxpool.NewWithConfig(ctx, pc)
}

// enforceCapLocked evicts the oldest entries until the registry is at or
// under MaxActivePools. Caller must hold the write lock.
func (r *Registry) enforceCapLocked() {
	if len(r.pools) <= r.settings.MaxActivePools {
		return
	}

	entries := make([]*entry, 0, len(r.pools))
	for _, e := range r.pools {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUsed.Before(entries[j].lastUsed)
	})

	for _, e := range entries {
		if len(r.pools) <= r.settings.MaxActivePools {
			break
		}
		r.closeLocked(e, "hard-cap eviction")
	}
}

// closeLocked removes the entry and closes its pool asynchronously so
// in-flight holders drain on their own connections.
func (r *Registry) closeLocked(e *entry, reason string) {
	delete(r.pools, e.key)
	r.logger.Printf("Closing pool %s (%s)", e.key, reason)
	go e.pool.Close()
	if r.onEvict != nil {
		go r.onEvict(e.key)
	}
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.settings.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.settings.IdleMax)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.pools {
		if e.lastUsed.Before(cutoff) {
			r.closeLocked(e, "idle reap")
		}
	}
	r.enforceCapLocked()
}

// Invalidate removes a single entry so the next acquire rebuilds cleanly.
func (r *Registry) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pools[key]; ok {
		r.closeLocked(e, "invalidated")
	}
}

// Close closes every variant whose key contains the database identifier.
// Used when a project is updated or deleted.
func (r *Registry) Close(db string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.pools {
		if containsIdent(key, db) {
			r.closeLocked(e, "project change")
		}
	}
}

func containsIdent(key, db string) bool {
	return key == db ||
		key == db+"_direct" || key == db+"_pooled" ||
		len(key) > 4+len(db) && key[:4] == "ext_" && key[4:4+len(db)] == db
}

// CloseAll drains every pool; called during graceful shutdown.
func (r *Registry) CloseAll() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.pools))
	for _, e := range r.pools {
		entries = append(entries, e)
	}
	r.pools = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.pool.Close()
	}
	r.logger.Printf("Closed %d pools", len(entries))
}

// Size returns the number of live entries.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Keys returns the live cache keys, unordered.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.pools))
	for k := range r.pools {
		keys = append(keys, k)
	}
	return keys
}

// AcquireTimeout is the bound applied to every pool acquire.
func (r *Registry) AcquireTimeout() time.Duration { return r.settings.AcquireTimeout }
