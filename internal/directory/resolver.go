package directory

import (
	"context"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/secrets"
)

// Resolution is the outcome of tenant resolution for one request.
type Resolution struct {
	Project *Project
	// SystemRequest is true when the bearer verified under the process-wide
	// admin signing secret.
	SystemRequest bool
	// Bypass is true for admin/control paths that skip tenant resolution.
	Bypass bool
	// ViaSlug records whether the project was found through the URL slug
	// rather than a custom hostname (needed for domain-locking).
	ViaSlug bool
}

// AdminVerifier reports whether a bearer token is a valid admin credential.
type AdminVerifier func(bearer string) bool

// Resolver identifies the tenant for each request and eagerly decrypts its
// secrets.
type Resolver struct {
	store  *Store
	box    *secrets.Box
	shield *PanicShield
	verify AdminVerifier
	logger *log.Logger
}

// NewResolver wires the directory store, secret box, panic shield and admin
// verifier together.
func NewResolver(store *Store, box *secrets.Box, shield *PanicShield, verify AdminVerifier) *Resolver {
	return &Resolver{
		store:  store,
		box:    box,
		shield: shield,
		verify: verify,
		logger: log.New(log.Writer(), "[RESOLVE] ", log.LstdFlags),
	}
}

var slugPathRe = regexp.MustCompile(`^/api/data/([a-z0-9][a-z0-9-]*)(/|$)`)

// SlugFromPath extracts the tenant slug from /api/data/{slug}/... paths.
func SlugFromPath(path string) string {
	m := slugPathRe.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[1]
}

// IsControlPath reports whether the URL belongs to the control plane.
func IsControlPath(path string) bool {
	return strings.HasPrefix(path, "/api/control")
}

// isLoopbackHost reports whether host (sans port) is loopback or link-local.
func isLoopbackHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// Resolve implements tenant identification: control-path bypass, custom
// hostname lookup, slug lookup, secret decryption, domain-locking and the
// panic shield, in that order.
func (r *Resolver) Resolve(ctx context.Context, host, path, bearer string) (*Resolution, error) {
	res := &Resolution{SystemRequest: r.verify(bearer)}

	if IsControlPath(path) {
		res.Bypass = true
		return res, nil
	}

	var project *Project
	var err error

	if !isLoopbackHost(host) {
		bareHost := host
		if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
			bareHost = h
		}
		project, err = r.store.GetByHostname(ctx, bareHost)
		if err != nil {
			return nil, apperr.Wrap(apperr.BadGateway, "tenant lookup failed", err)
		}
	}

	if project == nil {
		if slug := SlugFromPath(path); slug != "" {
			project, err = r.store.GetBySlug(ctx, slug)
			if err != nil {
				return nil, apperr.Wrap(apperr.BadGateway, "tenant lookup failed", err)
			}
			res.ViaSlug = true
		}
	}

	if project == nil {
		return res, nil
	}

	if err := r.decryptSecrets(project); err != nil {
		return nil, err
	}

	// Domain-locking: a project pinned to a custom hostname must be reached
	// through it, except for admins and local development.
	if project.CustomDomain != "" && res.ViaSlug && !res.SystemRequest && !isLoopbackHost(host) {
		return nil, apperr.New(apperr.Forbidden,
			"project is locked to its custom domain")
	}

	if !res.SystemRequest && r.shield.Active(ctx, project.Slug) {
		return nil, apperr.New(apperr.LockedDown, "project is locked down")
	}

	res.Project = project
	return res, nil
}

func (r *Resolver) decryptSecrets(p *Project) error {
	var err error
	if p.AnonKey, err = r.box.Decrypt(p.AnonKeyEnc); err != nil {
		return apperr.Wrap(apperr.Internal, "decrypt anon key", err)
	}
	if p.ServiceKey, err = r.box.Decrypt(p.ServiceKeyEnc); err != nil {
		return apperr.Wrap(apperr.Internal, "decrypt service key", err)
	}
	if p.JWTSecret, err = r.box.Decrypt(p.JWTSecretEnc); err != nil {
		return apperr.Wrap(apperr.Internal, "decrypt jwt secret", err)
	}
	return nil
}

// ============================================================================
// PANIC SHIELD
// ============================================================================

// PanicShield is a per-slug kill switch kept in the shared rate-limit store.
// While set, every non-admin request for the project receives 503.
type PanicShield struct {
	rdb *redis.Client
}

// NewPanicShield wraps the shared Redis client.
func NewPanicShield(rdb *redis.Client) *PanicShield {
	return &PanicShield{rdb: rdb}
}

func panicKey(slug string) string { return "cascata:panic:" + slug }

// Active reports whether the shield is raised for slug. Redis failures fail
// open: a broken flag store must not take down healthy tenants.
func (ps *PanicShield) Active(ctx context.Context, slug string) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	n, err := ps.rdb.Exists(ctx, panicKey(slug)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Raise sets the shield for slug.
func (ps *PanicShield) Raise(ctx context.Context, slug string) error {
	return ps.rdb.Set(ctx, panicKey(slug), "1", 0).Err()
}

// Clear lowers the shield for slug.
func (ps *PanicShield) Clear(ctx context.Context, slug string) error {
	return ps.rdb.Del(ctx, panicKey(slug)).Err()
}
