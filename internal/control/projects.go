package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/secrets"
)

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// Snapshotter packages a project for export and restores uploads. Backup
// packaging itself lives outside this service.
type Snapshotter interface {
	Export(ctx context.Context, p *directory.Project) (json.RawMessage, error)
	Upload(ctx context.Context, archive json.RawMessage) (ticket string, err error)
	Confirm(ctx context.Context, ticket string) (*directory.Project, error)
}

// Projects bundles the dependencies of the project lifecycle endpoints.
type Projects struct {
	Store       *directory.Store
	Box         *secrets.Box
	Registry    *pooler.Registry
	Shield      *directory.PanicShield
	Provisioner *Provisioner
	Snapshots   Snapshotter
	JWTSecret   string
}

// sanitized strips secrets for API responses.
func sanitized(p *directory.Project) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"slug":          p.Slug,
		"name":          p.Name,
		"db_name":       p.DBName,
		"custom_domain": p.CustomDomain,
		"status":        p.Status,
		"blocked_ips":   p.BlockedIPs,
		"metadata":      p.Meta,
		"created_at":    p.CreatedAt,
		"updated_at":    p.UpdatedAt,
	}
}

// HandleList returns all projects without key material.
func (c *Projects) HandleList(w http.ResponseWriter, r *http.Request) {
	projects, err := c.Store.List(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Listing projects", err))
		return
	}
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, sanitized(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGet returns one project.
func (c *Projects) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := c.Store.GetBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil || p == nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	writeJSON(w, http.StatusOK, sanitized(p))
}

// HandleCreate provisions a tenant: fresh keys, a dedicated database with
// the notify trigger installed, and the control-plane record.
func (c *Projects) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug string                `json:"slug"`
		Name string                `json:"name"`
		Meta directory.ProjectMeta `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
		return
	}
	if !slugRe.MatchString(body.Slug) {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Slug must be lowercase alphanumeric with hyphens"))
		return
	}
	if existing, err := c.Store.GetBySlug(r.Context(), body.Slug); err == nil && existing != nil {
		apperr.Write(w, r, apperr.New(apperr.Conflict, "Slug already in use"))
		return
	}

	p := &directory.Project{
		Slug:   body.Slug,
		Name:   body.Name,
		DBName: "cascata_" + strings.ReplaceAll(body.Slug, "-", "_"),
		Status: "active",
		Meta:   body.Meta,
	}
	var err error
	if p.AnonKeyEnc, err = c.Box.Encrypt(secrets.NewAPIKey()); err == nil {
		if p.ServiceKeyEnc, err = c.Box.Encrypt(secrets.NewAPIKey()); err == nil {
			p.JWTSecretEnc, err = c.Box.Encrypt(secrets.NewAPIKey())
		}
	}
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Encrypting project keys", err))
		return
	}

	if !p.Ejected() && c.Provisioner != nil {
		if err := c.Provisioner.CreateDatabase(r.Context(), p.DBName); err != nil {
			apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Provisioning tenant database", err))
			return
		}
	}

	if err := c.Store.Create(r.Context(), p); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}

	logger.Printf("Project %s created (db=%s)", p.Slug, p.DBName)
	writeJSON(w, http.StatusCreated, sanitized(p))
}

// HandleUpdate patches name, custom domain, status and metadata. Metadata
// merges at the document level: the submitted document replaces the stored
// one, unknown keys included.
func (c *Projects) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	p, err := c.Store.GetBySlug(r.Context(), slug)
	if err != nil || p == nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}

	var body struct {
		Name         *string                `json:"name"`
		CustomDomain *string                `json:"custom_domain"`
		Status       *string                `json:"status"`
		Meta         *directory.ProjectMeta `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
		return
	}
	if body.Name != nil {
		p.Name = *body.Name
	}
	if body.CustomDomain != nil {
		p.CustomDomain = *body.CustomDomain
	}
	if body.Status != nil {
		p.Status = *body.Status
	}
	if body.Meta != nil {
		p.Meta = *body.Meta
	}

	if err := c.Store.Update(r.Context(), p); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}

	// Pool settings may have changed; force a rebuild on next acquire.
	c.Registry.Close(p.DBName)
	writeJSON(w, http.StatusOK, sanitized(p))
}

// HandleDelete removes the control record and closes any live pools. The
// tenant database itself is kept for operator-driven disposal.
func (c *Projects) HandleDelete(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	p, err := c.Store.GetBySlug(r.Context(), slug)
	if err != nil || p == nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	if err := c.Store.Delete(r.Context(), slug); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	c.Registry.Close(p.DBName)
	logger.Printf("Project %s deleted", slug)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// ============================================================================
// KEY LIFECYCLE
// ============================================================================

// HandleRotateKeys replaces one of the project's keys. Body: {"type":
// "anon"|"service"|"jwt"}. The new plaintext is returned exactly once.
func (c *Projects) HandleRotateKeys(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	if p, err := c.Store.GetBySlug(r.Context(), slug); err != nil || p == nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}

	var body struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
		return
	}
	switch body.Type {
	case "anon", "service", "jwt":
	default:
		apperr.Write(w, r, apperr.New(apperr.Validation, "type must be anon, service or jwt"))
		return
	}

	fresh := secrets.NewAPIKey()
	encrypted, err := c.Box.Encrypt(fresh)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Encrypting key", err))
		return
	}
	if err := c.Store.UpdateKey(r.Context(), slug, body.Type, encrypted); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}

	logger.Printf("Rotated %s key for %s", body.Type, slug)
	writeJSON(w, http.StatusOK, map[string]any{"type": body.Type, "key": fresh})
}

// HandleRevealKey returns a plaintext key after re-verifying the admin's
// password. Body: {"type": ..., "username": ..., "password": ...}.
func (c *Projects) HandleRevealKey(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	p, err := c.Store.GetBySlug(r.Context(), slug)
	if err != nil || p == nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}

	var body struct {
		Type     string `json:"type"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
		return
	}
	if _, err := verifyPassword(r, c.Store, body.Username, body.Password); err != nil {
		apperr.Write(w, r, err)
		return
	}

	var encrypted string
	switch body.Type {
	case "anon":
		encrypted = p.AnonKeyEnc
	case "service":
		encrypted = p.ServiceKeyEnc
	case "jwt":
		encrypted = p.JWTSecretEnc
	default:
		apperr.Write(w, r, apperr.New(apperr.Validation, "type must be anon, service or jwt"))
		return
	}

	plaintext, err := c.Box.Decrypt(encrypted)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Decrypting key", err))
		return
	}
	logger.Printf("Admin %s revealed %s key for %s", body.Username, body.Type, slug)
	writeJSON(w, http.StatusOK, map[string]any{"type": body.Type, "key": plaintext})
}

// ============================================================================
// BLOCKLIST AND PANIC SHIELD
// ============================================================================

// HandleBlockIP adds an address to the project's control-plane blocklist.
func (c *Projects) HandleBlockIP(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || net.ParseIP(body.IP) == nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "A valid ip is required"))
		return
	}
	if err := c.Store.BlockIP(r.Context(), slug, body.IP); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": body.IP})
}

// HandleUnblockIP removes an address from the blocklist.
func (c *Projects) HandleUnblockIP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := c.Store.UnblockIP(r.Context(), vars["slug"], vars["ip"]); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unblocked": vars["ip"]})
}

// HandlePanic raises or clears the tenant lockdown flag. POST raises,
// DELETE clears.
func (c *Projects) HandlePanic(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	if p, err := c.Store.GetBySlug(r.Context(), slug); err != nil || p == nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}

	if r.Method == http.MethodDelete {
		if err := c.Shield.Clear(r.Context(), slug); err != nil {
			apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Clearing panic flag", err))
			return
		}
		logger.Printf("Panic shield cleared for %s", slug)
		writeJSON(w, http.StatusOK, map[string]any{"panic": false})
		return
	}

	if err := c.Shield.Raise(r.Context(), slug); err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Raising panic flag", err))
		return
	}
	logger.Printf("🚨 Panic shield raised for %s", slug)
	writeJSON(w, http.StatusOK, map[string]any{"panic": true})
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

// HandleExport streams a snapshot of the project.
func (c *Projects) HandleExport(w http.ResponseWriter, r *http.Request) {
	if c.Snapshots == nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Snapshot backend is not configured"))
		return
	}
	p, err := c.Store.GetBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil || p == nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	archive, err := c.Snapshots.Export(r.Context(), p)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Exporting project", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-export.json"`, p.Slug))
	w.Write(archive)
}

// HandleImportUpload stages an uploaded snapshot and returns a ticket.
func (c *Projects) HandleImportUpload(w http.ResponseWriter, r *http.Request) {
	if c.Snapshots == nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Snapshot backend is not configured"))
		return
	}
	var archive json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&archive); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid snapshot payload"))
		return
	}
	ticket, err := c.Snapshots.Upload(r.Context(), archive)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Staging snapshot", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}

// HandleImportConfirm restores a staged snapshot into a project.
func (c *Projects) HandleImportConfirm(w http.ResponseWriter, r *http.Request) {
	if c.Snapshots == nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Snapshot backend is not configured"))
		return
	}
	var body struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Ticket == "" {
		apperr.Write(w, r, apperr.New(apperr.Validation, "ticket is required"))
		return
	}
	p, err := c.Snapshots.Confirm(r.Context(), body.Ticket)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Restoring snapshot", err))
		return
	}
	writeJSON(w, http.StatusCreated, sanitized(p))
}

// ============================================================================
// PROVISIONER
// ============================================================================

// Provisioner creates tenant databases on the platform's Postgres. The
// realtime trigger function is installed lazily by table creation.
type Provisioner struct {
	control *sql.DB
}

// NewProvisioner wires the provisioner to the control DB connection.
func NewProvisioner(control *sql.DB) *Provisioner {
	return &Provisioner{control: control}
}

var dbNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// CreateDatabase creates the named database if absent. CREATE DATABASE
// cannot run inside a transaction, so this executes directly.
func (pr *Provisioner) CreateDatabase(ctx context.Context, name string) error {
	if !dbNameRe.MatchString(name) {
		return fmt.Errorf("invalid database name %q", name)
	}
	var exists bool
	err := pr.control.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking database %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := pr.control.ExecContext(ctx, `CREATE DATABASE `+name); err != nil {
		return fmt.Errorf("creating database %s: %w", name, err)
	}
	return nil
}
