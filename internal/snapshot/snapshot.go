// Package snapshot implements project export and import for the control
// plane. An export carries the project record (without key material) plus a
// schema listing of the tenant database; imports are staged on disk under a
// ticket and only applied on explicit confirmation.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/secrets"
)

const formatVersion = 1

// ColumnDef is one column of an exported table.
type ColumnDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// TableDef is one exported table schema.
type TableDef struct {
	Name    string      `json:"name"`
	Columns []ColumnDef `json:"columns"`
}

// Archive is the export file format. Key material never leaves the server;
// imports mint fresh keys.
type Archive struct {
	Version    int                   `json:"version"`
	ExportedAt time.Time             `json:"exported_at"`
	Slug       string                `json:"slug"`
	Name       string                `json:"name"`
	Meta       directory.ProjectMeta `json:"metadata"`
	Tables     []TableDef            `json:"tables,omitempty"`
	// Checksum covers the tables listing so a tampered or truncated upload
	// is rejected before confirmation.
	Checksum string `json:"checksum"`
}

// Provisioner creates the tenant database for a restored project.
type Provisioner interface {
	CreateDatabase(ctx context.Context, name string) error
}

// Store stages archives on the local filesystem.
type Store struct {
	root        string
	directory   *directory.Store
	registry    *pooler.Registry
	box         *secrets.Box
	provisioner Provisioner
	logger      *log.Logger
}

// NewStore wires the snapshot backend. root is the staging directory;
// provisioner may be nil when restores target externally hosted databases
// only.
func NewStore(root string, dir *directory.Store, registry *pooler.Registry, box *secrets.Box, prov Provisioner) *Store {
	return &Store{
		root:        root,
		directory:   dir,
		registry:    registry,
		box:         box,
		provisioner: prov,
		logger:      log.New(log.Writer(), "[SNAPSHOT] ", log.LstdFlags),
	}
}

func checksumTables(tables []TableDef) string {
	raw, _ := json.Marshal(tables)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Export packages the project record and its public schema listing.
func (s *Store) Export(ctx context.Context, p *directory.Project) (json.RawMessage, error) {
	tables, err := s.listTables(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("listing schema for %s: %w", p.Slug, err)
	}

	archive := Archive{
		Version:    formatVersion,
		ExportedAt: time.Now().UTC(),
		Slug:       p.Slug,
		Name:       p.Name,
		Meta:       p.Meta,
		Tables:     tables,
		Checksum:   checksumTables(tables),
	}
	out, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Exported %s (%d tables)", p.Slug, len(tables))
	return out, nil
}

func (s *Store) listTables(ctx context.Context, p *directory.Project) ([]TableDef, error) {
	db, cfg := pooler.Select(p, "GET")
	pool, err := s.registry.Get(ctx, db, cfg)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name, data_type,
		       is_nullable = 'YES', COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []TableDef
	byName := map[string]int{}
	for rows.Next() {
		var table string
		var col ColumnDef
		if err := rows.Scan(&table, &col.Name, &col.Type, &col.Nullable, &col.Default); err != nil {
			return nil, err
		}
		idx, ok := byName[table]
		if !ok {
			tables = append(tables, TableDef{Name: table})
			idx = len(tables) - 1
			byName[table] = idx
		}
		tables[idx].Columns = append(tables[idx].Columns, col)
	}
	return tables, rows.Err()
}

// Upload validates an archive and stages it under a fresh ticket.
func (s *Store) Upload(ctx context.Context, raw json.RawMessage) (string, error) {
	archive, err := decode(raw)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.stagingDir(), 0o700); err != nil {
		return "", fmt.Errorf("preparing staging directory: %w", err)
	}
	ticket := uuid.NewString()
	if err := os.WriteFile(s.ticketPath(ticket), raw, 0o600); err != nil {
		return "", fmt.Errorf("staging archive: %w", err)
	}
	s.logger.Printf("Staged archive for %s as %s", archive.Slug, ticket)
	return ticket, nil
}

func decode(raw json.RawMessage) (*Archive, error) {
	var archive Archive
	if err := json.Unmarshal(raw, &archive); err != nil {
		return nil, fmt.Errorf("decoding archive: %w", err)
	}
	if archive.Version != formatVersion {
		return nil, fmt.Errorf("unsupported archive version %d", archive.Version)
	}
	if archive.Slug == "" {
		return nil, fmt.Errorf("archive carries no project slug")
	}
	if archive.Checksum != checksumTables(archive.Tables) {
		return nil, fmt.Errorf("archive checksum mismatch")
	}
	return &archive, nil
}

// Confirm restores a staged archive as a new project with fresh keys. The
// staged file is removed on success.
func (s *Store) Confirm(ctx context.Context, ticket string) (*directory.Project, error) {
	if strings.ContainsAny(ticket, "/\\.") {
		return nil, fmt.Errorf("invalid ticket")
	}
	raw, err := os.ReadFile(s.ticketPath(ticket))
	if err != nil {
		return nil, fmt.Errorf("unknown ticket %s", ticket)
	}
	archive, err := decode(raw)
	if err != nil {
		return nil, err
	}

	if existing, err := s.directory.GetBySlug(ctx, archive.Slug); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("slug %s already in use", archive.Slug)
	}

	p := &directory.Project{
		Slug:   archive.Slug,
		Name:   archive.Name,
		DBName: "cascata_" + strings.ReplaceAll(archive.Slug, "-", "_"),
		Status: "active",
		Meta:   archive.Meta,
	}
	if p.AnonKeyEnc, err = s.box.Encrypt(secrets.NewAPIKey()); err != nil {
		return nil, err
	}
	if p.ServiceKeyEnc, err = s.box.Encrypt(secrets.NewAPIKey()); err != nil {
		return nil, err
	}
	if p.JWTSecretEnc, err = s.box.Encrypt(secrets.NewAPIKey()); err != nil {
		return nil, err
	}

	if !p.Ejected() && s.provisioner != nil {
		if err := s.provisioner.CreateDatabase(ctx, p.DBName); err != nil {
			return nil, fmt.Errorf("provisioning %s: %w", p.DBName, err)
		}
	}
	if err := s.directory.Create(ctx, p); err != nil {
		return nil, err
	}

	os.Remove(s.ticketPath(ticket))
	s.logger.Printf("Restored %s from ticket %s", p.Slug, ticket)
	return p, nil
}

func (s *Store) stagingDir() string { return filepath.Join(s.root, "snapshots") }

func (s *Store) ticketPath(ticket string) string {
	return filepath.Join(s.stagingDir(), ticket+".json")
}
