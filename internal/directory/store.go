package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists the tenant directory in the control database.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore wraps an open control-database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[DIRECTORY] ", log.LstdFlags),
	}
}

// DB exposes the underlying handle for collaborators (migrations, stats).
func (s *Store) DB() *sql.DB { return s.db }

const projectColumns = `id, slug, name, db_name, COALESCE(custom_domain, ''), status,
	blocked_ips, anon_key_enc, service_key_enc, jwt_secret_enc, metadata, created_at, updated_at`

func (s *Store) scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var metaRaw []byte
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.DBName, &p.CustomDomain, &p.Status,
		pq.Array(&p.BlockedIPs), &p.AnonKeyEnc, &p.ServiceKeyEnc, &p.JWTSecretEnc,
		&metaRaw, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &p.Meta); err != nil {
			return nil, fmt.Errorf("decode project metadata: %w", err)
		}
	}
	return &p, nil
}

// GetBySlug returns the project with the given slug, nil when absent.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE slug = $1`, slug)
	return s.scanProject(row)
}

// GetByHostname returns the project with the given custom hostname.
func (s *Store) GetByHostname(ctx context.Context, host string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE custom_domain = $1`, host)
	return s.scanProject(row)
}

// List returns all projects ordered by slug. Secrets stay encrypted.
func (s *Store) List(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		var metaRaw []byte
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.DBName, &p.CustomDomain, &p.Status,
			pq.Array(&p.BlockedIPs), &p.AnonKeyEnc, &p.ServiceKeyEnc, &p.JWTSecretEnc,
			&metaRaw, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &p.Meta); err != nil {
				return nil, fmt.Errorf("decode project metadata: %w", err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Create inserts a new project record.
func (s *Store) Create(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	metaRaw, err := json.Marshal(p.Meta)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects
			(id, slug, name, db_name, custom_domain, status, blocked_ips,
			 anon_key_enc, service_key_enc, jwt_secret_enc, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9,$10,$11,now(),now())`,
		p.ID, p.Slug, p.Name, p.DBName, p.CustomDomain, p.Status,
		pq.Array(p.BlockedIPs), p.AnonKeyEnc, p.ServiceKeyEnc, p.JWTSecretEnc, metaRaw)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	s.logger.Printf("Created project %s (db=%s)", p.Slug, p.DBName)
	return nil
}

// Update rewrites mutable fields of a project.
func (s *Store) Update(ctx context.Context, p *Project) error {
	metaRaw, err := json.Marshal(p.Meta)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=$2, custom_domain=NULLIF($3,''), status=$4,
			blocked_ips=$5, metadata=$6, updated_at=now()
		 WHERE slug=$1`,
		p.Slug, p.Name, p.CustomDomain, p.Status, pq.Array(p.BlockedIPs), metaRaw)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s not found", p.Slug)
	}
	return nil
}

// Delete removes a project record.
func (s *Store) Delete(ctx context.Context, slug string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE slug = $1`, slug)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s not found", slug)
	}
	s.logger.Printf("Deleted project %s", slug)
	return nil
}

// UpdateKey replaces one encrypted key column. kind is anon|service|jwt.
func (s *Store) UpdateKey(ctx context.Context, slug, kind, encrypted string) error {
	var column string
	switch kind {
	case "anon":
		column = "anon_key_enc"
	case "service":
		column = "service_key_enc"
	case "jwt":
		column = "jwt_secret_enc"
	default:
		return fmt.Errorf("unknown key type %q", kind)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET `+column+` = $2, updated_at = now() WHERE slug = $1`,
		slug, encrypted)
	return err
}

// BlockIP appends an address to the project blocklist.
func (s *Store) BlockIP(ctx context.Context, slug, ip string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects
		 SET blocked_ips = array_append(array_remove(blocked_ips, $2), $2), updated_at = now()
		 WHERE slug = $1`, slug, ip)
	return err
}

// UnblockIP removes an address from the project blocklist.
func (s *Store) UnblockIP(ctx context.Context, slug, ip string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET blocked_ips = array_remove(blocked_ips, $2), updated_at = now()
		 WHERE slug = $1`, slug, ip)
	return err
}

// ============================================================================
// NOTIFICATION RULES
// ============================================================================

// ListRules returns the active rules matching (slug, table, event). Rules
// bound to ALL match every event.
func (s *Store) ListRules(ctx context.Context, slug, table, event string) ([]*NotificationRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_slug, table_name, event, recipient_column,
			title_template, body_template, conditions, data_payload, active, created_at
		 FROM notification_rules
		 WHERE project_slug = $1 AND table_name = $2 AND (event = $3 OR event = 'ALL') AND active`,
		slug, table, event)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListAllRules returns every rule for a project regardless of activity.
func (s *Store) ListAllRules(ctx context.Context, slug string) ([]*NotificationRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_slug, table_name, event, recipient_column,
			title_template, body_template, conditions, data_payload, active, created_at
		 FROM notification_rules WHERE project_slug = $1 ORDER BY created_at`, slug)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]*NotificationRule, error) {
	var out []*NotificationRule
	for rows.Next() {
		var r NotificationRule
		var condRaw, dataRaw []byte
		if err := rows.Scan(&r.ID, &r.ProjectSlug, &r.TableName, &r.Event, &r.RecipientColumn,
			&r.TitleTemplate, &r.BodyTemplate, &condRaw, &dataRaw, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if len(condRaw) > 0 {
			if err := json.Unmarshal(condRaw, &r.Conditions); err != nil {
				return nil, fmt.Errorf("decode rule conditions: %w", err)
			}
		}
		if len(dataRaw) > 0 {
			if err := json.Unmarshal(dataRaw, &r.DataPayload); err != nil {
				return nil, fmt.Errorf("decode rule payload: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CreateRule inserts a notification rule.
func (s *Store) CreateRule(ctx context.Context, r *NotificationRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	condRaw, err := json.Marshal(r.Conditions)
	if err != nil {
		return err
	}
	dataRaw, err := json.Marshal(r.DataPayload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_rules
			(id, project_slug, table_name, event, recipient_column,
			 title_template, body_template, conditions, data_payload, active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true,now())`,
		r.ID, r.ProjectSlug, r.TableName, r.Event, r.RecipientColumn,
		r.TitleTemplate, r.BodyTemplate, condRaw, dataRaw)
	return err
}

// DeleteRule removes a notification rule.
func (s *Store) DeleteRule(ctx context.Context, slug, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_rules WHERE project_slug = $1 AND id = $2`, slug, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

// ============================================================================
// HISTORY & ADMINS
// ============================================================================

// InsertHistory records a background delivery audit row.
func (s *Store) InsertHistory(ctx context.Context, h *HistoryEntry) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	detailRaw, err := json.Marshal(h.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delivery_history (id, project_slug, kind, status, detail, created_at)
		 VALUES ($1,$2,$3,$4,$5,now())`,
		h.ID, h.ProjectSlug, h.Kind, h.Status, detailRaw)
	return err
}

// GetAdmin returns an operator account by username, nil when absent.
func (s *Store) GetAdmin(ctx context.Context, username string) (*Admin, error) {
	var a Admin
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash FROM admins WHERE username = $1`,
		username).Scan(&a.ID, &a.Username, &a.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &a, nil
}

// Touch bumps updated_at; used by key rotation so pool invalidation hooks fire.
func (s *Store) Touch(ctx context.Context, slug string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET updated_at = now() WHERE slug = $1`, slug)
	return err
}

// Healthy pings the control database with a short deadline.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}
