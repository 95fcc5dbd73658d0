// Package push delivers mobile notifications through FCM HTTP v1, backed by
// a per-tenant device registry and the push job queue.
package push

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// deviceTableDDL creates the tenant device registry. Tokens are globally
// unique within a tenant: a token registering under a new user evicts the
// prior owner first.
const deviceTableDDL = `
CREATE SCHEMA IF NOT EXISTS auth;
CREATE TABLE IF NOT EXISTS auth.user_devices (
	id             BIGSERIAL PRIMARY KEY,
	user_id        TEXT NOT NULL,
	token          TEXT NOT NULL,
	platform       TEXT NOT NULL DEFAULT 'other',
	app_version    TEXT,
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, token)
)`

// Device is one registered push target.
type Device struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`
	AppVersion string    `json:"app_version,omitempty"`
	IsActive   bool      `json:"is_active"`
	LastActive time.Time `json:"last_active_at"`
}

// DeviceStore reads and writes the tenant's device registry through an
// acquired tenant pool.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore wraps a tenant pool.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

// EnsureTable creates the registry table if the tenant does not have it yet.
func (s *DeviceStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, deviceTableDDL)
	return err
}

func normalizePlatform(p string) string {
	switch p {
	case "ios", "android", "web":
		return p
	default:
		return "other"
	}
}

// Register upserts a device. A token moving to a different user evicts the
// prior owner's row so exactly one user holds any token.
func (s *DeviceStore) Register(ctx context.Context, d *Device) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning device registration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM auth.user_devices WHERE token = $1 AND user_id <> $2`,
		d.Token, d.UserID); err != nil {
		return fmt.Errorf("evicting prior token owner: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO auth.user_devices (user_id, token, platform, app_version, is_active, last_active_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (user_id, token) DO UPDATE
		SET platform = EXCLUDED.platform,
		    app_version = EXCLUDED.app_version,
		    is_active = TRUE,
		    last_active_at = NOW()`,
		d.UserID, d.Token, normalizePlatform(d.Platform), d.AppVersion); err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	return tx.Commit(ctx)
}

// Unregister deactivates a user's token.
func (s *DeviceStore) Unregister(ctx context.Context, userID, token string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE auth.user_devices SET is_active = FALSE WHERE user_id = $1 AND token = $2`,
		userID, token)
	return err
}

// ActiveDevices lists the user's live push targets.
func (s *DeviceStore) ActiveDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, token, platform, COALESCE(app_version, ''), is_active, last_active_at
		FROM auth.user_devices
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY last_active_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Token, &d.Platform,
			&d.AppVersion, &d.IsActive, &d.LastActive); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Prune deletes a dead token reported by the push provider.
func (s *DeviceStore) Prune(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auth.user_devices WHERE token = $1`, token)
	return err
}
