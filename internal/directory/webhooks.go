package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebhookSubscription binds a table event to an outbound delivery target.
// The secret signs payloads and is never returned by list endpoints.
type WebhookSubscription struct {
	ID          string    `json:"id"`
	ProjectSlug string    `json:"project_slug"`
	TableName   string    `json:"table_name"`
	Event       string    `json:"event"` // INSERT | UPDATE | DELETE | ALL
	TargetURL   string    `json:"target_url"`
	Secret      string    `json:"-"`
	FallbackURL string    `json:"fallback_url,omitempty"`
	Policy      string    `json:"policy"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func scanSubscription(rows *sql.Rows) (*WebhookSubscription, error) {
	var s WebhookSubscription
	var fallback sql.NullString
	if err := rows.Scan(&s.ID, &s.ProjectSlug, &s.TableName, &s.Event,
		&s.TargetURL, &s.Secret, &fallback, &s.Policy, &s.Active, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.FallbackURL = fallback.String
	return &s, nil
}

const subscriptionColumns = `id, project_slug, table_name, event, target_url,
	secret, fallback_url, policy, active, created_at`

// MatchWebhooks returns the active subscriptions firing for a table event.
func (s *Store) MatchWebhooks(ctx context.Context, slug, table, event string) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE project_slug = $1 AND table_name = $2 AND (event = $3 OR event = 'ALL') AND active`,
		slug, table, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListWebhooks returns every subscription for a project.
func (s *Store) ListWebhooks(ctx context.Context, slug string) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE project_slug = $1 ORDER BY created_at`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CreateWebhook stores a new subscription.
func (s *Store) CreateWebhook(ctx context.Context, sub *WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Event == "" {
		sub.Event = "ALL"
	}
	if sub.Policy == "" {
		sub.Policy = "standard"
	}
	sub.Active = true
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions
		 (id, project_slug, table_name, event, target_url, secret, fallback_url, policy, active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,true,now())`,
		sub.ID, sub.ProjectSlug, sub.TableName, sub.Event, sub.TargetURL,
		sub.Secret, sub.FallbackURL, sub.Policy)
	return err
}

// DeleteWebhook removes a subscription scoped to its project.
func (s *Store) DeleteWebhook(ctx context.Context, slug, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE project_slug = $1 AND id = $2`, slug, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s not found", id)
	}
	return nil
}
