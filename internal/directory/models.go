package directory

import (
	"encoding/json"
	"time"
)

// Project is a tenant record from the control database. Key fields arrive
// encrypted and are decrypted eagerly by the resolver.
type Project struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	DBName       string    `json:"db_name"`
	CustomDomain string    `json:"custom_domain,omitempty"`
	Status       string    `json:"status"`
	BlockedIPs   []string  `json:"blocked_ips,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Encrypted at rest; never serialized.
	AnonKeyEnc    string `json:"-"`
	ServiceKeyEnc string `json:"-"`
	JWTSecretEnc  string `json:"-"`

	// Decrypted copies, populated by Resolver.Resolve.
	AnonKey    string `json:"-"`
	ServiceKey string `json:"-"`
	JWTSecret  string `json:"-"`

	Meta ProjectMeta `json:"metadata"`
}

// Ejected reports whether the project's primary database lives outside the
// platform (BYOD).
func (p *Project) Ejected() bool { return p.Meta.ExternalPrimaryURL != "" }

// Origin is an allowed CORS origin: either a bare URL string or a record
// with a require_auth flag.
type Origin struct {
	URL         string `json:"url"`
	RequireAuth bool   `json:"require_auth,omitempty"`
}

// UnmarshalJSON accepts both `"https://a.example"` and
// `{"url": "...", "require_auth": true}`.
func (o *Origin) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		o.URL = s
		o.RequireAuth = false
		return nil
	}
	type alias Origin
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*o = Origin(a)
	return nil
}

// SecurityMeta carries per-project request policy overrides.
type SecurityMeta struct {
	MaxJSONSize int64 `json:"max_json_size,omitempty"`
}

// PushMeta holds the FCM service-account credentials for mobile push.
type PushMeta struct {
	FCMProjectID   string `json:"fcm_project_id,omitempty"`
	FCMClientEmail string `json:"fcm_client_email,omitempty"`
	FCMPrivateKey  string `json:"fcm_private_key,omitempty"`
}

// Configured reports whether the project can send push notifications.
func (p PushMeta) Configured() bool {
	return p.FCMProjectID != "" && p.FCMClientEmail != "" && p.FCMPrivateKey != ""
}

// ProjectMeta is the semi-structured metadata bag. Recognised keys get a
// typed surface; unknown keys survive a read-modify-write cycle untouched.
type ProjectMeta struct {
	PoolMaxConns       int    `json:"pool_max_conns,omitempty"`
	PoolIdleSeconds    int    `json:"pool_idle_seconds,omitempty"`
	StatementTimeoutMs int    `json:"statement_timeout_ms,omitempty"`
	ExternalPrimaryURL string `json:"external_primary_url,omitempty"`
	ReadReplicaURL     string `json:"read_replica_url,omitempty"`

	AllowedOrigins []Origin     `json:"allowed_origins,omitempty"`
	SchemaExposure bool         `json:"schema_exposure,omitempty"`
	Security       SecurityMeta `json:"security,omitempty"`
	Push           PushMeta     `json:"push,omitempty"`

	extra map[string]json.RawMessage
}

var metaKnownKeys = map[string]bool{
	"pool_max_conns":       true,
	"pool_idle_seconds":    true,
	"statement_timeout_ms": true,
	"external_primary_url": true,
	"read_replica_url":     true,
	"allowed_origins":      true,
	"schema_exposure":      true,
	"security":             true,
	"push":                 true,
}

// UnmarshalJSON decodes the typed keys and stashes everything else.
func (m *ProjectMeta) UnmarshalJSON(data []byte) error {
	type alias ProjectMeta
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if metaKnownKeys[k] {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}

	*m = ProjectMeta(a)
	m.extra = raw
	return nil
}

// MarshalJSON re-emits the typed keys plus the preserved unknown keys.
func (m ProjectMeta) MarshalJSON() ([]byte, error) {
	type alias ProjectMeta
	typed, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return typed, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(typed, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// NotificationRule binds a table event to a templated push message.
type NotificationRule struct {
	ID              string          `json:"id"`
	ProjectSlug     string          `json:"project_slug"`
	TableName       string          `json:"table_name"`
	Event           string          `json:"event"` // INSERT | UPDATE | DELETE | ALL
	RecipientColumn string          `json:"recipient_column"`
	TitleTemplate   string          `json:"title_template"`
	BodyTemplate    string          `json:"body_template"`
	Conditions      []RuleCondition `json:"conditions,omitempty"`
	DataPayload     map[string]any  `json:"data_payload,omitempty"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RuleCondition is evaluated against the fresh row; all must match.
type RuleCondition struct {
	Field string `json:"field"`
	Op    string `json:"op"` // eq, neq, gt, gte, lt, lte, contains
	Value any    `json:"value"`
}

// HistoryEntry is an audit row for background deliveries.
type HistoryEntry struct {
	ID          string         `json:"id"`
	ProjectSlug string         `json:"project_slug"`
	Kind        string         `json:"kind"` // push | webhook
	Status      string         `json:"status"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Admin is a control-plane operator account.
type Admin struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}
