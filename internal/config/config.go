package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// ServiceMode selects which surfaces a process serves.
type ServiceMode string

const (
	ModeAPI          ServiceMode = "API"
	ModeControlPlane ServiceMode = "CONTROL_PLANE"
	ModeWorker       ServiceMode = "WORKER"
)

// Config is the full process configuration, populated from the environment.
type Config struct {
	Port        string      `envconfig:"PORT" default:"8080"`
	ServiceMode ServiceMode `envconfig:"SERVICE_MODE" default:"API"`

	// Direct Postgres host (bypasses the transaction pooler — required for
	// LISTEN/NOTIFY and for pools created with use_direct).
	DBDirectHost string `envconfig:"DB_DIRECT_HOST" default:"localhost"`
	DBDirectPort string `envconfig:"DB_DIRECT_PORT" default:"5432"`

	// Pooled Postgres host (pgbouncer/supavisor style transaction pooler).
	DBPoolHost string `envconfig:"DB_POOL_HOST" default:"localhost"`
	DBPoolPort string `envconfig:"DB_POOL_PORT" default:"6432"`

	DBUser string `envconfig:"DB_USER" default:"postgres"`
	DBPass string `envconfig:"DB_PASS" default:"postgres"`

	// Control-plane database name (project directory, rules, history).
	ControlDBName string `envconfig:"CONTROL_DB_NAME" default:"cascata_control"`

	RedisHost string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort string `envconfig:"REDIS_PORT" default:"6379"`
	RedisPass string `envconfig:"REDIS_PASS" default:""`

	// Recognised but only used by out-of-scope collaborators (AI helpers).
	QdrantHost string `envconfig:"QDRANT_HOST" default:""`
	QdrantPort string `envconfig:"QDRANT_PORT" default:""`

	StorageRoot string `envconfig:"STORAGE_ROOT" default:"/var/lib/cascata"`

	// Process-wide admin JWT signing secret.
	SystemJWTSecret string `envconfig:"SYSTEM_JWT_SECRET" default:"cascata-dev-system-secret"`

	// Symmetric key for at-rest encryption of project secrets.
	SysSecret string `envconfig:"SYS_SECRET" default:"cascata-dev-sys-secret"`

	// Public hostname of the control plane; requests to other hosts with no
	// tenant context receive a stealth 404.
	SystemHostname string `envconfig:"SYSTEM_HOSTNAME" default:"localhost"`

	MaxActivePools int `envconfig:"MAX_ACTIVE_POOLS" default:"500"`

	Tuning Tuning `ignored:"true"`
}

// Tuning holds the YAML-overridable knobs. All have safe defaults; a tuning
// file is only needed when deviating from them.
type Tuning struct {
	PoolIdleReapSeconds      int `yaml:"pool_idle_reap_seconds"`
	PoolIdleMaxSeconds       int `yaml:"pool_idle_max_seconds"`
	StatementTimeoutMs       int `yaml:"statement_timeout_ms"`
	AcquireTimeoutSeconds    int `yaml:"acquire_timeout_seconds"`
	KeepAliveSeconds         int `yaml:"keepalive_seconds"`
	MaxSubscribersPerProject int `yaml:"max_subscribers_per_project"`
	ShutdownTimeoutSeconds   int `yaml:"shutdown_timeout_seconds"`
	RateLimitPerMinute       int `yaml:"rate_limit_per_minute"`
}

func defaultTuning() Tuning {
	return Tuning{
		PoolIdleReapSeconds:      30,
		PoolIdleMaxSeconds:       300,
		StatementTimeoutMs:       15000,
		AcquireTimeoutSeconds:    5,
		KeepAliveSeconds:         15,
		MaxSubscribersPerProject: 5000,
		ShutdownTimeoutSeconds:   10,
		RateLimitPerMinute:       300,
	}
}

// Load reads .env (if present), then the environment, then an optional YAML
// tuning overlay pointed at by CASCATA_TUNING.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	switch cfg.ServiceMode {
	case ModeAPI, ModeControlPlane, ModeWorker:
	default:
		return nil, fmt.Errorf("invalid SERVICE_MODE %q", cfg.ServiceMode)
	}

	cfg.Tuning = defaultTuning()
	if path := os.Getenv("CASCATA_TUNING"); path != "" {
		if err := loadTuning(path, &cfg.Tuning); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func loadTuning(path string, t *Tuning) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tuning file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(t); err != nil {
		return fmt.Errorf("parse tuning file: %w", err)
	}
	return nil
}

// EncryptionKey derives the 32-byte at-rest encryption key from SYS_SECRET.
// A 64-char hex value is decoded directly; anything else is hashed.
func (c *Config) EncryptionKey() []byte {
	if len(c.SysSecret) == 64 {
		if raw, err := hex.DecodeString(c.SysSecret); err == nil {
			return raw
		}
	}
	sum := sha256.Sum256([]byte(c.SysSecret))
	return sum[:]
}

// ControlDSN returns the lib/pq connection string for the control database.
func (c *Config) ControlDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBDirectHost, c.DBDirectPort, c.DBUser, c.DBPass, c.ControlDBName)
}

// RedisAddr returns host:port for go-redis.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// ShutdownTimeout is the absolute graceful-drain deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Tuning.ShutdownTimeoutSeconds) * time.Second
}
