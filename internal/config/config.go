// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backend names.
const (
	DatabasePostgres = "postgres"
	DatabaseMemory   = "memory"

	QueueMemory = "memory"
	QueuePubSub = "pubsub"

	SnapshotNone   = "none"
	SnapshotMemory = "memory"
	SnapshotLocal  = "local"
	SnapshotGCS    = "gcs"
	SnapshotS3     = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig selects and sizes the job queue. Host and Port name a broker
// address for deployments that front the service with one; they are only
// logged.
type QueueConfig struct {
	Backend string            `mapstructure:"backend"`
	Host    string            `mapstructure:"host"`
	Port    int               `mapstructure:"port"`
	Depth   int               `mapstructure:"depth"`
	PubSub  PubSubQueueConfig `mapstructure:"pubsub"`
}

// PubSubQueueConfig names the Pub/Sub resources of the shared queue. The
// project comes from pubsub.project_id.
type PubSubQueueConfig struct {
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// ScraperConfig governs the worker pool.
type ScraperConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	UserAgent   string `mapstructure:"user_agent"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	TimeoutSeconds     int  `mapstructure:"timeout_seconds"`
	MaxBodyBytes       int  `mapstructure:"max_body_bytes"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// RateLimitConfig configures per-host throttling.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// DatabaseConfig controls access to the media table.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for result notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SnapshotConfig selects where fetched HTML is archived.
type SnapshotConfig struct {
	Backend string              `mapstructure:"backend"`
	Prefix  string              `mapstructure:"prefix"`
	Local   LocalSnapshotConfig `mapstructure:"local"`
	GCS     GCSSnapshotConfig   `mapstructure:"gcs"`
	S3      S3SnapshotConfig    `mapstructure:"s3"`
}

// LocalSnapshotConfig configures the filesystem backend.
type LocalSnapshotConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSSnapshotConfig configures the GCS backend.
type GCSSnapshotConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// S3SnapshotConfig configures the S3-compatible backend.
type S3SnapshotConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig controls hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// LedgerConfig bounds the in-memory job ledger.
type LedgerConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// envAliases maps config keys to the plain variable names deployments
// already export.
var envAliases = map[string]string{
	"scraper.concurrency": "CONCURRENCY",
	"queue.host":          "REDIS_HOST",
	"queue.port":          "REDIS_PORT",
	"database.dsn":        "DATABASE_URL",
	"server.port":         "PORT",
	"database.host":       "DB_HOST",
	"database.port":       "DB_PORT",
	"database.user":       "DB_USER",
	"database.password":   "DB_PASSWORD",
	"database.name":       "DB_NAME",
}

const envPrefix = "SCRAPER"

// Load builds a Config from an optional .env file, an optional YAML file and
// the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindAliases(v); err != nil {
		return Config{}, err
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// bindAliases binds each key to its prefixed name and its plain alias. The
// prefixed name is listed first so it wins when both are set.
func bindAliases(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for key, alias := range envAliases {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 6379)
	v.SetDefault("queue.depth", 1024)
	v.SetDefault("scraper.concurrency", 2)
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (Compatible; MediaScraper/1.0)")
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.max_body_bytes", 5*1024*1024)
	v.SetDefault("http.insecure_skip_verify", true)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("database.backend", DatabasePostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "user")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "mediadb")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.table", "media")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.max_conn_idle_time", "30s")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("snapshot.backend", SnapshotNone)
	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("snapshot.local.base_dir", "./data/snapshots")
	v.SetDefault("snapshot.s3.region", "us-east-1")
	v.SetDefault("snapshot.s3.use_ssl", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("ledger.capacity", 1000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	switch c.Queue.Backend {
	case "", QueueMemory:
	case QueuePubSub:
		if c.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" || c.Queue.PubSub.Subscription == "" {
			return fmt.Errorf("pubsub.project_id, queue.pubsub.topic and queue.pubsub.subscription must be set for the pubsub queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("scraper.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.DefaultRPS <= 0 || c.RateLimit.DefaultBurst <= 0) {
		return fmt.Errorf("rate_limit.default_rps and rate_limit.default_burst must be > 0 when rate limiting is enabled")
	}
	switch c.Database.Backend {
	case DatabasePostgres, DatabaseMemory:
	default:
		return fmt.Errorf("database.backend must be %q or %q, got %q", DatabasePostgres, DatabaseMemory, c.Database.Backend)
	}
	if c.Database.Backend == DatabasePostgres && c.Database.DSN == "" && c.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host must be set for the postgres backend")
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		return fmt.Errorf("database.max_conns and database.min_conns must be >= 0")
	}
	if err := c.Snapshot.validate(); err != nil {
		return err
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0 when progress is enabled")
	}
	if c.Ledger.Capacity <= 0 {
		return fmt.Errorf("ledger.capacity must be > 0")
	}
	return nil
}

func (s SnapshotConfig) validate() error {
	switch s.Backend {
	case "", SnapshotNone, SnapshotMemory:
	case SnapshotLocal:
		if s.Local.BaseDir == "" {
			return fmt.Errorf("snapshot.local.base_dir must be set for the local backend")
		}
	case SnapshotGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("snapshot.gcs.bucket must be set for the gcs backend")
		}
	case SnapshotS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("snapshot.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("snapshot.backend %q is not supported", s.Backend)
	}
	return nil
}

// FetchTimeout is the hard per-fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds each API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// ConnString returns database.dsn, or a postgres URL assembled from the discrete
// connection fields when it is empty.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	port := d.Port
	if port <= 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// Addr is the configured broker address.
func (q QueueConfig) Addr() string {
	return net.JoinHostPort(q.Host, strconv.Itoa(q.Port))
}
