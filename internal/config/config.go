package config

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/docket-hq/slate-sheikah/internal/errors"
	"github.com/docket-hq/slate-sheikah/pkg/server"
)

const (
	// ConfigFileName is the default JSON configuration file name.
	ConfigFileName = "slate-sheikah.json"

	// YAMLConfigFileName is the default YAML configuration file name.
	YAMLConfigFileName = "slate-sheikah.yaml"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQL    = "sql"
	DriverS3     = "s3"
)

// Config represents a complete slated configuration file.
type Config struct {
	// Server contains collaboration server settings.
	Server ServerConfig `json:"server" yaml:"server"`

	// Store selects and configures the document store.
	Store StoreConfig `json:"store" yaml:"store"`

	// Log configures logging.
	Log LogConfig `json:"log" yaml:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains collaboration server settings. Zero values use the
// server defaults.
type ServerConfig struct {
	// Address is the listen address.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// SaveInterval is the minimum time between saves of one document.
	SaveInterval Duration `json:"save_interval,omitempty" yaml:"save_interval,omitempty"`

	// SaveTimeout bounds a single save.
	SaveTimeout Duration `json:"save_timeout,omitempty" yaml:"save_timeout,omitempty"`

	// CleanupInterval is how often idle sessions are swept.
	CleanupInterval Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`

	// CleanupThreshold is how long an empty session stays in memory.
	CleanupThreshold Duration `json:"cleanup_threshold,omitempty" yaml:"cleanup_threshold,omitempty"`

	// LoadTimeout bounds document loading.
	LoadTimeout Duration `json:"load_timeout,omitempty" yaml:"load_timeout,omitempty"`

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`

	// PingInterval is the heartbeat interval.
	PingInterval Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`

	// MaxMessageSize is the inbound message limit in bytes.
	MaxMessageSize int64 `json:"max_message_size,omitempty" yaml:"max_message_size,omitempty"`

	// MaxOutboundQueue is the per-connection send queue limit.
	MaxOutboundQueue int `json:"max_outbound_queue,omitempty" yaml:"max_outbound_queue,omitempty"`

	// DisableCompression turns off per-message deflate for snapshots.
	DisableCompression bool `json:"disable_compression,omitempty" yaml:"disable_compression,omitempty"`

	// AllowedOrigins restricts WebSocket origins. Empty allows all.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	// DefaultValue is the content of documents the store does not have.
	DefaultValue Document `json:"default_value,omitempty" yaml:"default_value,omitempty"`

	// Metrics enables the Prometheus /metrics endpoint.
	Metrics bool `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Tracing enables OpenTelemetry spans for messages and store calls.
	Tracing bool `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	// Driver is memory, redis, sql or s3 (default: memory).
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`

	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
	SQL   SQLConfig   `json:"sql,omitempty" yaml:"sql,omitempty"`
	S3    S3Config    `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int      `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTL      Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// SQLConfig configures the SQL store.
type SQLConfig struct {
	// DSN is the data source name passed to database/sql.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// Dialect is postgres, mysql or sqlite (default: postgres).
	Dialect string `json:"dialect,omitempty" yaml:"dialect,omitempty"`

	// Table is the documents table name.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`

	// CreateTable creates the table on startup if it does not exist.
	CreateTable bool `json:"create_table,omitempty" yaml:"create_table,omitempty"`
}

// S3Config configures the S3 store.
type S3Config struct {
	Bucket       string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix       string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Format is text or json (default: text).
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080"},
		Store:  StoreConfig{Driver: DriverMemory, SQL: SQLConfig{Dialect: "postgres"}},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load looks for slate-sheikah.json, then slate-sheikah.yaml, in dir.
// A directory without either file yields the defaults.
func Load(dir string) (*Config, error) {
	for _, name := range []string{ConfigFileName, YAMLConfigFileName} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return New(), nil
}

// LoadFile reads configuration from the specified file path. The format is
// chosen by extension; .yaml and .yml are YAML, everything else is JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E100").
				WithDetailf("No config file at %s", path)
		}
		return nil, errors.New("E102").Wrap(err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse decodes configuration data. ext selects the format as in LoadFile.
// Unknown fields are rejected.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := New()

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, errors.New("E102").
				WithDetail("Failed to parse YAML config: " + err.Error())
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.New("E102").
				WithDetail("Failed to parse JSON config: " + err.Error()).
				WithSuggestion("Check that the file is valid JSON")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.SQL.Dialect == "" {
		c.Store.SQL.Dialect = "postgres"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	durations := []struct {
		field string
		value Duration
	}{
		{"server.save_interval", c.Server.SaveInterval},
		{"server.save_timeout", c.Server.SaveTimeout},
		{"server.cleanup_interval", c.Server.CleanupInterval},
		{"server.cleanup_threshold", c.Server.CleanupThreshold},
		{"server.load_timeout", c.Server.LoadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"store.redis.ttl", c.Store.Redis.TTL},
	}
	for _, d := range durations {
		if d.value < 0 {
			return errors.New("E104").
				WithField(d.field).
				WithDetailf("%s is %s", d.field, d.value)
		}
	}

	if len(c.Server.DefaultValue) > 0 {
		var nodes []json.RawMessage
		if err := json.Unmarshal(c.Server.DefaultValue, &nodes); err != nil {
			return errors.New("E106").WithField("server.default_value").Wrap(err)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("E107").WithField("log.level").
			WithDetailf("Unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New("E107").WithField("log.format").
			WithDetailf("Unknown log format %q", c.Log.Format)
	}

	return c.validateStore()
}

func (c *Config) validateStore() error {
	missing := func(field string) error {
		return errors.New("E105").
			WithField(field).
			WithDetailf("The %s store requires %s", c.Store.Driver, field)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return missing("store.redis.addr")
		}
	case DriverSQL:
		if c.Store.SQL.DSN == "" {
			return missing("store.sql.dsn")
		}
		switch c.Store.SQL.Dialect {
		case "postgres", "postgresql", "mysql", "sqlite", "sqlite3":
		default:
			return errors.New("E108").WithField("store.sql.dialect").
				WithDetailf("Unknown SQL dialect %q", c.Store.SQL.Dialect)
		}
	case DriverS3:
		if c.Store.S3.Bucket == "" {
			return missing("store.s3.bucket")
		}
	default:
		return errors.New("E101").
			WithField("store.driver").
			WithDetailf("Store driver %q is not supported", c.Store.Driver)
	}
	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ServerConfig converts the server section into a server.Config. Hooks,
// observers and middleware are left for the caller to wire.
func (c *Config) ServerConfig(logger *slog.Logger) *server.Config {
	sc := &server.Config{
		Address:           c.Server.Address,
		SaveInterval:      c.Server.SaveInterval.Std(),
		SaveTimeout:       c.Server.SaveTimeout.Std(),
		CleanupInterval:   c.Server.CleanupInterval.Std(),
		CleanupThreshold:  c.Server.CleanupThreshold.Std(),
		LoadTimeout:       c.Server.LoadTimeout.Std(),
		WriteTimeout:      c.Server.WriteTimeout.Std(),
		PingInterval:      c.Server.PingInterval.Std(),
		ShutdownTimeout:   c.Server.ShutdownTimeout.Std(),
		MaxMessageSize:    c.Server.MaxMessageSize,
		MaxOutboundQueue:  c.Server.MaxOutboundQueue,
		EnableCompression: !c.Server.DisableCompression,
		Logger:            logger,
	}
	if len(c.Server.DefaultValue) > 0 {
		sc.DefaultValue = json.RawMessage(c.Server.DefaultValue)
	}
	if len(c.Server.AllowedOrigins) > 0 {
		sc.CheckOrigin = originChecker(c.Server.AllowedOrigins)
	}
	return sc
}

// originChecker allows requests without an Origin header and those whose
// Origin matches one of allowed exactly ("*" allows all).
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
