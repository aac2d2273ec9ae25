package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// GCALEVENTS_ICS_URL or GCALEVENTS_DATABASE_DSN.
const EnvPrefix = "GCALEVENTS"

const (
	DefaultLookaheadMonths = 3
	MinLookaheadMonths     = 1
	MaxLookaheadMonths     = 12

	DefaultRetentionDays = 30
	DefaultMaxInstances  = 100

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver" envconfig:"DRIVER"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn" json:"dsn" envconfig:"DSN"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the web API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// ICSURL is the calendar feed. http(s)://, file:// or a plain path.
	ICSURL string `yaml:"ics_url" json:"ics_url" envconfig:"ICS_URL"`

	// Timezone is the IANA site timezone all instants are stored in.
	Timezone string `yaml:"timezone" json:"timezone" envconfig:"TIMEZONE"`

	// LookaheadMonths bounds recurrence expansion. Clamped to [1,12].
	LookaheadMonths int `yaml:"lookahead_months" json:"lookahead_months" envconfig:"LOOKAHEAD_MONTHS"`

	// RetentionDays removes stored events that ended longer ago than this.
	RetentionDays int `yaml:"retention_days" json:"retention_days" envconfig:"RETENTION_DAYS"`

	// MaxInstancesPerSeries caps generated occurrences of one master.
	MaxInstancesPerSeries int `yaml:"max_instances_per_series" json:"max_instances_per_series" envconfig:"MAX_INSTANCES_PER_SERIES"`

	// RefreshCron is a cron expression for scheduled imports in serve mode.
	RefreshCron string `yaml:"refresh" json:"refresh" envconfig:"REFRESH"`

	// Listen is the HTTP listen address for serve mode.
	Listen string `yaml:"listen" json:"listen" envconfig:"LISTEN"`

	// CacheDir keeps the last fetched ICS body and its HTTP validators.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" envconfig:"CACHE_DIR"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" envconfig:"LOG_LEVEL"`

	// LogFormat is "console" (default) or "json".
	LogFormat string `yaml:"log_format" json:"log_format" envconfig:"LOG_FORMAT"`

	Database DatabaseConfig `yaml:"database" json:"database" envconfig:"DATABASE"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty" ignored:"true"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		ICSURL:                "",
		Timezone:              "UTC",
		LookaheadMonths:       DefaultLookaheadMonths,
		RetentionDays:         DefaultRetentionDays,
		MaxInstancesPerSeries: DefaultMaxInstances,
		RefreshCron:           "0 * * * *",
		Listen:                "127.0.0.1:8080",
		CacheDir:              "./var/ics-cache",
		LogLevel:              "info",
		LogFormat:             "console",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "./var/events.db",
		},
	}
}

// Normalize fills in missing/zero values and clamps ranges so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	c.ICSURL = strings.TrimSpace(c.ICSURL)
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	c.LookaheadMonths = ClampLookahead(c.LookaheadMonths)
	if c.RetentionDays <= 0 {
		c.RetentionDays = def.RetentionDays
	}
	if c.MaxInstancesPerSeries <= 0 {
		c.MaxInstancesPerSeries = def.MaxInstancesPerSeries
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat != "json" {
		c.LogFormat = def.LogFormat
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	case "", "sqlite3":
		c.Database.Driver = DriverSQLite
	default:
		// Unknown driver; Validate reports it.
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = def.Database.DSN
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is empty")
	}
	return nil
}

// ClampLookahead returns months clamped to [1,12]; zero or negative
// values select the default.
func ClampLookahead(months int) int {
	if months <= 0 {
		return DefaultLookaheadMonths
	}
	if months < MinLookaheadMonths {
		return MinLookaheadMonths
	}
	if months > MaxLookaheadMonths {
		return MaxLookaheadMonths
	}
	return months
}

// Load loads configuration from the given YAML path and applies
// GCALEVENTS_* environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - Environment overrides are applied last, then defaults are normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		if err := Save(path, cfg); err != nil {
			// Even if save fails, return cfg with error so caller can decide.
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// ApplyEnv overrides fields from GCALEVENTS_* environment variables. Unset
// variables leave the current value untouched.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("process environment overrides: %w", err)
	}
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".gcalevents-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
