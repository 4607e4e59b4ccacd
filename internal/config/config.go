// Package config provides viper-based configuration for feedsync.
//
// Values come from, in increasing precedence: built-in defaults, the
// feedsync.toml config file, FEEDSYNC_* environment variables (dots become
// underscores, e.g. FEEDSYNC_SYNC_SERVER_URL) and bound command-line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the base name of the config file searched for by Load.
const FileName = "feedsync"

// Config is the complete feedsync configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database" yaml:"database" json:"database"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync" yaml:"sync" json:"sync"`
	Items     ItemsConfig     `mapstructure:"items" toml:"items" yaml:"items" json:"items"`
	Ingest    IngestConfig    `mapstructure:"ingest" toml:"ingest" yaml:"ingest" json:"ingest"`
	Retry     RetryConfig     `mapstructure:"retry" toml:"retry" yaml:"retry" json:"retry"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard" yaml:"dashboard" json:"dashboard"`
	Log       LogConfig       `mapstructure:"log" toml:"log" yaml:"log" json:"log"`
	FreshRSS  FreshRSSConfig  `mapstructure:"freshrss" toml:"freshrss" yaml:"freshrss" json:"freshrss"`
}

// DatabaseConfig locates the local store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path" json:"path"`
}

// SyncConfig controls the read-mark sync engine and its transport.
type SyncConfig struct {
	ServerURL           string        `mapstructure:"server_url" toml:"server_url" yaml:"server_url" json:"server_url"`
	DeviceName          string        `mapstructure:"device_name" toml:"device_name" yaml:"device_name" json:"device_name"`
	PushDelay           time.Duration `mapstructure:"push_delay" toml:"push_delay" yaml:"push_delay" json:"push_delay"`
	PushBatchSize       int           `mapstructure:"push_batch_size" toml:"push_batch_size" yaml:"push_batch_size" json:"push_batch_size"`
	OnlyOnWifi          bool          `mapstructure:"only_on_wifi" toml:"only_on_wifi" yaml:"only_on_wifi" json:"only_on_wifi"`
	OnlyWhenCharging    bool          `mapstructure:"only_when_charging" toml:"only_when_charging" yaml:"only_when_charging" json:"only_when_charging"`
	Frequency           string        `mapstructure:"frequency" toml:"frequency" yaml:"frequency" json:"frequency"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second" toml:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	Timeout             time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout" json:"timeout"`
	PendingMarkMaxAge   time.Duration `mapstructure:"pending_mark_max_age" toml:"pending_mark_max_age" yaml:"pending_mark_max_age" json:"pending_mark_max_age"`
	RemoteMarkMaxAge    time.Duration `mapstructure:"remote_mark_max_age" toml:"remote_mark_max_age" yaml:"remote_mark_max_age" json:"remote_mark_max_age"`
	SyncedMarkRetention time.Duration `mapstructure:"synced_mark_retention" toml:"synced_mark_retention" yaml:"synced_mark_retention" json:"synced_mark_retention"`
}

// ItemsConfig controls retention.
type ItemsConfig struct {
	KeepPerFeed int `mapstructure:"keep_per_feed" toml:"keep_per_feed" yaml:"keep_per_feed" json:"keep_per_feed"`
}

// IngestConfig controls the daemon's ingestion sources.
type IngestConfig struct {
	InboxDir     string `mapstructure:"inbox_dir" toml:"inbox_dir" yaml:"inbox_dir" json:"inbox_dir"`
	PollSchedule string `mapstructure:"poll_schedule" toml:"poll_schedule" yaml:"poll_schedule" json:"poll_schedule"`
	UserAgent    string `mapstructure:"user_agent" toml:"user_agent" yaml:"user_agent" json:"user_agent"`
}

// RetryConfig is the backoff of failed background jobs.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" toml:"max_retries" yaml:"max_retries" json:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay" toml:"initial_delay" yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" toml:"max_delay" yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" toml:"multiplier" yaml:"multiplier" json:"multiplier"`
}

// DashboardConfig enables the WebSocket status dashboard.
type DashboardConfig struct {
	// Port 0 disables the dashboard.
	Port int `mapstructure:"port" toml:"port" yaml:"port" json:"port"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file" yaml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
}

// FreshRSSConfig holds the Google Reader API account to import from.
type FreshRSSConfig struct {
	ServerURL  string `mapstructure:"server_url" toml:"server_url" yaml:"server_url" json:"server_url"`
	Username   string `mapstructure:"username" toml:"username" yaml:"username" json:"username"`
	Password   string `mapstructure:"password" toml:"password" yaml:"password" json:"password"`
	BatchSize  int    `mapstructure:"batch_size" toml:"batch_size" yaml:"batch_size" json:"batch_size"`
	FetchCount int    `mapstructure:"fetch_count" toml:"fetch_count" yaml:"fetch_count" json:"fetch_count"`
}

// DataDir is the default directory of the database and inbox.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "feedsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".feedsync"
	}
	return filepath.Join(home, ".local", "share", "feedsync")
}

// ConfigDir is the default directory of the config file.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "feedsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "feedsync")
}

// New returns a viper instance with defaults, search paths and environment
// binding configured. cfgFile overrides the search.
func New(cfgFile string) *viper.Viper {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix("FEEDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load reads configuration into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file: defaults, env and flags only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	data := DataDir()
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "feedsync"
	}

	v.SetDefault("database.path", filepath.Join(data, "feedsync.db"))

	v.SetDefault("sync.server_url", "http://localhost:8686")
	v.SetDefault("sync.device_name", host)
	v.SetDefault("sync.push_delay", 10*time.Second)
	v.SetDefault("sync.push_batch_size", 50)
	v.SetDefault("sync.only_on_wifi", false)
	v.SetDefault("sync.only_when_charging", false)
	v.SetDefault("sync.frequency", "@every 1h")
	v.SetDefault("sync.requests_per_second", 5.0)
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("sync.pending_mark_max_age", 720*time.Hour)
	v.SetDefault("sync.remote_mark_max_age", 720*time.Hour)
	v.SetDefault("sync.synced_mark_retention", 2160*time.Hour)

	v.SetDefault("items.keep_per_feed", 100)

	v.SetDefault("ingest.inbox_dir", filepath.Join(data, "inbox"))
	v.SetDefault("ingest.poll_schedule", "@every 30m")
	v.SetDefault("ingest.user_agent", "feedsync/1.0")

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.initial_delay", 5*time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("dashboard.port", 0)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("freshrss.server_url", "")
	v.SetDefault("freshrss.username", "")
	v.SetDefault("freshrss.password", "")
	v.SetDefault("freshrss.batch_size", 50)
	v.SetDefault("freshrss.fetch_count", 50)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	u, err := url.Parse(c.Sync.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("sync.server_url must be an http or https url: %q", c.Sync.ServerURL)
	}
	if strings.TrimSpace(c.Sync.DeviceName) == "" {
		return fmt.Errorf("sync.device_name must not be blank")
	}
	if c.Sync.PushDelay < 0 {
		return fmt.Errorf("sync.push_delay must not be negative")
	}
	if c.Sync.PushBatchSize <= 0 {
		return fmt.Errorf("sync.push_batch_size must be positive")
	}
	if c.Sync.RequestsPerSecond < 0 {
		return fmt.Errorf("sync.requests_per_second must not be negative")
	}
	if err := validSchedule("sync.frequency", c.Sync.Frequency); err != nil {
		return err
	}
	if err := validSchedule("ingest.poll_schedule", c.Ingest.PollSchedule); err != nil {
		return err
	}

	if c.Items.KeepPerFeed < 0 {
		return fmt.Errorf("items.keep_per_feed must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// validSchedule accepts an empty spec (disabled) or a cron/descriptor spec.
func validSchedule(key, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s is not a valid schedule %q: %w", key, spec, err)
	}
	return nil
}

// WriteDefault writes the built-in configuration to path as TOML. An
// existing file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := Encode(Default(), "toml")
	if err != nil {
		return err
	}
	// #nosec G306 - config may hold credentials
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Redacted returns a copy of c with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.FreshRSS.Password != "" {
		out.FreshRSS.Password = "********"
	}
	return &out
}

// Encode renders cfg as toml, yaml or json.
func Encode(cfg *Config, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "toml", "":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
	case "json":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to encode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q (must be toml, yaml or json)", format)
	}
	return buf.Bytes(), nil
}
