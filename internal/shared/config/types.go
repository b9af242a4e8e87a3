package config

import (
	"time"

	"rimg/internal/observability"
)

// RuntimeConfig is the resolved service configuration.
type RuntimeConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	// BaseURL prefixes URLs rendered by the url and srcset helpers.
	BaseURL string `mapstructure:"base_url"`
	// PublicDir is the web path of the public scheme, e.g. sites/default/files.
	PublicDir     string                  `mapstructure:"public_dir"`
	DefaultScheme string                  `mapstructure:"default_scheme"`
	Schemes       map[string]SchemeConfig `mapstructure:"schemes"`

	StylesFile     string `mapstructure:"styles_file"`
	StyleCacheSize int    `mapstructure:"style_cache_size"`
	FocalFile      string `mapstructure:"focal_file"`

	PageCacheMaxAge time.Duration `mapstructure:"page_cache_max_age"`
	RetryAfter      time.Duration `mapstructure:"retry_after"`
	JPEGQuality     int           `mapstructure:"jpeg_quality"`
	// MaxDimension caps the width and height a derivative URL may request.
	MaxDimension int `mapstructure:"max_dimension"`

	Lock   LockConfig   `mapstructure:"lock"`
	Access []AccessRule `mapstructure:"access"`
	Watch  WatchConfig  `mapstructure:"watch"`
	Sweep  SweepConfig  `mapstructure:"sweep"`
	Admin  AdminConfig  `mapstructure:"admin"`

	Log     LogConfig                   `mapstructure:"log"`
	Metrics observability.MetricsConfig `mapstructure:"metrics"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// SchemeConfig maps a storage scheme to a local directory.
type SchemeConfig struct {
	Root  string `mapstructure:"root"`
	Gated bool   `mapstructure:"gated"`
}

// LockConfig selects the generation lock backend.
type LockConfig struct {
	Backend string        `mapstructure:"backend"` // memory, postgres, sqlite
	DSN     string        `mapstructure:"dsn"`
	Path    string        `mapstructure:"path"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// AccessRule grants gated files below Allowed and refuses those below Denied.
type AccessRule struct {
	Scheme  string   `mapstructure:"scheme"`
	Allowed []string `mapstructure:"allowed"`
	Denied  []string `mapstructure:"denied"`
}

// WatchConfig configures the source watcher.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// SweepConfig bounds invalidation fan-out.
type SweepConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// AdminConfig protects the admin routes. An empty token disables them.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// Overrides are caller-supplied values that take precedence over every
// other source. Nil fields are ignored.
type Overrides struct {
	Addr        *string
	BaseURL     *string
	StylesFile  *string
	LockBackend *string
	LockDSN     *string
	LogLevel    *string
	LogFormat   *string
	Watch       *bool
}

// Metadata records where the configuration came from.
type Metadata struct {
	configFile string
	loadedAt   time.Time
}

// ConfigFile returns the file that was read, or "" when none was.
func (m Metadata) ConfigFile() string {
	return m.configFile
}

// LoadedAt returns when the configuration was resolved.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}
