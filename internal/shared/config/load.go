package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment variables, e.g. RIMG_HTTP_ADDR.
const EnvPrefix = "RIMG"

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "rimg.yaml"

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	readFile   func(string) ([]byte, error)
	overrides  Overrides
	configPath string
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// Load resolves defaults, then the YAML config file, then RIMG_*
// environment variables, then overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{readFile: os.ReadFile}
	for _, opt := range opts {
		opt(&options)
	}
	meta := Metadata{loadedAt: time.Now()}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	path, explicit := strings.TrimSpace(options.configPath), true
	if path == "" {
		path, explicit = DefaultConfigFile, false
	}
	data, err := options.readFile(path)
	switch {
	case err == nil:
		if len(bytes.TrimSpace(data)) > 0 {
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return RuntimeConfig{}, Metadata{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
		meta.configFile = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return RuntimeConfig{}, Metadata{}, fmt.Errorf("read config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyOverrides(v, options.overrides)

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RuntimeConfig{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	normalizeRuntimeConfig(&cfg)
	if err := Validate(cfg); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

// Default returns the configuration produced by defaults alone.
func Default() RuntimeConfig {
	v := viper.New()
	setDefaults(v)
	var cfg RuntimeConfig
	_ = v.Unmarshal(&cfg)
	normalizeRuntimeConfig(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 2*time.Minute)
	v.SetDefault("http.idle_timeout", 2*time.Minute)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("base_url", "")
	v.SetDefault("public_dir", "sites/default/files")
	v.SetDefault("default_scheme", "public")
	v.SetDefault("schemes.public.root", "files/public")
	v.SetDefault("schemes.public.gated", false)
	v.SetDefault("schemes.private.root", "files/private")
	v.SetDefault("schemes.private.gated", true)
	v.SetDefault("styles_file", "styles.yaml")
	v.SetDefault("style_cache_size", 256)
	v.SetDefault("focal_file", "")
	v.SetDefault("page_cache_max_age", time.Hour)
	v.SetDefault("retry_after", 3*time.Second)
	v.SetDefault("max_dimension", 5000)
	v.SetDefault("jpeg_quality", 85)
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.dsn", "")
	v.SetDefault("lock.path", "rimg-locks.db")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("admin.token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.zipkin_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "rimg")
	v.SetDefault("tracing.service_version", "")
}

func applyOverrides(v *viper.Viper, o Overrides) {
	setString := func(key string, value *string) {
		if value != nil {
			v.Set(key, *value)
		}
	}
	setString("http.addr", o.Addr)
	setString("base_url", o.BaseURL)
	setString("styles_file", o.StylesFile)
	setString("lock.backend", o.LockBackend)
	setString("lock.dsn", o.LockDSN)
	setString("log.level", o.LogLevel)
	setString("log.format", o.LogFormat)
	if o.Watch != nil {
		v.Set("watch.enabled", *o.Watch)
	}
}

func normalizeRuntimeConfig(cfg *RuntimeConfig) {
	cfg.HTTP.Addr = strings.TrimSpace(cfg.HTTP.Addr)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.PublicDir = strings.Trim(strings.TrimSpace(cfg.PublicDir), "/")
	cfg.DefaultScheme = strings.TrimSpace(cfg.DefaultScheme)
	cfg.StylesFile = strings.TrimSpace(cfg.StylesFile)
	cfg.FocalFile = strings.TrimSpace(cfg.FocalFile)
	cfg.Lock.Backend = strings.ToLower(strings.TrimSpace(cfg.Lock.Backend))
	cfg.Lock.DSN = strings.TrimSpace(cfg.Lock.DSN)
	cfg.Lock.Path = strings.TrimSpace(cfg.Lock.Path)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Admin.Token = strings.TrimSpace(cfg.Admin.Token)

	origins := cfg.HTTP.AllowedOrigins[:0]
	for _, origin := range cfg.HTTP.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.HTTP.AllowedOrigins = origins

	for name, scheme := range cfg.Schemes {
		scheme.Root = strings.TrimSpace(scheme.Root)
		cfg.Schemes[name] = scheme
	}
	if cfg.StyleCacheSize <= 0 {
		cfg.StyleCacheSize = 256
	}
	if cfg.Sweep.Concurrency <= 0 {
		cfg.Sweep.Concurrency = 4
	}
}
