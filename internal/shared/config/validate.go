package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every problem found in cfg.
func Validate(cfg RuntimeConfig) error {
	var errs []error
	if cfg.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if cfg.PublicDir == "" {
		errs = append(errs, errors.New("public_dir is required"))
	}
	if len(cfg.Schemes) == 0 {
		errs = append(errs, errors.New("at least one scheme is required"))
	}
	for name, scheme := range cfg.Schemes {
		if name == "" || strings.ContainsAny(name, ":/") {
			errs = append(errs, fmt.Errorf("invalid scheme name %q", name))
		}
		if scheme.Root == "" {
			errs = append(errs, fmt.Errorf("schemes.%s.root is required", name))
		}
	}
	if _, ok := cfg.Schemes[cfg.DefaultScheme]; !ok {
		errs = append(errs, fmt.Errorf("default_scheme %q is not configured", cfg.DefaultScheme))
	}
	for i, rule := range cfg.Access {
		if _, ok := cfg.Schemes[rule.Scheme]; !ok {
			errs = append(errs, fmt.Errorf("access[%d]: unknown scheme %q", i, rule.Scheme))
		}
	}
	if cfg.StylesFile == "" {
		errs = append(errs, errors.New("styles_file is required"))
	}
	if cfg.PageCacheMaxAge < 0 {
		errs = append(errs, errors.New("page_cache_max_age must not be negative"))
	}
	if cfg.MaxDimension <= 0 {
		errs = append(errs, errors.New("max_dimension must be positive"))
	}
	if cfg.RetryAfter <= 0 {
		errs = append(errs, errors.New("retry_after must be positive"))
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be within 1..100, got %d", cfg.JPEGQuality))
	}
	switch cfg.Lock.Backend {
	case "memory":
	case "postgres":
		if cfg.Lock.DSN == "" {
			errs = append(errs, errors.New("lock.dsn is required for the postgres backend"))
		}
	case "sqlite":
		if cfg.Lock.Path == "" {
			errs = append(errs, errors.New("lock.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported lock backend %q", cfg.Lock.Backend))
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unsupported log level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", cfg.Log.Format))
	}
	return errors.Join(errs...)
}
