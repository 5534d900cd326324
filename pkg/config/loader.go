// pkg/config/loader.go
package config

import (
	"fmt"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// envKeyMap maps the exact environment variable names Errly reads onto
// koanf dotted keys. Unlike the usual "strip a prefix, lowercase, replace
// underscores" convention, Errly's variables don't share one prefix
// (ERRLY_*, RAILWAY_*, PORT, NODE_ENV), so each is named explicitly.
var envKeyMap = map[string]string{
	"ERRLY_PASSWORD":           "app.password",
	"NODE_ENV":                 "app.environment",
	"PORT":                     "http.port",
	"ERRLY_DB_PATH":            "database.path",
	"ERRLY_MAX_SUBSCRIPTIONS":  "limits.max_subscriptions",
	"ERRLY_MAX_SSE_CLIENTS":    "limits.max_sse_clients",
	"RAILWAY_API_TOKEN":        "railway.api_token",
	"RAILWAY_PROJECT_ID":       "railway.project_id",
	"RAILWAY_ENVIRONMENT_NAME": "railway.environment_name",
	"RAILWAY_SERVICE_ID":       "railway.service_id",
}

// Loader loads configuration from defaults and the environment.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader. Kept for symmetry with the rest of the
// ambient stack even though Errly currently needs no loader options beyond
// the defaults; future flags (e.g. an alternate env key map for tests) hang
// here without changing Load's signature.
type LoaderOption func(*Loader)

// Load loads configuration with priority:
// 1. Defaults (lowest)
// 2. Environment variables (highest)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults loads the built-in defaults.
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"app.environment": "development",

		"http.port": 3000,

		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		"database.path": "./data/errly.db",

		"limits.max_subscriptions": 50,
		"limits.max_sse_clients":   100,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadEnv loads configuration from environment variables, using the
// explicit name map above rather than prefix-stripping.
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider("", ".", func(s string) string {
		if key, ok := envKeyMap[s]; ok {
			return key
		}
		return ""
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function for loading with default settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}
