// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration struct. Errly is configured entirely
// through environment variables; there is no config file.
type Config struct {
	App      AppConfig      `koanf:"app"`
	HTTP     HTTPConfig     `koanf:"http"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Railway  RailwayConfig  `koanf:"railway"`
	Limits   LimitsConfig   `koanf:"limits"`
}

// AppConfig holds settings that don't belong to any one subsystem.
type AppConfig struct {
	Password    string `koanf:"password"`    // ERRLY_PASSWORD
	Environment string `koanf:"environment"` // NODE_ENV
}

// HTTPConfig holds the listener settings for the dashboard/API server.
type HTTPConfig struct {
	Port int `koanf:"port"` // PORT, default 3000
}

// LogConfig controls level, format and output destination.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// DatabaseConfig holds the embedded store's file location.
type DatabaseConfig struct {
	Path string `koanf:"path"` // ERRLY_DB_PATH, default ./data/errly.db
}

// RailwayConfig holds the platform credentials used for auto-capture
// discovery. When APIToken is empty, the Log Watcher never starts and
// the service operates in direct-ingestion-only mode.
type RailwayConfig struct {
	APIToken        string `koanf:"api_token"`        // RAILWAY_API_TOKEN
	ProjectID       string `koanf:"project_id"`       // RAILWAY_PROJECT_ID
	EnvironmentName string `koanf:"environment_name"` // RAILWAY_ENVIRONMENT_NAME
	ServiceID       string `koanf:"service_id"`       // RAILWAY_SERVICE_ID, excluded from discovery
}

// LimitsConfig holds the operator-tunable resource caps.
type LimitsConfig struct {
	MaxSubscriptions int `koanf:"max_subscriptions"` // ERRLY_MAX_SUBSCRIPTIONS, default 50
	MaxSSEClients    int `koanf:"max_sse_clients"`   // ERRLY_MAX_SSE_CLIENTS, default 100
}

// AutoCaptureEnabled reports whether a Railway API token is configured,
// which is what turns the Log Watcher and platform client on.
func (c *Config) AutoCaptureEnabled() bool {
	return c.Railway.APIToken != ""
}

// IsProduction checks production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Environment, "production") || strings.EqualFold(c.App.Environment, "prod")
}

// IsDevelopment checks development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.App.Environment, "development") || strings.EqualFold(c.App.Environment, "dev")
}

// WeakPassword reports whether the configured password is shorter than the
// recommended minimum. The spec asks this be warned about at startup, not
// rejected outright.
func (c *Config) WeakPassword() bool {
	return len(c.App.Password) > 0 && len(c.App.Password) < 8
}

// Validate checks the loaded configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Password == "" {
		errs = append(errs, "ERRLY_PASSWORD is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path must not be empty")
	}

	if c.Limits.MaxSubscriptions <= 0 {
		errs = append(errs, "limits.max_subscriptions must be positive")
	}

	if c.Limits.MaxSSEClients <= 0 {
		errs = append(errs, "limits.max_sse_clients must be positive")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
