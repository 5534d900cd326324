// pkg/ratelimit/ratelimit.go

// Package ratelimit implements a per-key request limiter for the direct
// error-ingestion endpoint. Only an in-memory backend is needed: Errly is
// a single process with one rate-limited route, so there is no shared
// limiter state to coordinate across instances the way a Redis-backed
// limiter would serve.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrLimiterClosed     = errors.New("limiter is closed")
)

// Limiter checks and tracks per-key request allowances.
type Limiter interface {
	// Allow reports whether one more request for key is permitted.
	Allow(ctx context.Context, key string) (bool, error)

	// AllowN reports whether n more requests for key are permitted.
	AllowN(ctx context.Context, key string, n int) (bool, error)

	// Wait blocks until a request for key is permitted or ctx is done.
	Wait(ctx context.Context, key string) error

	// Reset clears any tracked state for key.
	Reset(ctx context.Context, key string) error

	// GetInfo reports the current limit/remaining/reset state for key.
	GetInfo(ctx context.Context, key string) (*LimitInfo, error)

	// Close releases background resources held by the limiter.
	Close() error
}

// LimitInfo describes a key's current rate-limit state.
type LimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Config configures a Limiter.
type Config struct {
	// Requests is the number of requests allowed per Window.
	Requests int `koanf:"requests"`

	// Window is the duration over which Requests applies.
	Window time.Duration `koanf:"window"`

	// Strategy selects the limiting algorithm: sliding_window or token_bucket.
	Strategy string `koanf:"strategy"`

	// BurstSize is the extra allowance above Requests for token_bucket.
	BurstSize int `koanf:"burst_size"`

	// CleanupInterval controls how often stale per-key buckets are evicted.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// DefaultConfig returns Errly's baseline limiter configuration.
func DefaultConfig() *Config {
	return &Config{
		Requests:        100,
		Window:          time.Minute,
		Strategy:        "sliding_window",
		BurstSize:       10,
		CleanupInterval: 5 * time.Minute,
	}
}

// New builds an in-memory Limiter from cfg. cfg may be nil, in which case
// DefaultConfig is used.
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return NewMemoryLimiter(cfg), nil
}
