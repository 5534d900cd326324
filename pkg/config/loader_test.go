package config

import "testing"

func TestLoader_LoadDefaults(t *testing.T) {
	t.Setenv("ERRLY_PASSWORD", "hunter22")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.HTTP.Port != 3000 {
		t.Errorf("expected default HTTP port 3000, got %d", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Database.Path != "./data/errly.db" {
		t.Errorf("expected default db path './data/errly.db', got %s", cfg.Database.Path)
	}
	if cfg.Limits.MaxSubscriptions != 50 {
		t.Errorf("expected default max subscriptions 50, got %d", cfg.Limits.MaxSubscriptions)
	}
	if cfg.Limits.MaxSSEClients != 100 {
		t.Errorf("expected default max SSE clients 100, got %d", cfg.Limits.MaxSSEClients)
	}
	if cfg.AutoCaptureEnabled() {
		t.Error("expected auto-capture disabled with no RAILWAY_API_TOKEN")
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("ERRLY_PASSWORD", "hunter22")
	t.Setenv("PORT", "8088")
	t.Setenv("ERRLY_DB_PATH", "/tmp/errly-test.db")
	t.Setenv("ERRLY_MAX_SUBSCRIPTIONS", "10")
	t.Setenv("ERRLY_MAX_SSE_CLIENTS", "20")
	t.Setenv("NODE_ENV", "production")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.HTTP.Port != 8088 {
		t.Errorf("expected port 8088, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.Path != "/tmp/errly-test.db" {
		t.Errorf("expected db path '/tmp/errly-test.db', got %s", cfg.Database.Path)
	}
	if cfg.Limits.MaxSubscriptions != 10 {
		t.Errorf("expected max subscriptions 10, got %d", cfg.Limits.MaxSubscriptions)
	}
	if cfg.Limits.MaxSSEClients != 20 {
		t.Errorf("expected max SSE clients 20, got %d", cfg.Limits.MaxSSEClients)
	}
	if !cfg.IsProduction() {
		t.Error("expected production mode from NODE_ENV=production")
	}
}

func TestLoader_RailwayVars(t *testing.T) {
	t.Setenv("ERRLY_PASSWORD", "hunter22")
	t.Setenv("RAILWAY_API_TOKEN", "tok-123")
	t.Setenv("RAILWAY_PROJECT_ID", "proj-abc")
	t.Setenv("RAILWAY_ENVIRONMENT_NAME", "production")
	t.Setenv("RAILWAY_SERVICE_ID", "svc-self")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if !cfg.AutoCaptureEnabled() {
		t.Error("expected auto-capture enabled with RAILWAY_API_TOKEN set")
	}
	if cfg.Railway.ProjectID != "proj-abc" {
		t.Errorf("expected project id 'proj-abc', got %s", cfg.Railway.ProjectID)
	}
	if cfg.Railway.EnvironmentName != "production" {
		t.Errorf("expected environment name 'production', got %s", cfg.Railway.EnvironmentName)
	}
	if cfg.Railway.ServiceID != "svc-self" {
		t.Errorf("expected service id 'svc-self', got %s", cfg.Railway.ServiceID)
	}
}

func TestLoader_UnrecognizedEnvVarsIgnored(t *testing.T) {
	t.Setenv("ERRLY_PASSWORD", "hunter22")
	t.Setenv("SOME_UNRELATED_VAR", "should-not-appear")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTP.Port != 3000 {
		t.Errorf("unrelated env vars should not perturb defaults, got port %d", cfg.HTTP.Port)
	}
}

func TestLoader_MissingPasswordFailsValidation(t *testing.T) {
	_, err := NewLoader().Load()
	if err == nil {
		t.Fatal("expected validation error with no ERRLY_PASSWORD set")
	}
}

func TestMustLoad_Success(t *testing.T) {
	t.Setenv("ERRLY_PASSWORD", "hunter22")

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustLoad should not panic with valid config: %v", r)
		}
	}()

	cfg := MustLoad()
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoad_Simple(t *testing.T) {
	t.Setenv("ERRLY_PASSWORD", "hunter22")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}
