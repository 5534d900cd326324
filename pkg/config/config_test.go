package config

import "testing"

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				App:      AppConfig{Password: "hunter22"},
				HTTP:     HTTPConfig{Port: 3000},
				Log:      LogConfig{Level: "info"},
				Database: DatabaseConfig{Path: "./data/errly.db"},
				Limits:   LimitsConfig{MaxSubscriptions: 50, MaxSSEClients: 100},
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				HTTP:     HTTPConfig{Port: 3000},
				Log:      LogConfig{Level: "info"},
				Database: DatabaseConfig{Path: "./data/errly.db"},
				Limits:   LimitsConfig{MaxSubscriptions: 50, MaxSSEClients: 100},
			},
			wantErr: true,
		},
		{
			name: "invalid port - zero",
			cfg: Config{
				App:      AppConfig{Password: "hunter22"},
				HTTP:     HTTPConfig{Port: 0},
				Log:      LogConfig{Level: "info"},
				Database: DatabaseConfig{Path: "./data/errly.db"},
				Limits:   LimitsConfig{MaxSubscriptions: 50, MaxSSEClients: 100},
			},
			wantErr: true,
		},
		{
			name: "invalid port - too high",
			cfg: Config{
				App:      AppConfig{Password: "hunter22"},
				HTTP:     HTTPConfig{Port: 70000},
				Log:      LogConfig{Level: "info"},
				Database: DatabaseConfig{Path: "./data/errly.db"},
				Limits:   LimitsConfig{MaxSubscriptions: 50, MaxSSEClients: 100},
			},
			wantErr: true,
		},
		{
			name: "missing database path",
			cfg: Config{
				App:    AppConfig{Password: "hunter22"},
				HTTP:   HTTPConfig{Port: 3000},
				Log:    LogConfig{Level: "info"},
				Limits: LimitsConfig{MaxSubscriptions: 50, MaxSSEClients: 100},
			},
			wantErr: true,
		},
		{
			name: "non-positive limits",
			cfg: Config{
				App:      AppConfig{Password: "hunter22"},
				HTTP:     HTTPConfig{Port: 3000},
				Log:      LogConfig{Level: "info"},
				Database: DatabaseConfig{Path: "./data/errly.db"},
				Limits:   LimitsConfig{MaxSubscriptions: 0, MaxSSEClients: 0},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: Config{
				App:      AppConfig{Password: "hunter22"},
				HTTP:     HTTPConfig{Port: 3000},
				Log:      LogConfig{Level: "invalid"},
				Database: DatabaseConfig{Path: "./data/errly.db"},
				Limits:   LimitsConfig{MaxSubscriptions: 50, MaxSSEClients: 100},
			},
			wantErr: true,
		},
		{
			name: "valid debug level",
			cfg: Config{
				App:      AppConfig{Password: "hunter22"},
				HTTP:     HTTPConfig{Port: 3000},
				Log:      LogConfig{Level: "debug"},
				Database: DatabaseConfig{Path: "./data/errly.db"},
				Limits:   LimitsConfig{MaxSubscriptions: 50, MaxSSEClients: 100},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"dev", true},
		{"production", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"prod", true},
		{"development", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsProduction(); got != tt.want {
			t.Errorf("IsProduction() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestConfig_AutoCaptureEnabled(t *testing.T) {
	withToken := &Config{Railway: RailwayConfig{APIToken: "tok"}}
	if !withToken.AutoCaptureEnabled() {
		t.Error("expected auto-capture enabled when RAILWAY_API_TOKEN is set")
	}

	without := &Config{}
	if without.AutoCaptureEnabled() {
		t.Error("expected auto-capture disabled when RAILWAY_API_TOKEN is unset")
	}
}

func TestConfig_WeakPassword(t *testing.T) {
	tests := []struct {
		password string
		want     bool
	}{
		{"", false},
		{"short", true},
		{"longenoughpassword", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Password: tt.password}}
		if got := cfg.WeakPassword(); got != tt.want {
			t.Errorf("WeakPassword() for %q = %v, want %v", tt.password, got, tt.want)
		}
	}
}
