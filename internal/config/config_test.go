package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv() {
	for _, k := range []string{
		"APP_PORT", "DATABASE_DSN", "JWT_SECRET", "APP_ENV",
		"HEARTBEAT_TIMEOUT", "PRESENCE_SWEEP_INTERVAL", "TYPING_TIMEOUT",
		"ROOM_IDLE_TTL", "ACCESS_CACHE_TTL", "INVITE_TTL",
		"RECENT_MESSAGE_WINDOW", "OUTBOUND_QUEUE_SIZE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want 8080", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want dev", cfg.Env)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Load() HeartbeatTimeout = %v, want 90s", cfg.HeartbeatTimeout)
	}
	if cfg.TypingTimeout != time.Second {
		t.Errorf("Load() TypingTimeout = %v, want 1s", cfg.TypingTimeout)
	}
	if cfg.InviteTTL != 7*24*time.Hour {
		t.Errorf("Load() InviteTTL = %v, want 168h", cfg.InviteTTL)
	}
	if cfg.RecentWindow != 100 {
		t.Errorf("Load() RecentWindow = %v, want 100", cfg.RecentWindow)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv()
	os.Setenv("APP_PORT", "9090")
	os.Setenv("JWT_SECRET", "my-secret")
	os.Setenv("APP_ENV", "prod")
	os.Setenv("HEARTBEAT_TIMEOUT", "2m")
	os.Setenv("RECENT_MESSAGE_WINDOW", "42")
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Load() Port = %v, want 9090", cfg.Port)
	}
	if cfg.JWTSecret != "my-secret" {
		t.Errorf("Load() JWTSecret = %v, want my-secret", cfg.JWTSecret)
	}
	if cfg.Env != "prod" {
		t.Errorf("Load() Env = %v, want prod", cfg.Env)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("Load() HeartbeatTimeout = %v, want 2m", cfg.HeartbeatTimeout)
	}
	if cfg.RecentWindow != 42 {
		t.Errorf("Load() RecentWindow = %v, want 42", cfg.RecentWindow)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv()
	os.Setenv("HEARTBEAT_TIMEOUT", "not-a-duration")
	defer clearEnv()

	if _, err := Load(); err == nil {
		t.Error("Load() should reject invalid duration")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Port:              "8080",
		DatabaseDSN:       "postgres://localhost/test",
		JWTSecret:         "production-secret-key",
		Env:               "prod",
		HeartbeatTimeout:  90 * time.Second,
		TypingTimeout:     time.Second,
		RoomIdleTTL:       time.Minute,
		RecentWindow:      100,
		OutboundQueueSize: 256,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid prod config", func(c *Config) {}, false},
		{"valid dev default secret", func(c *Config) { c.Env = "dev"; c.JWTSecret = "dev-secret-change-me" }, false},
		{"empty port", func(c *Config) { c.Port = "" }, true},
		{"empty dsn", func(c *Config) { c.DatabaseDSN = "" }, true},
		{"default secret in prod", func(c *Config) { c.JWTSecret = "dev-secret-change-me" }, true},
		{"zero heartbeat timeout", func(c *Config) { c.HeartbeatTimeout = 0 }, true},
		{"negative typing timeout", func(c *Config) { c.TypingTimeout = -time.Second }, true},
		{"zero window", func(c *Config) { c.RecentWindow = 0 }, true},
		{"zero queue", func(c *Config) { c.OutboundQueueSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
