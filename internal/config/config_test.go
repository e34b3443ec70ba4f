package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withUsers(c *Config) *Config {
	c.Users = []UserConfig{
		{Name: "alice", Password: "a"},
		{Name: "bob", Password: "b"},
	}
	return c
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.HTTP.Port != 5000 {
		t.Errorf("Expected default port 5000, got %d", config.HTTP.Port)
	}
	if config.Chat.HistoryLimit != 50 || config.Chat.MaxMessageBytes != 10000 {
		t.Errorf("Unexpected chat defaults: %+v", config.Chat)
	}
	if config.Upload.MaxBytes != 50*1024*1024 {
		t.Errorf("Expected 50MB upload limit, got %d", config.Upload.MaxBytes)
	}
	if err := config.Validate(); err == nil {
		t.Error("Defaults carry no users and must not validate on their own")
	}
	if err := withUsers(config).Validate(); err != nil {
		t.Errorf("Defaults with two users should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }, "port"},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"ping not below read timeout", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.ReadTimeout }, "ping interval"},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }, "buffer size"},
		{"negative rate limit", func(c *Config) { c.Chat.RateLimitPerMinute = -1 }, "rate limit"},
		{"bad schedule", func(c *Config) { c.Maintenance.Schedule = "every now and then" }, "maintenance schedule"},
		{"one user", func(c *Config) { c.Users = c.Users[:1] }, "at least two users"},
		{"duplicate user", func(c *Config) { c.Users[1].Name = "alice" }, "duplicate"},
		{"invalid username", func(c *Config) { c.Users[1].Name = "bob smith" }, "username"},
		{"empty password", func(c *Config) { c.Users[0].Password = "" }, "password"},
		{"missing section", func(c *Config) { c.Chat = nil }, "sections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := withUsers(DefaultConfig())
			tt.mutate(config)
			err := config.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DUET_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("DUET_WEBSOCKET_PING_INTERVAL", "15s")
	t.Setenv("DUET_WEBSOCKET_CLOSE_REPLACED", "true")
	t.Setenv("DUET_CHAT_RATE_LIMIT_PER_MINUTE", "0")
	t.Setenv("DUET_HTTP_READ_TIMEOUT", "not-a-duration")
	t.Setenv("USER_1_NAME", "alice")
	t.Setenv("USER_1_PASSWORD", "wonderland")
	t.Setenv("USER_2_NAME", "bob")
	t.Setenv("USER_2_PASSWORD", "builder")
	t.Setenv("USER_2_DISPLAY_NAME", "Bobby")

	config := LoadFromEnv()

	if config.HTTP.Port != 7000 {
		t.Errorf("Expected PORT to set 7000, got %d", config.HTTP.Port)
	}
	if config.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected database path /tmp/test.db, got %s", config.Database.Path)
	}
	if config.WebSocket.PingInterval != 15*time.Second || !config.WebSocket.CloseReplaced {
		t.Errorf("Unexpected websocket config: %+v", config.WebSocket)
	}
	if config.Chat.RateLimitPerMinute != 0 {
		t.Error("Rate limit 0 should disable limiting")
	}
	if config.HTTP.ReadTimeout != 30*time.Second {
		t.Error("Unparseable values should leave the default")
	}
	if len(config.Users) != 2 || config.Users[1].DisplayName != "Bobby" {
		t.Errorf("Unexpected users: %+v", config.Users)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Env config should validate: %v", err)
	}
}

func TestConfig_DuetPortBeatsPort(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DUET_HTTP_PORT", "7001")

	if port := LoadFromEnv().HTTP.Port; port != 7001 {
		t.Errorf("Expected DUET_HTTP_PORT to win, got %d", port)
	}
}

func TestConfig_LoadFromFileJSON(t *testing.T) {
	path := writeFile(t, "duet.json", `{
		"http": {"port": 9090, "cors_origin": "http://localhost:3000"},
		"websocket": {"ping_interval": "10s", "close_replaced": true},
		"chat": {"history_limit": 20, "rate_limit_per_minute": 0},
		"auth": {"token_ttl": "2h", "require_token": true},
		"users": [
			{"name": "alice", "password": "a"},
			{"name": "bob", "password": "b", "display_name": "Bobby"}
		]
	}`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.HTTP.Port != 9090 || config.HTTP.CORSOrigin != "http://localhost:3000" {
		t.Errorf("Unexpected HTTP config: %+v", config.HTTP)
	}
	if config.WebSocket.PingInterval != 10*time.Second || !config.WebSocket.CloseReplaced {
		t.Errorf("Unexpected websocket config: %+v", config.WebSocket)
	}
	if config.Chat.HistoryLimit != 20 || config.Chat.RateLimitPerMinute != 0 || config.Chat.MaxMessageBytes != 10000 {
		t.Errorf("Unexpected chat config: %+v", config.Chat)
	}
	if config.Auth.TokenTTL != 2*time.Hour || !config.Auth.RequireToken {
		t.Errorf("Unexpected auth config: %+v", config.Auth)
	}
	if config.Users[1].DisplayName != "Bobby" {
		t.Errorf("Unexpected users: %+v", config.Users)
	}
}

func TestConfig_LoadFromFileYAML(t *testing.T) {
	path := writeFile(t, "duet.yaml", `
database:
  path: /var/lib/duet/duet.db
upload:
  dir: /var/lib/duet/uploads
  max_bytes: 1048576
maintenance:
  schedule: "*/5 * * * *"
users:
  - name: alice
    password: a
  - name: bob
    password: b
`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Database.Path != "/var/lib/duet/duet.db" {
		t.Errorf("Unexpected database path %s", config.Database.Path)
	}
	if config.Upload.Dir != "/var/lib/duet/uploads" || config.Upload.MaxBytes != 1048576 {
		t.Errorf("Unexpected upload config: %+v", config.Upload)
	}
	if config.Maintenance.Schedule != "*/5 * * * *" {
		t.Errorf("Unexpected schedule %q", config.Maintenance.Schedule)
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "bad.json", `{"http": `},
		{"malformed yaml", "bad.yml", "http: [unclosed"},
		{"bad duration", "dur.json", `{"database": {"timeout": "soon"}, "users": [{"name":"a","password":"a"},{"name":"b","password":"b"}]}`},
		{"no users", "empty.json", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromFile(writeFile(t, tt.file, tt.content)); err == nil {
				t.Error("Expected an error")
			}
		})
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Missing file should fail")
	}
}

func TestConfig_LoadPrecedence(t *testing.T) {
	t.Setenv("DUET_HTTP_PORT", "7000")
	t.Setenv("DUET_DATABASE_PATH", "/from/env.db")
	t.Setenv("USER_1_NAME", "alice")
	t.Setenv("USER_1_PASSWORD", "a")
	t.Setenv("USER_2_NAME", "bob")
	t.Setenv("USER_2_PASSWORD", "b")

	path := writeFile(t, "duet.json", `{"http": {"port": 9090}}`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.HTTP.Port != 9090 {
		t.Errorf("File should override env, got port %d", config.HTTP.Port)
	}
	if config.Database.Path != "/from/env.db" {
		t.Errorf("Env should survive where the file is silent, got %s", config.Database.Path)
	}
	if len(config.Users) != 2 {
		t.Errorf("Env users should be kept, got %+v", config.Users)
	}

	withoutFile, err := Load("")
	if err != nil {
		t.Fatalf("Load without file failed: %v", err)
	}
	if withoutFile.HTTP.Port != 7000 {
		t.Errorf("Expected env port 7000, got %d", withoutFile.HTTP.Port)
	}
	if withoutFile.Address() != "0.0.0.0:7000" {
		t.Errorf("Unexpected address %s", withoutFile.Address())
	}
}
