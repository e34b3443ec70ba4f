package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"duet/pkg/types"
)

// Config is the full server configuration
type Config struct {
	Database    *DatabaseConfig
	HTTP        *HTTPConfig
	WebSocket   *WebSocketConfig
	Chat        *ChatConfig
	Auth        *AuthConfig
	Upload      *UploadConfig
	Maintenance *MaintenanceConfig
	Users       []UserConfig
}

type DatabaseConfig struct {
	Path    string
	Timeout time.Duration
}

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigin   string
}

type WebSocketConfig struct {
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	BufferSize    int
	CloseReplaced bool
}

// ChatConfig bounds message size, history replay and per-user send rate
type ChatConfig struct {
	HistoryLimit       int
	MaxMessageBytes    int
	RateLimitPerMinute int // 0 disables rate limiting
}

// AuthConfig controls login tokens. An empty TokenSecret generates a
// random secret at startup.
type AuthConfig struct {
	TokenSecret  string
	TokenTTL     time.Duration
	RequireToken bool
}

type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

// MaintenanceConfig holds the cron schedule for periodic housekeeping
type MaintenanceConfig struct {
	Schedule string
}

// UserConfig is one user allowed to log in
type UserConfig struct {
	Name        string `json:"name" yaml:"name"`
	Password    string `json:"password" yaml:"password"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

// DefaultConfig returns every setting except users, which must come from
// the environment or a config file
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./duet.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         5000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			CORSOrigin:   "*",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Chat: &ChatConfig{
			HistoryLimit:       50,
			MaxMessageBytes:    10000,
			RateLimitPerMinute: 100,
		},
		Auth: &AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Upload: &UploadConfig{
			Dir:      "./uploads",
			MaxBytes: 50 * 1024 * 1024,
		},
		Maintenance: &MaintenanceConfig{
			Schedule: "@every 1m",
		},
	}
}

// Address returns host:port for the HTTP listener
func (c *Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Validate checks the configuration for settings the server cannot run with
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Chat == nil ||
		c.Auth == nil || c.Upload == nil || c.Maintenance == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535 (0 picks a free port)")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket intervals and timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("chat history limit must be positive")
	}
	if c.Chat.MaxMessageBytes <= 0 {
		return fmt.Errorf("chat max message bytes must be positive")
	}
	if c.Chat.RateLimitPerMinute < 0 {
		return fmt.Errorf("chat rate limit cannot be negative")
	}

	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}

	if c.Upload.Dir == "" {
		return fmt.Errorf("upload directory cannot be empty")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload size limit must be positive")
	}

	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", c.Maintenance.Schedule, err)
	}

	return c.validateUsers()
}

func (c *Config) validateUsers() error {
	if len(c.Users) < 2 {
		return fmt.Errorf("at least two users are required (USER_1_NAME/USER_1_PASSWORD, USER_2_NAME/USER_2_PASSWORD)")
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if !types.IsValidUsername(u.Name) {
			return fmt.Errorf("users[%d]: %w", i, types.ErrInvalidUsername)
		}
		if u.Password == "" {
			return fmt.Errorf("users[%d]: password cannot be empty", i)
		}
		if seen[u.Name] {
			return fmt.Errorf("users[%d]: duplicate username %s", i, u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

// LoadFromEnv applies environment overrides to defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("DUET_DATABASE_PATH", &config.Database.Path)
	envDuration("DUET_DATABASE_TIMEOUT", &config.Database.Timeout)

	envString("DUET_HTTP_HOST", &config.HTTP.Host)
	envInt("PORT", &config.HTTP.Port)
	envInt("DUET_HTTP_PORT", &config.HTTP.Port)
	envDuration("DUET_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("DUET_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envString("DUET_CORS_ORIGIN", &config.HTTP.CORSOrigin)

	envDuration("DUET_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("DUET_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("DUET_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("DUET_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envBool("DUET_WEBSOCKET_CLOSE_REPLACED", &config.WebSocket.CloseReplaced)

	envInt("DUET_CHAT_HISTORY_LIMIT", &config.Chat.HistoryLimit)
	envInt("DUET_CHAT_MAX_MESSAGE_BYTES", &config.Chat.MaxMessageBytes)
	envInt("DUET_CHAT_RATE_LIMIT_PER_MINUTE", &config.Chat.RateLimitPerMinute)

	envString("DUET_AUTH_TOKEN_SECRET", &config.Auth.TokenSecret)
	envDuration("DUET_AUTH_TOKEN_TTL", &config.Auth.TokenTTL)
	envBool("DUET_AUTH_REQUIRE_TOKEN", &config.Auth.RequireToken)

	envString("DUET_UPLOAD_DIR", &config.Upload.Dir)
	if v := os.Getenv("DUET_UPLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Upload.MaxBytes = n
		}
	}

	envString("DUET_MAINTENANCE_SCHEDULE", &config.Maintenance.Schedule)

	if users := usersFromEnv(); len(users) > 0 {
		config.Users = users
	}
}

// usersFromEnv reads USER_1_NAME, USER_1_PASSWORD, USER_2_NAME, ... until
// the first missing name
func usersFromEnv() []UserConfig {
	var users []UserConfig
	for n := 1; ; n++ {
		name := os.Getenv(fmt.Sprintf("USER_%d_NAME", n))
		if name == "" {
			return users
		}
		users = append(users, UserConfig{
			Name:        name,
			Password:    os.Getenv(fmt.Sprintf("USER_%d_PASSWORD", n)),
			DisplayName: os.Getenv(fmt.Sprintf("USER_%d_DISPLAY_NAME", n)),
		})
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the on-disk shape. Durations are strings such as "30s".
type ConfigFile struct {
	Database    *DatabaseConfigFile    `json:"database" yaml:"database"`
	HTTP        *HTTPConfigFile        `json:"http" yaml:"http"`
	WebSocket   *WebSocketConfigFile   `json:"websocket" yaml:"websocket"`
	Chat        *ChatConfigFile        `json:"chat" yaml:"chat"`
	Auth        *AuthConfigFile        `json:"auth" yaml:"auth"`
	Upload      *UploadConfigFile      `json:"upload" yaml:"upload"`
	Maintenance *MaintenanceConfigFile `json:"maintenance" yaml:"maintenance"`
	Users       []UserConfig           `json:"users" yaml:"users"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path" yaml:"path"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type HTTPConfigFile struct {
	Host         string `json:"host" yaml:"host"`
	Port         *int   `json:"port" yaml:"port"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
	CORSOrigin   string `json:"cors_origin" yaml:"cors_origin"`
}

type WebSocketConfigFile struct {
	PingInterval  string `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout   string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  string `json:"write_timeout" yaml:"write_timeout"`
	BufferSize    int    `json:"buffer_size" yaml:"buffer_size"`
	CloseReplaced *bool  `json:"close_replaced" yaml:"close_replaced"`
}

type ChatConfigFile struct {
	HistoryLimit       int  `json:"history_limit" yaml:"history_limit"`
	MaxMessageBytes    int  `json:"max_message_bytes" yaml:"max_message_bytes"`
	RateLimitPerMinute *int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

type AuthConfigFile struct {
	TokenSecret  string `json:"token_secret" yaml:"token_secret"`
	TokenTTL     string `json:"token_ttl" yaml:"token_ttl"`
	RequireToken *bool  `json:"require_token" yaml:"require_token"`
}

type UploadConfigFile struct {
	Dir      string `json:"dir" yaml:"dir"`
	MaxBytes int64  `json:"max_bytes" yaml:"max_bytes"`
}

type MaintenanceConfigFile struct {
	Schedule string `json:"schedule" yaml:"schedule"`
}

// LoadFromFile reads a JSON or YAML config file on top of the defaults
// and validates the result
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// Load builds the configuration with precedence defaults, then
// environment, then file, and validates it. path may be empty.
func Load(path string) (*Config, error) {
	config, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Read is Load without validation, for commands that only need part of
// the configuration
func Read(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.apply(config); err != nil {
		return fmt.Errorf("invalid value in %s: %w", path, err)
	}
	return nil
}

// apply copies every field the file sets onto config
func (f *ConfigFile) apply(config *Config) error {
	if d := f.Database; d != nil {
		if d.Path != "" {
			config.Database.Path = d.Path
		}
		if err := parseDuration("database.timeout", d.Timeout, &config.Database.Timeout); err != nil {
			return err
		}
	}

	if h := f.HTTP; h != nil {
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		if h.Port != nil {
			config.HTTP.Port = *h.Port
		}
		if h.CORSOrigin != "" {
			config.HTTP.CORSOrigin = h.CORSOrigin
		}
		if err := parseDuration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout); err != nil {
			return err
		}
		if err := parseDuration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout); err != nil {
			return err
		}
	}

	if w := f.WebSocket; w != nil {
		if w.BufferSize > 0 {
			config.WebSocket.BufferSize = w.BufferSize
		}
		if w.CloseReplaced != nil {
			config.WebSocket.CloseReplaced = *w.CloseReplaced
		}
		if err := parseDuration("websocket.ping_interval", w.PingInterval, &config.WebSocket.PingInterval); err != nil {
			return err
		}
		if err := parseDuration("websocket.read_timeout", w.ReadTimeout, &config.WebSocket.ReadTimeout); err != nil {
			return err
		}
		if err := parseDuration("websocket.write_timeout", w.WriteTimeout, &config.WebSocket.WriteTimeout); err != nil {
			return err
		}
	}

	if c := f.Chat; c != nil {
		if c.HistoryLimit > 0 {
			config.Chat.HistoryLimit = c.HistoryLimit
		}
		if c.MaxMessageBytes > 0 {
			config.Chat.MaxMessageBytes = c.MaxMessageBytes
		}
		if c.RateLimitPerMinute != nil {
			config.Chat.RateLimitPerMinute = *c.RateLimitPerMinute
		}
	}

	if a := f.Auth; a != nil {
		if a.TokenSecret != "" {
			config.Auth.TokenSecret = a.TokenSecret
		}
		if a.RequireToken != nil {
			config.Auth.RequireToken = *a.RequireToken
		}
		if err := parseDuration("auth.token_ttl", a.TokenTTL, &config.Auth.TokenTTL); err != nil {
			return err
		}
	}

	if u := f.Upload; u != nil {
		if u.Dir != "" {
			config.Upload.Dir = u.Dir
		}
		if u.MaxBytes > 0 {
			config.Upload.MaxBytes = u.MaxBytes
		}
	}

	if m := f.Maintenance; m != nil && m.Schedule != "" {
		config.Maintenance.Schedule = m.Schedule
	}

	if len(f.Users) > 0 {
		config.Users = f.Users
	}
	return nil
}

func parseDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
