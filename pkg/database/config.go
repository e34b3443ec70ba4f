package database

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the message store settings
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	// BusyTimeout is how long SQLite waits on a locked database before failing
	BusyTimeout time.Duration `json:"busy_timeout"`
	// WriteQueueSize bounds pending writes waiting for the single writer
	WriteQueueSize int `json:"write_queue_size"`
	// MigrationsPath points at a directory of *.sql files. Empty selects the
	// migrations embedded in this package.
	MigrationsPath string `json:"migrations_path"`
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/duet.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     5 * time.Second,
		WriteQueueSize:  100,
	}
}

// DSN builds the go-sqlite3 connection string: WAL journal, foreign keys on
func (c *Config) DSN() string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", c.BusyTimeout.Milliseconds()))
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	return "file:" + c.DatabasePath + "?" + params.Encode()
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 || c.ConnMaxIdleTime <= 0 {
		return errors.New("connection lifetimes must be greater than 0")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy timeout cannot be negative")
	}
	if c.WriteQueueSize <= 0 {
		return errors.New("write queue size must be greater than 0")
	}
	return nil
}
