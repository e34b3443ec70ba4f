package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "duet/pkg/database"
	"duet/pkg/interfaces"
	"duet/pkg/types"
)

// Manager implements interfaces.MessageStore on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed
	now          func() time.Time
	retryDelay   time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

const messageColumns = `id, from_user, to_user, body, file_url, file_type, file_name, reply_to_id, is_edited, edited_at, created_at`

// NewManager opens the database and starts the writer goroutine.
// Migrations are applied separately, see ApplyMigrations.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		now:          time.Now,
		retryDelay:   5 * time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// ApplyMigrations brings the schema up to date
func (m *Manager) ApplyMigrations() error {
	return m.migrations().ApplyMigrations()
}

// AppliedVersions lists the migration versions recorded in the database
func (m *Manager) AppliedVersions() ([]string, error) {
	return m.migrations().AppliedVersions()
}

func (m *Manager) migrations() *dbconfig.MigrationManager {
	return dbconfig.NewMigrationManager(m.db, dbconfig.MigrationsFS(m.config.MigrationsPath))
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// The caller gave up while queued
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			err := op.operation(m.db)
			if err != nil && retryable(err) {
				log.Printf("Database write failed, retrying in %v: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db) // Retry once
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// retryable reports whether a failed write gets a delayed second attempt.
// Cancelled or expired callers never do.
func retryable(err error) bool {
	return !errors.Is(err, interfaces.ErrMessageNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendMessage stores a new message with a server-side ID and timestamp
func (m *Manager) AppendMessage(ctx context.Context, message *types.ChatMessage) (*types.ChatMessage, error) {
	stored := *message
	stored.ID = uuid.New().String()
	stored.Timestamp = m.now().UTC()
	stored.IsEdited = false
	stored.EditedAt = nil

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO messages (id, from_user, to_user, body, file_url, file_type, file_name, reply_to_id, is_edited, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`
		_, err := db.ExecContext(ctx, query,
			stored.ID,
			stored.From,
			stored.To,
			stored.Message,
			stored.FileURL,
			stored.FileType,
			stored.FileName,
			stored.ReplyToID,
			stored.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

// UpdateMessage replaces the body of a stored message and marks it edited
func (m *Manager) UpdateMessage(ctx context.Context, id, body string) (*types.ChatMessage, error) {
	editedAt := m.now().UTC()

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx,
			`UPDATE messages SET body = ?, is_edited = 1, edited_at = ? WHERE id = ?`,
			body, editedAt, id,
		)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrMessageNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m.GetMessage(ctx, id)
}

// GetMessage retrieves a message by ID
func (m *Manager) GetMessage(ctx context.Context, id string) (*types.ChatMessage, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return message, nil
}

// QueryRecent returns the latest limit messages of a conversation, oldest first
func (m *Manager) QueryRecent(ctx context.Context, userA, userB string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		return []*types.ChatMessage{}, nil
	}

	// Newest first with LIMIT, then reversed into chronological order
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (from_user = ? AND to_user = ?) OR (from_user = ? AND to_user = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	messages, err := m.queryMessages(ctx, query, userA, userB, userB, userA, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// QueryConversation returns a whole conversation, oldest first
func (m *Manager) QueryConversation(ctx context.Context, userA, userB string) ([]*types.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (from_user = ? AND to_user = ?) OR (from_user = ? AND to_user = ?)
		ORDER BY created_at ASC, rowid ASC
	`
	messages, err := m.queryMessages(ctx, query, userA, userB, userB, userA)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return messages, nil
}

func (m *Manager) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*types.ChatMessage, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.ChatMessage{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*types.ChatMessage, error) {
	var message types.ChatMessage
	var fileURL, fileType, fileName, replyTo sql.NullString
	var isEdited int
	var editedAt sql.NullTime

	err := row.Scan(
		&message.ID,
		&message.From,
		&message.To,
		&message.Message,
		&fileURL,
		&fileType,
		&fileName,
		&replyTo,
		&isEdited,
		&editedAt,
		&message.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	message.FileURL = nullableString(fileURL)
	message.FileType = nullableString(fileType)
	message.FileName = nullableString(fileName)
	message.ReplyToID = nullableString(replyTo)
	message.IsEdited = isEdited != 0
	if editedAt.Valid {
		t := editedAt.Time
		message.EditedAt = &t
	}

	return &message, nil
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// applySQLiteOptimizations applies performance pragmas
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
