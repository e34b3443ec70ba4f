package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager handles database migrations
type MigrationManager struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrationManager creates a new migration manager reading *.sql files from files
func NewMigrationManager(db *sql.DB, files fs.FS) *MigrationManager {
	return &MigrationManager{
		db:    db,
		files: files,
	}
}

// MigrationsFS resolves a migrations directory; empty selects the embedded set.
func MigrationsFS(dir string) fs.FS {
	if dir == "" {
		sub, err := fs.Sub(embeddedMigrations, "migrations")
		if err != nil {
			// embed path is fixed at compile time
			panic(err)
		}
		return sub
	}
	return os.DirFS(dir)
}

// ApplyMigrations applies all pending migrations in version order
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	appliedMigrations, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if appliedMigrations[migration.Version] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// AppliedVersions returns applied migration versions in order
func (m *MigrationManager) AppliedVersions() ([]string, error) {
	applied, err := m.getAppliedMigrations()
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

// createMigrationTable creates the migration tracking table
func (m *MigrationManager) createMigrationTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := m.db.Exec(query)
	return err
}

// loadMigrations loads migration files, e.g. "001_initial_schema.sql" -> version "001"
func (m *MigrationManager) loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}

		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, err
		}

		parts := strings.Split(name, "_")
		migrations = append(migrations, Migration{
			Version:     parts[0],
			Description: strings.TrimSuffix(strings.Join(parts[1:], "_"), ".sql"),
			SQL:         string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// getAppliedMigrations returns the set of already applied versions
func (m *MigrationManager) getAppliedMigrations() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// applyMigration applies a single migration within a transaction
func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
