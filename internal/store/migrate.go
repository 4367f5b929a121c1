package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Migration is one numbered schema step on disk: NNNN_name.up.sql with its
// matching .down.sql.
type Migration struct {
	Version   string     `json:"version"`
	UpPath    string     `json:"-"`
	DownPath  string     `json:"-"`
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
}

func (m Migration) Applied() bool {
	return m.AppliedAt != nil
}

// ListMigrations reads the directory, sorted by version.
func ListMigrations(migrationsDir string) ([]Migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var version string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			version, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			version = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if up {
			m.UpPath = filepath.Join(migrationsDir, name)
		} else {
			m.DownPath = filepath.Join(migrationsDir, name)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpPath == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// MigrationStatus lists every migration on disk with its applied time.
func MigrationStatus(ctx context.Context, db *sql.DB, migrationsDir string) ([]Migration, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	for i := range migrations {
		if at, ok := applied[migrations[i].Version]; ok {
			migrations[i].AppliedAt = &at
		}
	}
	return migrations, nil
}

// ApplyMigrations runs every pending up migration in version order, each in
// its own transaction. It returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	migrations, err := MigrationStatus(ctx, db, migrationsDir)
	if err != nil {
		return nil, err
	}

	done := make([]string, 0)
	for _, m := range migrations {
		if m.Applied() {
			continue
		}
		if err := runMigration(ctx, db, m.Version, m.UpPath,
			`INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return done, err
		}
		done = append(done, m.Version)
	}
	return done, nil
}

// RollbackMigrations reverts the newest applied migrations. steps <= 0 reverts
// all of them.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	migrations, err := MigrationStatus(ctx, db, migrationsDir)
	if err != nil {
		return nil, err
	}

	done := make([]string, 0)
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && len(done) >= steps {
			break
		}
		m := migrations[i]
		if !m.Applied() {
			continue
		}
		if m.DownPath == "" {
			return done, fmt.Errorf("migration %s has no down file", m.Version)
		}
		if err := runMigration(ctx, db, m.Version, m.DownPath,
			`DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return done, err
		}
		done = append(done, m.Version)
	}
	return done, nil
}

func runMigration(ctx context.Context, db *sql.DB, version, path, record string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if text := strings.TrimSpace(string(contents)); text != "" {
		if _, err := tx.ExecContext(ctx, text); err != nil {
			return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]time.Time{}
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}
