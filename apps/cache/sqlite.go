// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLite is a Backend storing values in a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Backend = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path and applies pending
// migrations. Use ":memory:" for a private in-memory database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}
	// One writer at a time; an in-memory database only exists on its one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Read implements Backend.Read().
func (s *SQLite) Read(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE cache_key = ?`, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("reading cache entry: %w", err)
	}
	return v, true, nil
}

// Write implements Backend.Write().
func (s *SQLite) Write(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Delete implements Backend.Delete().
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// DeleteAll implements Backend.DeleteAll().
func (s *SQLite) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("deleting cache entries: %w", err)
	}
	return nil
}

// Keys implements Backend.Keys().
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cache_key FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close implements Backend.Close().
func (s *SQLite) Close() error {
	return s.db.Close()
}
