// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time interface check.
var _ Backend = (*SQLiteBackend)(nil)

// Busy retries: SQLite returns SQLITE_BUSY when another connection
// holds the write lock. Short fibonacci backoff rides it out.
const (
	busyRetryBase = 5 * time.Millisecond
	busyRetryMax  = 6
)

// SQLiteBackend is a Backend persisted in a local SQLite database, the
// natural store for a desktop host: one file next to the user's data,
// no server to run.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if needed) the database at path and
// applies pending schema migrations.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, oops.In("storage").With("path", path).Wrapf(err, "open database")
	}
	// SQLite allows one writer; a single connection sidesteps most
	// SQLITE_BUSY contention from our own process.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, oops.In("storage").With("path", path).Wrapf(err, "migrate database")
	}
	return &SQLiteBackend{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return oops.Code("MIGRATION_SOURCE_FAILED").Wrap(err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = source.Close()
		return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		_ = source.Close()
		return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_UP_FAILED").Wrap(err)
	}
	return nil
}

// Get implements Backend.
func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT value FROM plugin_storage WHERE key = ?`, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements Backend.
func (s *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO plugin_storage (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value)
		return err
	})
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM plugin_storage WHERE key = ?`, key)
		return err
	})
}

// DeletePrefix implements Backend.
func (s *SQLiteBackend) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var removed int64
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM plugin_storage WHERE key LIKE ? ESCAPE '\'`,
			escapeLike(prefix)+"%")
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// withBusyRetry runs f, retrying with backoff while SQLite reports the
// database as busy or locked.
func (s *SQLiteBackend) withBusyRetry(ctx context.Context, f func(context.Context) error) error {
	backoff := retry.WithMaxRetries(busyRetryMax, retry.NewFibonacci(busyRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := f(ctx)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// escapeLike escapes LIKE metacharacters so a prefix containing '%',
// '_', or '\' matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
