// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attempts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/touchid-sudo/internal/util"
)

// SQLiteFileName is used when the configured path is a directory.
const SQLiteFileName = "attempts.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS attempts (
	user                 TEXT PRIMARY KEY,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_failure         INTEGER NOT NULL DEFAULT 0,
	locked_until         INTEGER NOT NULL DEFAULT 0,
	lockout_count        INTEGER NOT NULL DEFAULT 0,
	updated_at           INTEGER NOT NULL DEFAULT 0
);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore keeps all records in one database. Writers serialize on
// SQLite's database lock (BEGIN IMMEDIATE), which is coarser than per-user
// but keeps every read-modify-write atomic across processes.
type SQLiteStore struct {
	db   *sql.DB
	path string
	opts options
}

// NewSQLiteStore opens or creates the database. path may be a directory
// (the database is created inside it) or a file ending in ".db".
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	if path == "" {
		return nil, fmt.Errorf("%w: empty state path", ErrStoreUnavailable)
	}
	dbPath := sqlitePath(path)
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, unavailable("create state directory", err)
	}
	if err := util.CheckTrustedDir(dir, o.ownerUID); err != nil {
		return nil, unavailable("check state directory", err)
	}

	busy := o.lockTimeout.Milliseconds()
	dsn := dbPath + fmt.Sprintf("?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", busy)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, unavailable("initialize schema", err)
	}
	if err := os.Chmod(dbPath, 0600); err != nil {
		db.Close()
		return nil, unavailable("set database permissions", err)
	}

	return &SQLiteStore{db: db, path: dbPath, opts: o}, nil
}

// sqlitePath resolves a configured path to the database file.
func sqlitePath(path string) string {
	if strings.HasSuffix(path, ".db") {
		return path
	}
	return filepath.Join(path, SQLiteFileName)
}

// Path returns the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Get reads the user's record.
func (s *SQLiteStore) Get(ctx context.Context, user string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord, user))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{User: user}, nil
	}
	if err != nil {
		return Record{}, unavailable("get", err)
	}
	return rec, nil
}

// Update applies fn inside an immediate transaction.
func (s *SQLiteStore) Update(ctx context.Context, user string, fn Mutation) (Record, error) {
	var out Record
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		rec, err := scanRecord(conn.QueryRowContext(ctx, selectRecord, user))
		if errors.Is(err, sql.ErrNoRows) {
			rec = Record{User: user}
		} else if err != nil {
			return unavailable("read record", err)
		}

		if err := fn(&rec); err != nil {
			return err
		}
		rec.User = user
		rec.UpdatedAt = s.opts.now()

		if err := upsertRecord(ctx, conn, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// Reset zeroes the user's record.
func (s *SQLiteStore) Reset(ctx context.Context, user string) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		return upsertRecord(ctx, conn, Record{User: user, UpdatedAt: s.opts.now()})
	})
}

// List returns all records ordered by user.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectAll)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return records, unavailable("list", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return records, unavailable("list", err)
	}
	return records, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withImmediateTx runs fn between BEGIN IMMEDIATE and COMMIT on a dedicated
// connection. BEGIN IMMEDIATE takes the write lock up front so two
// processes cannot both read the old record and then race to write.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.lockTimeout)
		defer cancel()
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return unavailable("acquire connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked") {
			return ErrLockTimeout
		}
		return unavailable("begin", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context: the rollback must run even if ctx expired.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return unavailable("commit", err)
	}
	committed = true
	return nil
}

const (
	selectRecord = `SELECT user, consecutive_failures, last_failure, locked_until, lockout_count, updated_at
		FROM attempts WHERE user = ?`
	selectAll = `SELECT user, consecutive_failures, last_failure, locked_until, lockout_count, updated_at
		FROM attempts ORDER BY user`
	upsertSQL = `INSERT INTO attempts (user, consecutive_failures, last_failure, locked_until, lockout_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET
			consecutive_failures = excluded.consecutive_failures,
			last_failure = excluded.last_failure,
			locked_until = excluded.locked_until,
			lockout_count = excluded.lockout_count,
			updated_at = excluded.updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                                 Record
		lastFailure, lockedUntil, updatedAt int64
	)
	if err := row.Scan(&rec.User, &rec.ConsecutiveFailures, &lastFailure, &lockedUntil, &rec.LockoutCount, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.LastFailure = fromUnixNano(lastFailure)
	rec.LockedUntil = fromUnixNano(lockedUntil)
	rec.UpdatedAt = fromUnixNano(updatedAt)
	return rec, nil
}

func upsertRecord(ctx context.Context, conn *sql.Conn, rec Record) error {
	_, err := conn.ExecContext(ctx, upsertSQL,
		rec.User,
		rec.ConsecutiveFailures,
		toUnixNano(rec.LastFailure),
		toUnixNano(rec.LockedUntil),
		rec.LockoutCount,
		toUnixNano(rec.UpdatedAt),
	)
	if err != nil {
		return unavailable("write record", err)
	}
	return nil
}

// Zero time is stored as 0 so NULL handling is never needed.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
