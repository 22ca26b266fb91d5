// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attempts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jeranaias/touchid-sudo/internal/logger"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStoreUnavailable is the category for every storage failure.
	ErrStoreUnavailable = errors.New("attempt store unavailable")

	// ErrIntegrity means a record failed signature or format checks.
	ErrIntegrity = fmt.Errorf("%w: record integrity check failed", ErrStoreUnavailable)

	// ErrLockTimeout means the per-user lock could not be acquired in time.
	ErrLockTimeout = fmt.Errorf("%w: timed out waiting for record lock", ErrStoreUnavailable)
)

// unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func unavailable(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// =============================================================================
// STORE
// =============================================================================

// Mutation changes a record in place. Returning an error aborts the update
// without writing.
type Mutation func(r *Record) error

// Store persists one Record per user.
type Store interface {
	// Get returns the user's record, or a zero record if none exists.
	Get(ctx context.Context, user string) (Record, error)

	// Update applies fn atomically under an exclusive lock and returns the
	// record as written.
	Update(ctx context.Context, user string, fn Mutation) (Record, error)

	// Reset replaces the user's record with a zero record without reading
	// the old one, so it also recovers from a corrupted record.
	Reset(ctx context.Context, user string) error

	// List returns every stored record. Records that fail verification are
	// reported in the returned error and omitted.
	List(ctx context.Context) ([]Record, error)

	Close() error
}

// DefaultLockTimeout bounds lock acquisition when ctx carries no deadline.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	log         *slog.Logger
	now         func() time.Time
	ownerUID    int
	lockTimeout time.Duration
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the logger used for integrity and lock warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = logger.OrNop(l)
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithOwnerUID sets the uid the state directory must belong to.
func WithOwnerUID(uid int) Option {
	return func(o *options) {
		o.ownerUID = uid
	}
}

// WithLockTimeout bounds lock acquisition when the context has no deadline.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:         logger.Nop(),
		now:         time.Now,
		ownerUID:    util.RootUID,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open returns the store for backend ("file" or "sqlite") rooted at path.
// For "file" path is a directory; for "sqlite" it is a directory that will
// hold attempts.db, or a path ending in .db.
func Open(backend, path string, opts ...Option) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path, opts...)
	case "sqlite":
		return NewSQLiteStore(path, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrStoreUnavailable, backend)
	}
}

// Location returns the file or directory backend keeps its state in.
func Location(backend, path string) string {
	if backend == "sqlite" {
		return sqlitePath(path)
	}
	return path
}

// Exists reports whether any state was ever written at path, without
// creating anything.
func Exists(backend, path string) (bool, error) {
	_, err := os.Stat(Location(backend, path))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Destroy deletes all state for backend at path. Used by uninstall.
func Destroy(backend, path string) error {
	if backend != "sqlite" {
		return os.RemoveAll(path)
	}
	db := sqlitePath(path)
	var errs []error
	for _, f := range []string{db, db + "-wal", db + "-shm"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if db != path {
		// The directory was ours; remove it if nothing else lives there.
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) && !isNotEmpty(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isNotEmpty(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe) && (errors.Is(pe.Err, unix.ENOTEMPTY) || errors.Is(pe.Err, unix.EEXIST))
}
