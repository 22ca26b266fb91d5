// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attempts

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jeranaias/touchid-sudo/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	recordExt  = ".rec"
	lockExt    = ".lock"
	keyFile    = ".integrity.key"
	keyLock    = ".integrity.lock"
	sigSize    = sha256.Size
	keySize    = 32
	maxRecSize = 16 * 1024

	// recordVersion is bumped when the on-disk layout changes.
	recordVersion = 1

	lockRetryInterval = 10 * time.Millisecond
)

// persistentRecord is the signed JSON document stored per user.
type persistentRecord struct {
	Version int       `json:"version"`
	Record  Record    `json:"record"`
	SavedAt time.Time `json:"saved_at"`
}

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps one HMAC-signed file per user in a root-only directory.
// File names are the sha256 of the user name so a crafted name cannot
// escape the directory. Each record has a companion lock file taken with
// flock(2), which the kernel releases if the holder dies.
type FileStore struct {
	dir  string
	key  []byte
	opts options
}

// NewFileStore opens (creating if needed) the state directory at dir.
// SECURITY: dir must be owned by the configured uid and not group or world
// writable; it is created 0700.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)

	if dir == "" {
		return nil, fmt.Errorf("%w: empty state directory", ErrStoreUnavailable)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, unavailable("create state directory", err)
	}
	if err := util.CheckTrustedDir(dir, o.ownerUID); err != nil {
		return nil, unavailable("check state directory", err)
	}

	s := &FileStore{dir: dir, opts: o}
	key, err := s.loadOrCreateKey()
	if err != nil {
		return nil, unavailable("integrity key", err)
	}
	s.key = key
	return s, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Get reads the user's record without locking. Writers replace files
// atomically, so a reader sees either the old or the new record.
func (s *FileStore) Get(ctx context.Context, user string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, unavailable("get", err)
	}
	rec, err := s.read(user)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Update locks the user's record, applies fn and writes the result.
func (s *FileStore) Update(ctx context.Context, user string, fn Mutation) (Record, error) {
	unlock, err := s.lock(ctx, user)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	rec, err := s.read(user)
	if err != nil {
		return Record{}, err
	}

	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	rec.User = user
	rec.UpdatedAt = s.opts.now()

	if err := s.write(user, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Reset overwrites the user's record with a zero record.
func (s *FileStore) Reset(ctx context.Context, user string) error {
	unlock, err := s.lock(ctx, user)
	if err != nil {
		return err
	}
	defer unlock()

	return s.write(user, Record{User: user, UpdatedAt: s.opts.now()})
}

// List reads every record in the directory.
func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+recordExt))
	if err != nil {
		return nil, unavailable("list", err)
	}

	var (
		records []Record
		errs    []error
	)
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return records, unavailable("list", err)
		}
		rec, err := s.readFile(path, "")
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

// Close releases nothing; every operation opens and closes its own files.
func (s *FileStore) Close() error {
	return nil
}

// =============================================================================
// LOCKING
// =============================================================================

func (s *FileStore) baseName(user string) string {
	return filepath.Join(s.dir, util.HashIdentifier(user))
}

// lock takes an exclusive flock on the user's lock file, retrying until the
// context deadline (or the store's lock timeout) expires.
func (s *FileStore) lock(ctx context.Context, user string) (func(), error) {
	return s.flock(ctx, s.baseName(user)+lockExt)
}

func (s *FileStore) flock(ctx context.Context, path string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.lockTimeout)
		defer cancel()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, unavailable("open lock file", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, unavailable("flock", err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			s.opts.log.Warn("record lock wait expired", "lock", filepath.Base(path))
			return nil, ErrLockTimeout
		case <-time.After(lockRetryInterval):
		}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// loadOrCreateKey returns the HMAC key, generating it under a directory-wide
// lock the first time so concurrent first runs agree on one key.
// SECURITY: No deterministic fallback key. If random generation fails the
// store refuses to open.
func (s *FileStore) loadOrCreateKey() ([]byte, error) {
	keyPath := filepath.Join(s.dir, keyFile)

	if key, err := readKey(keyPath); err == nil {
		return key, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	unlock, err := s.flock(context.Background(), filepath.Join(s.dir, keyLock))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another process may have won the race while we waited.
	if key, err := readKey(keyPath); err == nil {
		return key, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate integrity key: %w", err)
	}
	if err := util.AtomicWriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("save integrity key: %w", err)
	}
	s.opts.log.Info("created state integrity key", "dir", s.dir)
	return key, nil
}

func readKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: integrity key has wrong length %d", ErrIntegrity, len(key))
	}
	return key, nil
}

func (s *FileStore) read(user string) (Record, error) {
	rec, err := s.readFile(s.baseName(user)+recordExt, user)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{User: user}, nil
	}
	return rec, err
}

// readFile loads and verifies one record. If user is non-empty the stored
// user must match, which stops a valid record being copied onto another
// user's file name.
func (s *FileStore) readFile(path, user string) (Record, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, err
		}
		return Record{}, unavailable("read record", err)
	}

	if len(payload) <= sigSize || len(payload) > maxRecSize {
		s.opts.log.Warn("state record has invalid size", "file", filepath.Base(path), "size", len(payload))
		return Record{}, ErrIntegrity
	}

	// Last 32 bytes are the HMAC-SHA256 of the JSON before them.
	data, sig := payload[:len(payload)-sigSize], payload[len(payload)-sigSize:]
	if !hmac.Equal(sig, s.sign(data)) {
		s.opts.log.Warn("state record failed HMAC verification", "file", filepath.Base(path))
		return Record{}, ErrIntegrity
	}

	var pr persistentRecord
	if err := json.Unmarshal(data, &pr); err != nil {
		s.opts.log.Warn("state record is not valid JSON", "file", filepath.Base(path))
		return Record{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if pr.Version != recordVersion {
		return Record{}, fmt.Errorf("%w: unsupported record version %d", ErrIntegrity, pr.Version)
	}
	if user != "" && pr.Record.User != user {
		s.opts.log.Warn("state record belongs to another user",
			"file", filepath.Base(path), "want", util.MaskIdentifier(user))
		return Record{}, fmt.Errorf("%w: record user mismatch", ErrIntegrity)
	}
	if strings.TrimSpace(pr.Record.User) == "" {
		return Record{}, fmt.Errorf("%w: record has no user", ErrIntegrity)
	}
	return pr.Record, nil
}

func (s *FileStore) write(user string, rec Record) error {
	data, err := json.Marshal(persistentRecord{
		Version: recordVersion,
		Record:  rec,
		SavedAt: s.opts.now(),
	})
	if err != nil {
		return unavailable("marshal record", err)
	}

	payload := append(data, s.sign(data)...)
	if err := util.AtomicWriteFile(s.baseName(user)+recordExt, payload, 0600); err != nil {
		return unavailable("write record", err)
	}
	return nil
}

func (s *FileStore) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil)
}
