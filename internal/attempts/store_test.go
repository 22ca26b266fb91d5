// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attempts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, dir string) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T, dir string) Store {
			s, err := NewFileStore(dir, WithOwnerUID(os.Getuid()))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T, dir string) Store {
			s, err := NewSQLiteStore(dir, WithOwnerUID(os.Getuid()), WithLockTimeout(2*time.Second))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func stateDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.Mkdir(dir, 0700))
	return dir
}

func TestStore_GetMissingIsZero(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t, stateDir(t))
			rec, err := s.Get(context.Background(), "alice")
			require.NoError(t, err)
			assert.Equal(t, "alice", rec.User)
			assert.True(t, rec.IsZero())
		})
	}
}

func TestStore_UpdatePersistsAcrossInstances(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			dir := stateDir(t)
			ctx := context.Background()

			s := open(t, dir)
			for i := 0; i < 3; i++ {
				_, err := s.Update(ctx, "alice", func(r *Record) error {
					r.RecordFailure(epoch, 3, time.Minute)
					return nil
				})
				require.NoError(t, err)
			}
			require.NoError(t, s.Close())

			// A new instance has no in-memory state; everything comes from disk.
			s2 := open(t, dir)
			rec, err := s2.Get(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 3, rec.ConsecutiveFailures)
			assert.True(t, rec.LockedUntil.Equal(epoch.Add(time.Minute)))
			assert.True(t, rec.IsLocked(epoch))

			other, err := s2.Get(ctx, "bob")
			require.NoError(t, err)
			assert.True(t, other.IsZero())
		})
	}
}

func TestStore_MutationErrorAborts(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t, stateDir(t))
			ctx := context.Background()
			boom := errors.New("boom")

			_, err := s.Update(ctx, "alice", func(r *Record) error {
				r.ConsecutiveFailures = 99
				return boom
			})
			require.ErrorIs(t, err, boom)

			rec, err := s.Get(ctx, "alice")
			require.NoError(t, err)
			assert.Zero(t, rec.ConsecutiveFailures)
		})
	}
}

func TestStore_ResetAndList(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t, stateDir(t))
			ctx := context.Background()

			for _, u := range []string{"alice", "bob"} {
				_, err := s.Update(ctx, u, func(r *Record) error {
					r.RecordFailure(epoch, 5, time.Minute)
					return nil
				})
				require.NoError(t, err)
			}

			require.NoError(t, s.Reset(ctx, "alice"))

			records, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, records, 2)

			byUser := map[string]Record{}
			for _, r := range records {
				byUser[r.User] = r
			}
			assert.Zero(t, byUser["alice"].ConsecutiveFailures)
			assert.Equal(t, 1, byUser["bob"].ConsecutiveFailures)
		})
	}
}

// TestStore_ConcurrentUpdatesLinearizable runs matched and not-matched
// outcomes for one user in parallel, across two store instances, and checks
// that the observed before/after values chain into one serial history.
func TestStore_ConcurrentUpdatesLinearizable(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			dir := stateDir(t)
			stores := []Store{open(t, dir), open(t, dir)}
			ctx := context.Background()

			const n = 40
			type step struct{ before, after int }
			var (
				mu      sync.Mutex
				history []step
				wg      sync.WaitGroup
			)

			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					matched := i%2 == 0
					_, err := stores[i%2].Update(ctx, "alice", func(r *Record) error {
						before := r.ConsecutiveFailures
						if matched {
							r.RecordSuccess()
						} else {
							r.RecordFailure(time.Now(), 1000, time.Minute)
						}
						// Runs under the store lock, so append order is the
						// serialization order.
						mu.Lock()
						history = append(history, step{before, r.ConsecutiveFailures})
						mu.Unlock()
						return nil
					})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			require.Len(t, history, n)
			prev := 0
			failures := 0
			for i, h := range history {
				require.Equalf(t, prev, h.before, "step %d read a value no serial order produces", i)
				if h.after > h.before {
					require.Equal(t, h.before+1, h.after)
					failures++
				} else {
					require.Zero(t, h.after)
				}
				prev = h.after
			}
			assert.Equal(t, n/2, failures)

			final, err := stores[0].Get(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, prev, final.ConsecutiveFailures)
		})
	}
}

func TestStore_LockHeldTimesOut(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			dir := stateDir(t)
			holder, waiter := open(t, dir), open(t, dir)

			entered := make(chan struct{})
			release := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				_, err := holder.Update(context.Background(), "alice", func(r *Record) error {
					close(entered)
					<-release
					return nil
				})
				done <- err
			}()
			<-entered

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := waiter.Update(ctx, "alice", func(r *Record) error { return nil })
			require.ErrorIs(t, err, ErrStoreUnavailable)

			close(release)
			require.NoError(t, <-done)

			// A different user is not blocked by the file backend's per-user lock.
			if name == "file" {
				_, err := waiter.Update(context.Background(), "bob", func(r *Record) error { return nil })
				require.NoError(t, err)
			}
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestOpen_UntrustedDirectory(t *testing.T) {
	dir := stateDir(t)
	require.NoError(t, os.Chmod(dir, 0777))

	_, err := Open("file", dir, WithOwnerUID(os.Getuid()))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = Open("file", stateDir(t), WithOwnerUID(os.Getuid()+1))
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestExistsAndDestroy(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "state")

			ok, err := Exists(backend, dir)
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = os.Stat(dir)
			assert.True(t, os.IsNotExist(err), "Exists must not create anything")

			s, err := Open(backend, dir, WithOwnerUID(os.Getuid()))
			require.NoError(t, err)
			_, err = s.Update(context.Background(), "alice", func(r *Record) error {
				r.RecordFailure(epoch, 5, time.Minute)
				return nil
			})
			require.NoError(t, err)
			require.NoError(t, s.Close())

			ok, err = Exists(backend, dir)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, Destroy(backend, dir))
			ok, err = Exists(backend, dir)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
