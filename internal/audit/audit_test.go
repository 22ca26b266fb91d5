// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(user, verdict, reason string) Entry {
	return Entry{
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		RequestID: "req-" + user + "-" + reason,
		User:      user,
		Verdict:   verdict,
		Reason:    reason,
		Service:   "sudo",
	}
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "audit.log")
	sink := NewFileSink(path)

	sink.Record(testEntry("alice", "granted", "biometric_matched"))
	sink.Record(testEntry("bob", "fallback", "not_matched"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"user":"alice"`)
	assert.Contains(t, lines[1], `"reason":"not_matched"`)
	assert.NotContains(t, lines[0], "locked_until")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	health, err := ReadHealth(path)
	require.NoError(t, err)
	assert.Nil(t, health)
}

func TestFileSinkDegradedModeWritesHealth(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	healthPath := filepath.Join(dir, "audit.health")
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	sink := NewFileSink(filepath.Join(blocker, "audit.log"),
		WithHealthPath(healthPath),
		WithClock(func() time.Time { return now }),
	)

	// Record never panics or reports failure to the caller.
	sink.Record(testEntry("alice", "denied", "not_matched"))
	sink.Record(testEntry("alice", "denied", "not_matched"))

	h, err := ReadHealthFile(healthPath)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 2, h.ConsecutiveFailures)
	assert.True(t, h.FailedAt.Equal(now))
	assert.NotEmpty(t, h.Error)
}

func TestFileSinkRecoveryClearsHealth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	healthPath := path + ".health"
	require.NoError(t, os.WriteFile(healthPath, []byte(`{"consecutive_failures":3,"error":"disk full"}`), 0600))

	h, err := ReadHealth(path)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 3, h.ConsecutiveFailures)

	NewFileSink(path).Record(testEntry("alice", "granted", "biometric_matched"))

	_, err = os.Stat(healthPath)
	assert.True(t, os.IsNotExist(err))
	h, err = ReadHealth(path)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestFileSinkConcurrentRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewFileSink(path)
	b := NewFileSink(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := a
			if i%2 == 1 {
				s = b
			}
			s.Record(testEntry("alice", "fallback", "not_matched"))
		}(i)
	}
	wg.Wait()

	entries, err := ReadEntries(path, 0, "")
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestReadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := NewFileSink(path)
	for i := 0; i < 5; i++ {
		sink.Record(testEntry("alice", "fallback", "not_matched"))
	}
	sink.Record(testEntry("bob", "granted", "biometric_matched"))
	sink.Record(testEntry("alice", "locked_out", "locked_out"))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n\n{\"user\":\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Run("all", func(t *testing.T) {
		entries, err := ReadEntries(path, 0, "")
		require.NoError(t, err)
		assert.Len(t, entries, 7)
	})

	t.Run("limit keeps the tail", func(t *testing.T) {
		entries, err := ReadEntries(path, 2, "")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "bob", entries[0].User)
		assert.Equal(t, "locked_out", entries[1].Verdict)
	})

	t.Run("user filter", func(t *testing.T) {
		entries, err := ReadEntries(path, 3, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for _, e := range entries {
			assert.Equal(t, "alice", e.User)
		}
		assert.Equal(t, "locked_out", entries[2].Reason)
	})

	t.Run("missing log", func(t *testing.T) {
		entries, err := ReadEntries(filepath.Join(t.TempDir(), "none.log"), 10, "")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestEntryToLogLine(t *testing.T) {
	e := testEntry("mallory\n2025-01-01 | root | GRANTED", "denied", "not_matched")
	e.Failures = 3
	e.Remote = true

	line := e.ToLogLine()
	assert.NotContains(t, line, "\n")
	assert.Contains(t, line, "DENIED")
	assert.Contains(t, line, "failures=3")
	assert.Contains(t, line, "remote")
}

func TestMultiAndMemorySink(t *testing.T) {
	var a, b MemorySink
	m := Multi{&a, nil, Nop{}, &b}

	m.Record(testEntry("alice", "granted", "biometric_matched"))

	assert.Len(t, a.Entries(), 1)
	assert.Len(t, b.Entries(), 1)
	assert.Equal(t, "alice", b.Entries()[0].User)
}

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := NewFileSink(path)
	sink.Record(testEntry("old", "granted", "biometric_matched"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Entry, 10)
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, path, func(e Entry) { got <- e })
	}()

	// Give the watcher time to register before appending.
	time.Sleep(100 * time.Millisecond)
	sink.Record(testEntry("alice", "fallback", "not_matched"))
	sink.Record(testEntry("bob", "granted", "biometric_matched"))

	var users []string
	timeout := time.After(5 * time.Second)
	for len(users) < 2 {
		select {
		case e := <-got:
			users = append(users, e.User)
		case <-timeout:
			t.Fatalf("timed out waiting for followed entries, got %v", users)
		}
	}
	assert.Equal(t, []string{"alice", "bob"}, users)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}

func TestTailHandlesPartialLinesAndTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	line, err := (&Entry{User: "alice", Verdict: "granted"}).ToJSON()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, line[:10], 0600))

	var got []Entry
	collect := func(e Entry) { got = append(got, e) }
	tl := &tail{path: path}

	require.NoError(t, tl.poll(collect))
	assert.Empty(t, got)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write(append(line[10:], '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, tl.poll(collect))
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].User)

	// Rotation to a shorter file restarts from the beginning.
	short, err := (&Entry{User: "bo"}).ToJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(short, '\n'), 0600))
	require.NoError(t, tl.poll(collect))
	require.Len(t, got, 2)
	assert.Equal(t, "bo", got[1].User)
}
