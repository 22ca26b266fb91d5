// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeranaias/touchid-sudo/internal/logger"
	"github.com/jeranaias/touchid-sudo/internal/paths"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// Sink receives audit entries. Record must not block for long and never
// reports failure to the caller.
type Sink interface {
	Record(e Entry)
}

// =============================================================================
// HEALTH SIGNAL
// =============================================================================

// Health is written next to the audit log while auditing is failing.
type Health struct {
	FailedAt            time.Time `json:"failed_at"`
	Error               string    `json:"error"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// =============================================================================
// FILE SINK
// =============================================================================

// FileSink appends JSON lines to a file. Each Record opens, appends, syncs
// and closes the file, so the sink holds no descriptor between decisions
// and several processes may append concurrently (O_APPEND).
type FileSink struct {
	path       string
	healthPath string
	log        *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)

// WithLogger sets where degraded-mode warnings go.
func WithLogger(l *slog.Logger) FileSinkOption {
	return func(s *FileSink) {
		s.log = logger.OrNop(l)
	}
}

// WithHealthPath overrides the health file location.
func WithHealthPath(path string) FileSinkOption {
	return func(s *FileSink) {
		s.healthPath = path
	}
}

// WithClock overrides the time used for health records.
func WithClock(now func() time.Time) FileSinkOption {
	return func(s *FileSink) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFileSink returns a sink appending to path.
func NewFileSink(path string, opts ...FileSinkOption) *FileSink {
	s := &FileSink{
		path:       path,
		healthPath: paths.HealthPath(path),
		log:        logger.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the audit log path.
func (s *FileSink) Path() string {
	return s.path
}

// Record appends e. Failures are logged and reflected in the health file.
func (s *FileSink) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(e); err != nil {
		s.markFailed(err)
		return
	}
	s.markHealthy()
}

func (s *FileSink) append(e Entry) error {
	if s.path == "" {
		return errors.New("no audit path configured")
	}

	data, err := e.ToJSON()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	return nil
}

// markFailed records the failure in the health file, carrying the
// consecutive count across processes.
func (s *FileSink) markFailed(err error) {
	prev, _ := ReadHealthFile(s.healthPath)
	h := Health{FailedAt: s.now(), Error: err.Error(), ConsecutiveFailures: 1}
	if prev != nil {
		h.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}

	s.log.Warn("audit log unavailable, continuing in degraded mode",
		"path", s.path, "error", err, "consecutive_failures", h.ConsecutiveFailures)

	data, mErr := json.Marshal(h)
	if mErr != nil {
		return
	}
	if wErr := util.AtomicWriteFile(s.healthPath, data, 0600); wErr != nil {
		s.log.Error("audit health signal could not be written", "path", s.healthPath, "error", wErr)
	}
}

func (s *FileSink) markHealthy() {
	err := os.Remove(s.healthPath)
	switch {
	case err == nil:
		s.log.Info("audit log recovered", "path", s.path)
	case !errors.Is(err, fs.ErrNotExist):
		s.log.Warn("could not clear audit health signal", "path", s.healthPath, "error", err)
	}
}

// =============================================================================
// OTHER SINKS
// =============================================================================

// Multi fans an entry out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(e Entry) {
	for _, s := range m {
		if s != nil {
			s.Record(e)
		}
	}
}

// Nop discards entries.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(Entry) {}

// MemorySink keeps entries in memory. Used by tests and dry runs.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (m *MemorySink) Record(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

// Entries returns a copy of everything recorded.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// LogSink mirrors entries to a structured logger (syslog for the module).
type LogSink struct {
	Log *slog.Logger
}

// Record implements Sink.
func (l LogSink) Record(e Entry) {
	logger.OrNop(l.Log).Info("sudo biometric decision",
		"request_id", e.RequestID,
		"user", util.MaskIdentifier(e.User),
		"verdict", e.Verdict,
		"reason", e.Reason,
		"biometric", e.Biometric,
		"remote", e.Remote,
	)
}
