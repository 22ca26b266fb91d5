// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger builds the slog loggers used by the CLI tools and the PAM
// module.
//
// The CLI tools log to stderr. The PAM module runs inside another program's
// process (sudo) and must never write to the user's terminal, so it logs to
// syslog under the authpriv facility, or nowhere at all if syslog is down.
package logger

import (
	"io"
	"log/slog"
	"log/syslog"
	"os"
)

// SyslogTag is the program name attached to module log lines.
const SyslogTag = "pam_touchid"

// New returns a text logger writing to w.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Stderr returns the logger used by the command line tools.
func Stderr(debug bool) *slog.Logger {
	return New(os.Stderr, debug)
}

// Syslog returns a logger for code running inside the PAM stack. If the
// syslog daemon cannot be reached the returned logger discards everything.
// The returned close function is always safe to call.
func Syslog(debug bool) (*slog.Logger, func()) {
	w, err := syslog.New(syslog.LOG_AUTHPRIV|syslog.LOG_NOTICE, SyslogTag)
	if err != nil {
		return Nop(), func() {}
	}
	return New(w, debug), func() { _ = w.Close() }
}

// Nop returns a logger that drops all records.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
