// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jeranaias/touchid-sudo/internal/attempts"
	"github.com/jeranaias/touchid-sudo/internal/audit"
	"github.com/jeranaias/touchid-sudo/internal/pamconf"
	"github.com/jeranaias/touchid-sudo/internal/policy"
)

// DefaultStatusLines is how many audit entries status shows.
const DefaultStatusLines = 10

var statusBools = []string{"json", "debug", "follow"}

// RecordStatus is one user's attempt record as status shows it.
type RecordStatus struct {
	attempts.Record
	Locked    bool   `json:"locked"`
	Remaining string `json:"remaining,omitempty"`
}

// StatusReport is everything status displays. Problems reading any part
// are reported in the matching *Error field rather than failing.
type StatusReport struct {
	ConfigPath  string         `json:"config_path"`
	Policy      *policy.Config `json:"policy,omitempty"`
	PolicyError string         `json:"policy_error,omitempty"`

	PAM      pamconf.State `json:"pam"`
	PAMError string        `json:"pam_error,omitempty"`

	AuditPath   string        `json:"audit_path"`
	AuditHealth *audit.Health `json:"audit_health,omitempty"`
	AuditError  string        `json:"audit_error,omitempty"`

	StatePath  string         `json:"state_path"`
	Records    []RecordStatus `json:"records"`
	StoreError string         `json:"store_error,omitempty"`

	Recent []audit.Entry `json:"recent"`
}

// Status shows policy, registration, audit health, attempt records and
// recent decisions. It never writes anything.
func (e *Env) Status(raw []string) error {
	p := NewArgParser(raw, statusBools...)
	if err := rejectUnknown(p, "follow", "user", "lines"); err != nil {
		return err
	}
	jsonMode := p.BoolFlag("json")
	user := p.FlagOrDefault("user", p.Positional(0))

	lines := DefaultStatusLines
	if n, ok, err := p.FlagInt("lines"); err != nil {
		return err
	} else if ok {
		if n < 0 {
			return NewValidationError("lines", p.Flag("lines"), "must not be negative")
		}
		lines = n
	}

	report := e.collectStatus(user, lines)

	if p.BoolFlag("follow") {
		if jsonMode {
			return &UsageError{Message: "--follow cannot be combined with --json"}
		}
		e.printStatus(report)
		return e.follow(report.AuditPath, user)
	}

	if jsonMode {
		return NewJSONResponse("status", report).Write(e.Stdout)
	}
	e.printStatus(report)
	return nil
}

func (e *Env) collectStatus(user string, lines int) StatusReport {
	r := StatusReport{ConfigPath: e.Locations.ConfigPath}

	cfg, err := (&policy.Loader{Path: e.Locations.ConfigPath, OwnerUID: e.OwnerUID}).Load()
	if err != nil {
		r.PolicyError = err.Error()
		cfg = nil
	}
	r.Policy = cfg

	if st, err := pamconf.Status(e.Locations.PAMFile); err != nil {
		r.PAMError = err.Error()
	} else {
		r.PAM = st
	}

	backend := policy.BackendFile
	r.StatePath = e.Locations.StateDir
	r.AuditPath = e.Locations.AuditLog
	if cfg != nil {
		backend = cfg.Store.Backend
		r.StatePath = cfg.StateLocation(e.Locations)
		r.AuditPath = cfg.AuditLocation(e.Locations)
	}

	if h, err := audit.ReadHealth(r.AuditPath); err != nil {
		r.AuditError = err.Error()
	} else {
		r.AuditHealth = h
	}
	if entries, err := audit.ReadEntries(r.AuditPath, lines, user); err != nil {
		r.AuditError = err.Error()
	} else {
		r.Recent = entries
	}

	records, err := e.readRecords(backend, r.StatePath, user)
	if err != nil {
		r.StoreError = err.Error()
	}
	now := e.Now()
	for _, rec := range records {
		rs := RecordStatus{Record: rec, Locked: rec.IsLocked(now)}
		if rs.Locked {
			rs.Remaining = rec.TimeRemaining(now).Round(time.Second).String()
		}
		r.Records = append(r.Records, rs)
	}
	return r
}

// readRecords reads attempt records without creating a store that does not
// exist yet.
func (e *Env) readRecords(backend, path, user string) ([]attempts.Record, error) {
	exists, err := attempts.Exists(backend, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	store, err := attempts.Open(backend, path, attempts.WithOwnerUID(e.OwnerUID), attempts.WithLogger(e.Log))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), attempts.DefaultLockTimeout)
	defer cancel()

	if user != "" {
		rec, err := store.Get(ctx, user)
		if err != nil {
			return nil, err
		}
		if rec.IsZero() {
			return nil, nil
		}
		return []attempts.Record{rec}, nil
	}

	records, err := store.List(ctx)
	sort.Slice(records, func(i, j int) bool { return records[i].User < records[j].User })
	return records, err
}

func (e *Env) printStatus(r StatusReport) {
	w := e.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Touch ID for sudo"))
	fmt.Fprintln(w, RenderSeparator())

	// Policy
	fmt.Fprintln(w, SectionStyle.Render("Policy"))
	fmt.Fprintf(w, "  %s%s\n", RenderLabel("File:"), r.ConfigPath)
	if r.Policy == nil {
		fmt.Fprintf(w, "  %s %s\n", RenderStatus("fail"), r.PolicyError)
		fmt.Fprintf(w, "  %s\n", DimStyle.Render("The module denies every request until the policy loads."))
	} else {
		c := r.Policy
		fmt.Fprintf(w, "  %s%s\n", RenderLabel("Biometric:"), enabledString(c.Biometric.Enabled))
		fmt.Fprintf(w, "  %s%s\n", RenderLabel("Remote sessions:"), enabledString(c.Biometric.AllowRemoteSessions))
		fmt.Fprintf(w, "  %s%d failures, %s\n", RenderLabel("Lockout:"), c.Lockout.MaxConsecutiveFailures, c.LockoutDuration())
		fmt.Fprintf(w, "  %s%s\n", RenderLabel("Prompt timeout:"), c.BiometricTimeout())
		fmt.Fprintf(w, "  %s%s\n", RenderLabel("Password fallback:"), enabledString(c.Fallback.PasswordAllowed))
		fmt.Fprintf(w, "  %s%s\n", RenderLabel("Store backend:"), c.Store.Backend)
	}

	// PAM
	fmt.Fprintln(w, SectionStyle.Render("PAM registration"))
	fmt.Fprintf(w, "  %s%s\n", RenderLabel("File:"), r.PAM.Path)
	switch {
	case r.PAMError != "":
		fmt.Fprintf(w, "  %s %s\n", RenderStatus("fail"), r.PAMError)
	case r.PAM.Installed && r.PAM.First:
		fmt.Fprintf(w, "  %s registered\n", RenderStatus("ok"))
	case r.PAM.Installed:
		fmt.Fprintf(w, "  %s registered, but not the first auth entry\n", RenderStatus("warn"))
	default:
		fmt.Fprintf(w, "  %s not registered\n", RenderStatus("off"))
	}

	// Audit
	fmt.Fprintln(w, SectionStyle.Render("Audit log"))
	fmt.Fprintf(w, "  %s%s\n", RenderLabel("File:"), r.AuditPath)
	switch {
	case r.AuditHealth != nil:
		fmt.Fprintf(w, "  %s failing since %s (%d consecutive): %s\n",
			RenderStatus("degraded"), r.AuditHealth.FailedAt.Local().Format(time.DateTime),
			r.AuditHealth.ConsecutiveFailures, r.AuditHealth.Error)
	case r.AuditError != "":
		fmt.Fprintf(w, "  %s %s\n", RenderStatus("fail"), r.AuditError)
	default:
		fmt.Fprintf(w, "  %s healthy\n", RenderStatus("ok"))
	}

	// Records
	fmt.Fprintln(w, SectionStyle.Render("Attempt records"))
	if r.StoreError != "" {
		fmt.Fprintf(w, "  %s %s\n", RenderStatus("fail"), r.StoreError)
	}
	if len(r.Records) == 0 && r.StoreError == "" {
		fmt.Fprintf(w, "  %s\n", DimStyle.Render("No failures recorded."))
	}
	for _, rec := range r.Records {
		state := SuccessStyle.Render("ok")
		if rec.Locked {
			state = ErrorStyle.Render("LOCKED " + rec.Remaining)
		}
		fmt.Fprintf(w, "  %s%d failure(s), %d lockout(s), %s\n",
			RenderLabel(rec.User), rec.ConsecutiveFailures, rec.LockoutCount, state)
	}

	// Recent
	fmt.Fprintln(w, SectionStyle.Render("Recent decisions"))
	if len(r.Recent) == 0 {
		fmt.Fprintf(w, "  %s\n", DimStyle.Render("None."))
	}
	for _, entry := range r.Recent {
		e.printEntry(entry)
	}
	fmt.Fprintln(w)
}

func (e *Env) printEntry(entry audit.Entry) {
	fmt.Fprintf(e.Stdout, "  %s\n", verdictStyle(entry.Verdict).Render(entry.ToLogLine()))
}

// follow streams new audit entries until interrupted.
func (e *Env) follow(path, user string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(e.Stdout, DimStyle.Render("Following "+path+" (Ctrl+C to stop)"))
	return audit.Follow(ctx, path, func(entry audit.Entry) {
		if user != "" && entry.User != user {
			return
		}
		e.printEntry(entry)
	})
}
