// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jeranaias/touchid-sudo/internal/attempts"
	"github.com/jeranaias/touchid-sudo/internal/pamconf"
	"github.com/jeranaias/touchid-sudo/internal/paths"
	"github.com/jeranaias/touchid-sudo/internal/policy"
)

var uninstallBools = []string{"json", "debug", "confirm", "yes", "purge-audit"}

// Step statuses.
const (
	StepDone    = "done"
	StepSkipped = "skipped"
	StepFailed  = "failed"
)

// UninstallStep is one action uninstall took.
type UninstallStep struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// UninstallResult is what uninstall reports.
type UninstallResult struct {
	Steps      []UninstallStep `json:"steps"`
	AuditKept  string          `json:"audit_kept,omitempty"`
	Successful bool            `json:"successful"`
}

func (r *UninstallResult) add(name, path, status, detail string) {
	r.Steps = append(r.Steps, UninstallStep{Name: name, Path: path, Status: status, Detail: detail})
}

// Uninstall removes the PAM registration first, then attempt state and the
// policy. The audit log is kept unless --purge-audit is given. It reports
// success only if every step succeeded.
func (e *Env) Uninstall(raw []string) error {
	p := NewArgParser(raw, uninstallBools...)
	if err := rejectUnknown(p, uninstallBools...); err != nil {
		return err
	}
	jsonMode := p.BoolFlag("json")
	purgeAudit := p.BoolFlag("purge-audit")

	if err := e.requireRoot("uninstall"); err != nil {
		return err
	}

	backend, statePath, auditPath := e.installedLocations()

	details := []Detail{
		{"PAM file", e.Locations.PAMFile},
		{"Attempt state", attempts.Location(backend, statePath)},
		{"Policy file", e.Locations.ConfigPath},
	}
	if purgeAudit {
		details = append(details, Detail{"Audit log", auditPath})
	}
	confirmed, err := e.confirm("uninstall Touch ID for sudo", details, ConfirmationOptions{
		ConfirmFlag: p.BoolFlag("confirm") || p.BoolFlag("yes"),
		JSONMode:    jsonMode,
	})
	if err != nil {
		return err
	}
	if !confirmed {
		e.showCancelled()
		return nil
	}

	var result UninstallResult
	err = e.uninstall(&result, backend, statePath, auditPath, purgeAudit)
	result.Successful = err == nil
	if !purgeAudit {
		result.AuditKept = auditPath
	}

	if jsonMode {
		if err != nil {
			if werr := NewJSONErrorResponse("uninstall", result, err).Write(e.Stdout); werr != nil {
				return werr
			}
			return &reportedError{err: err}
		}
		return NewJSONResponse("uninstall", result).Write(e.Stdout)
	}
	e.printUninstall(result)
	return err
}

// installedLocations reads the installed policy to find the state and audit
// locations. An unreadable policy falls back to the defaults.
func (e *Env) installedLocations() (backend, statePath, auditPath string) {
	cfg, err := (&policy.Loader{Path: e.Locations.ConfigPath, OwnerUID: e.OwnerUID}).Load()
	if err != nil {
		e.Log.Debug("policy unreadable, using default locations", "error", err)
		return policy.BackendFile, e.Locations.StateDir, e.Locations.AuditLog
	}
	return cfg.Store.Backend, cfg.StateLocation(e.Locations), cfg.AuditLocation(e.Locations)
}

func (e *Env) uninstall(r *UninstallResult, backend, statePath, auditPath string, purgeAudit bool) error {
	// PAM first: once the line is gone sudo no longer loads the module,
	// whatever happens to the remaining files.
	switch err := pamconf.Remove(e.Locations.PAMFile); {
	case err == nil:
		r.add("pam", e.Locations.PAMFile, StepDone, "registration removed")
	case errors.Is(err, pamconf.ErrNotInstalled):
		r.add("pam", e.Locations.PAMFile, StepSkipped, "not registered")
	default:
		r.add("pam", e.Locations.PAMFile, StepFailed, err.Error())
		e.Log.Error("pam removal failed", "path", e.Locations.PAMFile, "error", err)
		return NewCommandError("uninstall", "remove PAM registration",
			"sudo may still load the module; inspect "+e.Locations.PAMFile+" by hand", err)
	}

	var errs []error

	stateLoc := attempts.Location(backend, statePath)
	if exists, err := attempts.Exists(backend, statePath); err == nil && !exists {
		r.add("state", stateLoc, StepSkipped, "nothing stored")
	} else if err := attempts.Destroy(backend, statePath); err != nil {
		r.add("state", stateLoc, StepFailed, err.Error())
		errs = append(errs, fmt.Errorf("remove attempt state: %w", err))
	} else {
		r.add("state", stateLoc, StepDone, "attempt records removed")
	}

	if err := removeFileAndDir(e.Locations.ConfigPath); err != nil {
		r.add("policy", e.Locations.ConfigPath, StepFailed, err.Error())
		errs = append(errs, fmt.Errorf("remove policy: %w", err))
	} else {
		r.add("policy", e.Locations.ConfigPath, StepDone, "policy removed")
	}

	if purgeAudit {
		err := errors.Join(removeFile(auditPath), removeFile(paths.HealthPath(auditPath)))
		if err != nil {
			r.add("audit", auditPath, StepFailed, err.Error())
			errs = append(errs, fmt.Errorf("remove audit log: %w", err))
		} else {
			r.add("audit", auditPath, StepDone, "audit log removed")
		}
	} else {
		r.add("audit", auditPath, StepSkipped, "kept (use --purge-audit to remove)")
	}

	if err := errors.Join(errs...); err != nil {
		return NewCommandError("uninstall", "remove files", "some files could not be removed", err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// removeFileAndDir removes path and then its directory if that is now empty.
func removeFileAndDir(path string) error {
	if err := removeFile(path); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil || len(entries) > 0 {
		return nil
	}
	return removeFile(filepath.Dir(path))
}

func (e *Env) printUninstall(r UninstallResult) {
	w := e.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Uninstall"))
	fmt.Fprintln(w, RenderSeparator())
	for _, s := range r.Steps {
		status := "ok"
		switch s.Status {
		case StepSkipped:
			status = "skip"
		case StepFailed:
			status = "fail"
		}
		fmt.Fprintf(w, "  %s %s%s\n", RenderStatus(status), RenderLabel(s.Name), s.Detail)
	}
	fmt.Fprintln(w)
	if !r.Successful {
		fmt.Fprintln(w, ErrorStyle.Render("Uninstall did not complete."))
		return
	}
	fmt.Fprintln(w, SuccessStyle.Render("Touch ID for sudo has been removed."))
	if r.AuditKept != "" {
		fmt.Fprintln(w, DimStyle.Render("Audit log kept at "+r.AuditKept))
	}
}
