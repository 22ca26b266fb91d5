// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/jeranaias/touchid-sudo/internal/pamconf"
	"github.com/jeranaias/touchid-sudo/internal/policy"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

var configureBools = []string{
	"json", "debug", "confirm", "yes", "dry-run", "defaults",
	"fallback", "allow-remote", "enable", "disable", "pam",
}

var configureValues = []string{
	"max-failures", "lockout", "timeout", "backend", "helper", "purpose",
	"store-path", "audit-path", "set",
}

// NextSteps is the post-install checklist.
var NextSteps = []string{
	"Keep this terminal open and start a new one",
	"Run: sudo whoami (expect a Touch ID prompt, then root)",
	"Run: touchid-status (the decision should be listed)",
}

// ConfigureResult is what configure reports.
type ConfigureResult struct {
	ConfigPath string         `json:"config_path"`
	Created    bool           `json:"created"`
	Policy     *policy.Config `json:"policy"`
	PAMFile    string         `json:"pam_file,omitempty"`
	PAMDialect string         `json:"pam_dialect,omitempty"`
	PAMChanged bool           `json:"pam_changed"`
	DryRun     bool           `json:"dry_run,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	NextSteps  []string       `json:"next_steps,omitempty"`
}

// Configure writes the policy (validated first) and registers the module.
func (e *Env) Configure(raw []string) error {
	p := NewArgParser(raw, configureBools...)
	if err := rejectUnknown(p, append(configureBools, configureValues...)...); err != nil {
		return err
	}
	jsonMode := p.BoolFlag("json")
	dryRun := p.BoolFlag("dry-run")

	if !dryRun {
		if err := e.requireRoot("configure"); err != nil {
			return err
		}
	}

	cfg, existed, err := e.currentPolicy(p.BoolFlag("defaults"))
	if err != nil {
		return err
	}
	if err := applyConfigureFlags(cfg, p); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return &policy.ConfigError{Path: e.Locations.ConfigPath, Reason: "would be invalid", Err: err}
	}

	result := ConfigureResult{
		ConfigPath: e.Locations.ConfigPath,
		Created:    !existed,
		Policy:     cfg,
		DryRun:     dryRun,
		Warnings:   e.preflight(cfg),
	}

	registerPAM := true
	if v, ok := p.OptionalBool("pam"); ok {
		registerPAM = v
	}
	var dialect pamconf.Dialect
	if registerPAM {
		if dialect, err = pamconf.ParseDialect(e.Locations.PAMDialect); err != nil {
			return &UsageError{Message: "TOUCHID_SUDO_PAM_DIALECT: " + err.Error()}
		}
		result.PAMFile = e.Locations.PAMFile
		result.PAMDialect = string(dialect)
	}

	if dryRun {
		return e.printConfigure(result, jsonMode)
	}

	details := []Detail{
		{"Policy file", e.Locations.ConfigPath},
		{"Biometric", enabledString(cfg.Biometric.Enabled)},
		{"Max failures", strconv.Itoa(cfg.Lockout.MaxConsecutiveFailures)},
		{"Lockout", cfg.LockoutDuration().String()},
		{"Password fallback", enabledString(cfg.Fallback.PasswordAllowed)},
	}
	if registerPAM {
		details = append(details, Detail{"PAM file", e.Locations.PAMFile})
	}
	confirmed, err := e.confirm("apply this configuration", details, ConfirmationOptions{
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

	if err := policy.Save(cfg, e.Locations.ConfigPath); err != nil {
		return NewCommandError("configure", "write policy", "could not save "+e.Locations.ConfigPath, err)
	}
	e.Log.Info("policy written", "path", e.Locations.ConfigPath)

	if registerPAM {
		changed, err := pamconf.Install(e.Locations.PAMFile, e.Locations.ModulePath, dialect)
		if err != nil {
			return NewCommandError("configure", "register module", "could not update "+e.Locations.PAMFile, err)
		}
		result.PAMChanged = changed
		e.Log.Info("pam registration checked", "path", e.Locations.PAMFile, "dialect", dialect, "changed", changed)
	}

	result.NextSteps = NextSteps
	return e.printConfigure(result, jsonMode)
}

// currentPolicy returns the installed policy, or the defaults when there is
// none. An existing policy that fails to load is an error unless the caller
// asked to start from defaults.
func (e *Env) currentPolicy(fromDefaults bool) (*policy.Config, bool, error) {
	if fromDefaults {
		return policy.Default(), false, nil
	}
	loader := &policy.Loader{Path: e.Locations.ConfigPath, OwnerUID: e.OwnerUID}
	cfg, err := loader.Load()
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return policy.Default(), false, nil
	default:
		return nil, true, fmt.Errorf("existing policy unusable (fix it or pass --defaults): %w", err)
	}
}

func applyConfigureFlags(cfg *policy.Config, p *ArgParser) error {
	if n, ok, err := p.FlagInt("max-failures"); err != nil {
		return err
	} else if ok {
		cfg.Lockout.MaxConsecutiveFailures = n
	}
	if n, ok, err := p.FlagSeconds("lockout"); err != nil {
		return err
	} else if ok {
		cfg.Lockout.DurationSeconds = n
	}
	if n, ok, err := p.FlagSeconds("timeout"); err != nil {
		return err
	} else if ok {
		cfg.Biometric.TimeoutSeconds = n
	}

	if v, ok := p.OptionalBool("fallback"); ok {
		cfg.Fallback.PasswordAllowed = v
	}
	if v, ok := p.OptionalBool("allow-remote"); ok {
		cfg.Biometric.AllowRemoteSessions = v
	}
	switch enable, disable := p.BoolFlag("enable"), p.BoolFlag("disable"); {
	case enable && disable:
		return &UsageError{Message: "--enable and --disable are mutually exclusive"}
	case enable:
		cfg.Biometric.Enabled = true
	case disable:
		cfg.Biometric.Enabled = false
	}

	if v := p.Flag("backend"); v != "" {
		cfg.Store.Backend = v
	}
	if v := p.Flag("helper"); v != "" {
		cfg.Biometric.Helper = v
	}
	if v := p.Flag("purpose"); v != "" {
		cfg.Biometric.Purpose = v
	}
	if p.HasFlag("store-path") {
		cfg.Store.Path = p.Flag("store-path")
	}
	if p.HasFlag("audit-path") {
		cfg.Audit.Path = p.Flag("audit-path")
	}

	if kv := p.Flag("set"); kv != "" {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return NewValidationErrorWithExample("set", kv, "must be key=value", "--set lockout.duration_seconds=60")
		}
		if err := cfg.Set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return NewValidationError("set", kv, err.Error())
		}
	}
	return nil
}

// preflight lists conditions that would make the module fall back to the
// password on every attempt.
func (e *Env) preflight(cfg *policy.Config) []string {
	var warnings []string
	if cfg.Biometric.Enabled {
		if err := util.CheckTrusted(cfg.Biometric.Helper, e.OwnerUID); err != nil {
			warnings = append(warnings, fmt.Sprintf("biometric helper not usable, sudo will always fall back: %v", err))
		}
	}
	if !cfg.Fallback.PasswordAllowed {
		warnings = append(warnings, "password fallback disabled: a missing sensor will block sudo")
	}
	if cfg.Biometric.AllowRemoteSessions {
		warnings = append(warnings, "remote sessions allowed: only effective with a remote-capable helper")
	}
	return warnings
}

func (e *Env) printConfigure(r ConfigureResult, jsonMode bool) error {
	if jsonMode {
		return NewJSONResponse("configure", r).Write(e.Stdout)
	}

	w := e.Stdout
	if r.DryRun {
		data, err := policy.Encode(r.Policy)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, TitleStyle.Render("Policy (dry run, nothing written)"))
		fmt.Fprintln(w, RenderSeparator())
		fmt.Fprint(w, string(data))
	} else {
		fmt.Fprintln(w)
		fmt.Fprintln(w, TitleStyle.Render("Touch ID for sudo configured"))
		fmt.Fprintln(w, RenderSeparator())
		verb := "updated"
		if r.Created {
			verb = "created"
		}
		fmt.Fprintf(w, "  %s%s (%s)\n", RenderLabel("Policy:"), r.ConfigPath, verb)
		if r.PAMFile != "" {
			state := "already registered"
			if r.PAMChanged {
				state = "registered"
			}
			fmt.Fprintf(w, "  %s%s (%s)\n", RenderLabel("PAM:"), r.PAMFile, state)
		}
	}

	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  %s %s\n", WarningStyle.Render("[WARN]"), warn)
	}

	if len(r.NextSteps) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, SectionStyle.Render("Next steps"))
		for i, step := range r.NextSteps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, step)
		}
	}
	fmt.Fprintln(w)
	return nil
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
