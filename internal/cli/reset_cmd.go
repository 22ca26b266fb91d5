// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/touchid-sudo/internal/attempts"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// ResetResult is what reset reports.
type ResetResult struct {
	User     string           `json:"user"`
	Previous *attempts.Record `json:"previous,omitempty"`
}

// Reset clears a user's failure count and lockout. The old record is
// reported when it can still be read; a corrupted record is reset anyway.
func (e *Env) Reset(raw []string) error {
	p := NewArgParser(raw, "json", "debug")
	if err := rejectUnknown(p, "user"); err != nil {
		return err
	}
	jsonMode := p.BoolFlag("json")
	user := p.FlagOrDefault("user", p.Positional(0))
	if user == "" {
		return &UsageError{Message: "reset needs a user: touchid-sudo reset <user>"}
	}
	if err := e.requireRoot("reset"); err != nil {
		return err
	}

	cfg, _, err := e.currentPolicy(false)
	if err != nil {
		return err
	}
	store, err := attempts.Open(cfg.Store.Backend, cfg.StateLocation(e.Locations),
		attempts.WithOwnerUID(e.OwnerUID), attempts.WithLogger(e.Log), attempts.WithClock(e.Now))
	if err != nil {
		return NewCommandError("reset", "open attempt store", "state unavailable", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), attempts.DefaultLockTimeout)
	defer cancel()

	result := ResetResult{User: user}
	if prev, err := store.Get(ctx, user); err != nil {
		e.Log.Warn("previous record unreadable", "user", util.MaskIdentifier(user), "error", err)
	} else if !prev.IsZero() {
		result.Previous = &prev
	}

	if err := store.Reset(ctx, user); err != nil {
		return NewCommandError("reset", "reset record", "could not reset "+user, err)
	}
	e.Log.Info("attempt record reset", "user", util.MaskIdentifier(user))

	if jsonMode {
		return NewJSONResponse("reset", result).Write(e.Stdout)
	}
	fmt.Fprintf(e.Stdout, "%s Reset failures and lockout for %s\n", RenderStatus("ok"), user)
	if result.Previous != nil {
		fmt.Fprintf(e.Stdout, "  %s\n", DimStyle.Render(fmt.Sprintf("was: %d failure(s), %d lockout(s)",
			result.Previous.ConsecutiveFailures, result.Previous.LockoutCount)))
	}
	return nil
}
