// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pam adapts the authentication orchestrator to the four PAM
// service-module entry points. It has no cgo; cmd/pam_touchid binds it to
// libpam.
package pam

// =============================================================================
// CODES / ITEMS / FLAGS
// =============================================================================

// Code is a PAM return value, translated to the C constant at the boundary.
type Code int

const (
	Success Code = iota
	AuthErr
	Ignore
	MaxTries
)

func (c Code) String() string {
	switch c {
	case Success:
		return "PAM_SUCCESS"
	case AuthErr:
		return "PAM_AUTH_ERR"
	case Ignore:
		return "PAM_IGNORE"
	case MaxTries:
		return "PAM_MAXTRIES"
	default:
		return "PAM_UNKNOWN"
	}
}

// Item names a PAM item the module reads.
type Item int

const (
	ItemService Item = iota
	ItemTTY
	ItemRHost
)

// Flags carries the PAM flags the module cares about.
type Flags int

const (
	// FlagSilent suppresses informational messages to the user.
	FlagSilent Flags = 1 << iota
)

// =============================================================================
// INTERFACES
// =============================================================================

// Handle is the module's view of pam_handle_t.
type Handle interface {
	// User returns the user being authenticated.
	User() (string, error)

	// Item returns a string item, or "" if unset.
	Item(item Item) string

	// Getenv reads the PAM environment.
	Getenv(name string) string

	// Info shows a text message through the application's conversation.
	Info(msg string) error
}

// Module is the fixed set of PAM service-module entry points.
type Module interface {
	Authenticate(h Handle, flags Flags, args []string) Code
	SetCredentials(h Handle, flags Flags, args []string) Code
	OpenSession(h Handle, flags Flags, args []string) Code
	CloseSession(h Handle, flags Flags, args []string) Code
}
