// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrUntrusted is returned when a privileged file could have been written by
// an identity other than the expected owner.
var ErrUntrusted = errors.New("untrusted file")

// RootUID is the owner every privileged file is expected to have in production.
const RootUID = 0

// TrustError describes why a path failed the trust check.
type TrustError struct {
	Path   string
	Reason string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *TrustError) Unwrap() error {
	return ErrUntrusted
}

// CheckTrusted verifies that path is a regular file (not a symlink) owned by
// ownerUID and not writable by group or other, and that its parent directory
// passes CheckTrustedDir.
func CheckTrusted(path string, ownerUID int) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
	case unix.S_IFLNK:
		return &TrustError{Path: path, Reason: "is a symlink"}
	default:
		return &TrustError{Path: path, Reason: "is not a regular file"}
	}

	if err := checkOwnerAndMode(path, &st, ownerUID); err != nil {
		return err
	}

	return CheckTrustedDir(filepath.Dir(path), ownerUID)
}

// OpenTrusted opens path for reading without following a final symlink and
// applies the CheckTrusted rules to the opened descriptor, so the file that
// was checked is the file that gets read.
func OpenTrusted(path string, ownerUID int) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, &TrustError{Path: path, Reason: "is a symlink"}
		}
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	f := os.NewFile(uintptr(fd), path)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		f.Close()
		return nil, &TrustError{Path: path, Reason: "is not a regular file"}
	}
	if err := checkOwnerAndMode(path, &st, ownerUID); err != nil {
		f.Close()
		return nil, err
	}
	if err := CheckTrustedDir(filepath.Dir(path), ownerUID); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// CheckTrustedDir verifies that dir is a real directory owned by ownerUID and
// not writable by group or other.
func CheckTrustedDir(dir string, ownerUID int) error {
	var st unix.Stat_t
	if err := unix.Lstat(dir, &st); err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return &TrustError{Path: dir, Reason: "is not a directory"}
	}
	return checkOwnerAndMode(dir, &st, ownerUID)
}

func checkOwnerAndMode(path string, st *unix.Stat_t, ownerUID int) error {
	if int(st.Uid) != ownerUID {
		return &TrustError{
			Path:   path,
			Reason: fmt.Sprintf("owned by uid %d, want %d", st.Uid, ownerUID),
		}
	}
	if st.Mode&0o022 != 0 {
		return &TrustError{
			Path:   path,
			Reason: fmt.Sprintf("writable by group or other (mode %04o)", st.Mode&0o7777),
		}
	}
	return nil
}
