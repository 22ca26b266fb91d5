// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")
	data := []byte("hello, world!")

	if err := AtomicWriteFile(path, data, 0644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("Content mismatch: got %q, want %q", string(content), string(data))
	}
}

func TestAtomicWriteFile_Overwrites(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")

	if err := AtomicWriteFile(path, []byte("initial"), 0644); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("updated"), 0644); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != "updated" {
		t.Errorf("Content not updated: got %q", string(content))
	}
}

func TestAtomicWriteFile_SetsPermissions(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "secret")

	if err := AtomicWriteFile(path, []byte("k"), 0600); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("File not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestAtomicWriteFile_NoTempLeftBehind(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "state")

	for i := 0; i < 3; i++ {
		if err := AtomicWriteFile(path, []byte("x"), 0600); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAtomicWriteFile_MissingParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "test.txt")

	if err := AtomicWriteFile(path, []byte("x"), 0644); err == nil {
		t.Fatal("expected error when parent directory does not exist")
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	if err := EnsureDir(dir, 0700); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("got dir=%v mode=%o", info.IsDir(), info.Mode().Perm())
	}
}

// =============================================================================
// TRUST CHECK TESTS
// =============================================================================

func writeFile(t *testing.T, dir, name string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), perm); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	return path
}

func TestCheckTrusted(t *testing.T) {
	uid := os.Getuid()

	testCases := []struct {
		name    string
		setup   func(t *testing.T, dir string) string
		owner   int
		wantErr bool
	}{
		{
			name:  "owner only",
			setup: func(t *testing.T, dir string) string { return writeFile(t, dir, "p", 0600) },
			owner: uid,
		},
		{
			name:  "world readable",
			setup: func(t *testing.T, dir string) string { return writeFile(t, dir, "p", 0644) },
			owner: uid,
		},
		{
			name:    "group writable",
			setup:   func(t *testing.T, dir string) string { return writeFile(t, dir, "p", 0664) },
			owner:   uid,
			wantErr: true,
		},
		{
			name:    "world writable",
			setup:   func(t *testing.T, dir string) string { return writeFile(t, dir, "p", 0646) },
			owner:   uid,
			wantErr: true,
		},
		{
			name:    "wrong owner",
			setup:   func(t *testing.T, dir string) string { return writeFile(t, dir, "p", 0600) },
			owner:   uid + 1,
			wantErr: true,
		},
		{
			name: "symlink",
			setup: func(t *testing.T, dir string) string {
				target := writeFile(t, dir, "real", 0600)
				link := filepath.Join(dir, "link")
				if err := os.Symlink(target, link); err != nil {
					t.Fatalf("Symlink failed: %v", err)
				}
				return link
			},
			owner:   uid,
			wantErr: true,
		},
		{
			name: "writable parent",
			setup: func(t *testing.T, dir string) string {
				sub := filepath.Join(dir, "open")
				if err := os.Mkdir(sub, 0777); err != nil {
					t.Fatalf("Mkdir failed: %v", err)
				}
				if err := os.Chmod(sub, 0777); err != nil {
					t.Fatalf("Chmod failed: %v", err)
				}
				return writeFile(t, sub, "p", 0600)
			},
			owner:   uid,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.Chmod(dir, 0700); err != nil {
				t.Fatalf("Chmod failed: %v", err)
			}
			path := tc.setup(t, dir)

			err := CheckTrusted(path, tc.owner)
			if tc.wantErr {
				if !errors.Is(err, ErrUntrusted) {
					t.Errorf("CheckTrusted() = %v, want ErrUntrusted", err)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckTrusted() unexpected error: %v", err)
			}
		})
	}
}

func TestCheckTrusted_Missing(t *testing.T) {
	err := CheckTrusted(filepath.Join(t.TempDir(), "nope"), os.Getuid())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if errors.Is(err, ErrUntrusted) {
		t.Errorf("missing file should not be reported as untrusted: %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist in chain, got %v", err)
	}
}

// =============================================================================
// IDENTIFIER TESTS
// =============================================================================

func TestMaskIdentifier(t *testing.T) {
	a := MaskIdentifier("alice")
	if !strings.HasPrefix(a, "hash:") || len(a) != len("hash:")+12 {
		t.Errorf("unexpected mask format: %q", a)
	}
	if a != MaskIdentifier("alice") {
		t.Error("mask should be stable")
	}
	if a == MaskIdentifier("bob") {
		t.Error("different ids should mask differently")
	}
	if strings.Contains(a, "alice") {
		t.Error("mask leaks identifier")
	}
}

func TestHashIdentifier(t *testing.T) {
	h := HashIdentifier("../../etc/passwd")
	if len(h) != 64 || strings.ContainsAny(h, "./") {
		t.Errorf("hash is not a safe file name: %q", h)
	}
}

func TestOpenTrusted(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0700); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	good := writeFile(t, dir, "good", 0644)

	f, err := OpenTrusted(good, os.Getuid())
	if err != nil {
		t.Fatalf("OpenTrusted failed: %v", err)
	}
	f.Close()

	link := filepath.Join(dir, "link")
	if err := os.Symlink(good, link); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	if _, err := OpenTrusted(link, os.Getuid()); !errors.Is(err, ErrUntrusted) {
		t.Errorf("symlink: got %v, want ErrUntrusted", err)
	}

	loose := writeFile(t, dir, "loose", 0666)
	if _, err := OpenTrusted(loose, os.Getuid()); !errors.Is(err, ErrUntrusted) {
		t.Errorf("world writable: got %v, want ErrUntrusted", err)
	}

	if _, err := OpenTrusted(filepath.Join(dir, "missing"), os.Getuid()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing: got %v, want ErrNotExist", err)
	}
}
