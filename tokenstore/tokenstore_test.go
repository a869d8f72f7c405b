// Copyright 2025 The frontwatch authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tokenstore

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "token"))
	if err := store.Save("pk-test-token"); err != nil {
		t.Fatalf("unexpected error saving token: %s", err)
	}
	token, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error loading token: %s", err)
	}
	if token != "pk-test-token" {
		t.Errorf("unexpected token: got %q, wanted %q", token, "pk-test-token")
	}
}

func TestTokenMissingFile(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "token"))
	token, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error loading missing token: %s", err)
	}
	if token != "" {
		t.Errorf("unexpected token: got %q, wanted empty", token)
	}
}

func TestTokenInsecureFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix permission test")
	}
	path := filepath.Join(t.TempDir(), "token")
	// Write the file first, then explicitly set permissions with os.Chmod
	// to avoid umask interference with os.WriteFile permissions
	if err := os.WriteFile(path, []byte("pk-test-token\n"), 0o600); err != nil {
		t.Fatalf("unexpected error writing token file: %s", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("unexpected error setting file mode: %s", err)
	}
	store := New(path)
	_, err := store.Load()
	if !errors.Is(err, ErrInsecureFileMode) {
		t.Errorf(
			"unexpected error: got %v, wanted %v",
			err,
			ErrInsecureFileMode,
		)
	}
}

func TestTokenSavedFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix permission test")
	}
	path := filepath.Join(t.TempDir(), "token")
	store := New(path)
	if err := store.Save("pk-test-token"); err != nil {
		t.Fatalf("unexpected error saving token: %s", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("unexpected error statting token file: %s", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("unexpected file mode: got %04o, wanted 0600", fi.Mode().Perm())
	}
}

func TestTokenClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	store := New(path)
	if err := store.Save("pk-test-token"); err != nil {
		t.Fatalf("unexpected error saving token: %s", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("unexpected error clearing token: %s", err)
	}
	token, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error loading cleared token: %s", err)
	}
	if token != "" {
		t.Errorf("unexpected token after clear: got %q, wanted empty", token)
	}
	// Clearing an absent token is not an error
	if err := store.Clear(); err != nil {
		t.Errorf("unexpected error clearing absent token: %s", err)
	}
}
