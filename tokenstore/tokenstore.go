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

// Package tokenstore keeps the PluralKit system token in a file on disk,
// outside the document store, so database dumps never carry the secret.
package tokenstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInsecureFileMode is returned when the token file grants group or
// other access
var ErrInsecureFileMode = errors.New("insecure file permissions")

// Limit read to 1 MiB to guard against accidentally pointing at a large
// file. Valid token files are well under this size.
const maxTokenFileSize = 1 << 20

// Store reads and writes a single token file.
type Store struct {
	path string
}

// New creates a token store for the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the stored token. A missing file is not an error and yields
// an empty token. Returns ErrInsecureFileMode if the file has group or
// other access.
//
// The file is opened first and permissions are checked on the open handle
// (via fstat) to avoid a TOCTOU race between the permission check and the
// read.
func (s *Store) Load() (string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open token file %q: %w", s.path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat token file %q: %w", s.path, err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf(
			"token file %q has mode %04o, group/other access not permitted: %w",
			s.path,
			fi.Mode().Perm(),
			ErrInsecureFileMode,
		)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxTokenFileSize))
	if err != nil {
		return "", fmt.Errorf("failed to read token file %q: %w", s.path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the token with owner-only permissions. The write goes to a
// temp file in the same directory followed by a rename, so a crash never
// leaves a partial token behind.
func (s *Store) Save(token string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set token file mode: %w", err)
	}
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace token file %q: %w", s.path, err)
	}
	return nil
}

// Clear removes the token file. Clearing an absent token is not an error.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove token file %q: %w", s.path, err)
	}
	return nil
}
