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

// Package storage provides the persistent document store backing the
// overlay settings and connection state. Documents are JSON values keyed
// by name in a badger database.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned when requesting a document that was never
// stored
var ErrKeyNotFound = errors.New("key not found")

// Store is a badger-backed JSON document store
type Store struct {
	db       *badger.DB
	logger   *slog.Logger
	gcTicker *time.Ticker
	gcStopCh chan struct{}
	dataDir  string
	gcWg     sync.WaitGroup
}

// New creates a new document store. An empty data directory selects an
// in-memory database, used by tests and dev mode.
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var badgerOpts badger.Options
	if s.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithLogger(newBadgerLogger(s.logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true)
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(s.dataDir, "documents")).
			WithLogger(newBadgerLogger(s.logger)).
			WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	s.db = db
	// Value log GC only applies to disk-backed stores
	if s.dataDir != "" {
		s.gcTicker = time.NewTicker(5 * time.Minute)
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.gcLoop(s.gcTicker, s.gcStopCh)
	}
	return s, nil
}

func (s *Store) gcLoop(t *time.Ticker, stop <-chan struct{}) {
	defer s.gcWg.Done()
	for {
		select {
		case <-t.C:
		again:
			err := s.db.RunValueLogGC(0.5)
			if err != nil {
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn(
						fmt.Sprintf("document DB: GC failure: %s", err),
						"component", "storage",
					)
				}
			} else {
				// Run it again if it just ran successfully
				goto again
			}
		case <-stop:
			return
		}
	}
}

// GetDocument retrieves the named document and unmarshals it into dest.
// It returns ErrKeyNotFound when no document exists under the key.
func (s *Store) GetDocument(key string, dest any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dest)
		})
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return err
		}
		return fmt.Errorf("get document %q: %w", key, err)
	}
	return nil
}

// PutDocument marshals value as JSON and stores it under the key,
// replacing any previous document.
func (s *Store) PutDocument(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal document %q: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put document %q: %w", key, err)
	}
	return nil
}

// DeleteDocument removes the named document. Deleting a missing document
// is not an error.
func (s *Store) DeleteDocument(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete document %q: %w", key, err)
	}
	return nil
}

// Close stops background GC and closes the underlying database.
func (s *Store) Close() error {
	if s.gcTicker != nil {
		s.gcTicker.Stop()
		if s.gcStopCh != nil {
			close(s.gcStopCh)
			s.gcStopCh = nil
		}
		s.gcWg.Wait()
		s.gcTicker = nil
	}
	return s.db.Close()
}
