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

// Package connections tracks the operator's own PluralKit system and the
// remote systems this client is permitted to display front state for.
package connections

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/storage"
)

// UpdatedEventType is published whenever the connection set changes
const UpdatedEventType event.EventType = "connections.updated"

// UpdatedEvent is the payload for UpdatedEventType.
type UpdatedEvent struct {
	OwnSystemID    string
	ConnectedCount int
	HasOwnSystem   bool
}

// documentKey is the storage key for the persisted connection records
const documentKey = "connections"

// ConnectionType records how a system connection was established.
type ConnectionType string

const (
	// ConnectionAutomatic connections are created by permission checks and
	// removed when the permission is revoked
	ConnectionAutomatic ConnectionType = "AUTOMATIC"
	// ConnectionManual connections are created by the user and persist
	// until the user disconnects explicitly
	ConnectionManual ConnectionType = "MANUAL"
)

// AccessLevel is this client's authority over a system's records.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessReadOnly
	AccessFull
)

func (a AccessLevel) String() string {
	switch a {
	case AccessNone:
		return "NONE"
	case AccessReadOnly:
		return "READ_ONLY"
	case AccessFull:
		return "FULL"
	default:
		return fmt.Sprintf("AccessLevel(%d)", int(a))
	}
}

// ConnectedSystem is a PluralKit system linked to this client. Only the
// operator's own system carries a token.
type ConnectedSystem struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Token          string         `json:"-"`
	ConnectionType ConnectionType `json:"connection_type"`
	LastUpdated    time.Time      `json:"last_updated"`
}

// SystemAccess is an explicit access grant for a remote system.
type SystemAccess struct {
	SystemID string      `json:"system_id"`
	Level    AccessLevel `json:"level"`
}

// storeDocument is the persisted shape of the store. The own-system token
// never appears here; it lives in the token store.
type storeDocument struct {
	OwnSystem        *ConnectedSystem  `json:"own_system,omitempty"`
	ConnectedSystems []ConnectedSystem `json:"connected_systems"`
	AllowedSystems   []SystemAccess    `json:"allowed_systems"`
}

// StoreConfig holds the dependencies of a connection store.
type StoreConfig struct {
	Logger   *slog.Logger
	EventBus *event.Bus
	Storage  *storage.Store
}

// Store holds the own system record, the connected systems in insertion
// order, and the access grants. All mutation persists the document and
// publishes UpdatedEventType.
type Store struct {
	logger   *slog.Logger
	eventBus *event.Bus
	storage  *storage.Store

	ownSystem        *ConnectedSystem
	connectedSystems []ConnectedSystem
	allowedSystems   []SystemAccess
	mu               sync.RWMutex
}

// NewStore creates a connection store, loading any persisted records.
func NewStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &Store{
		logger:   logger,
		eventBus: cfg.EventBus,
		storage:  cfg.Storage,
	}
	if s.storage != nil {
		var doc storeDocument
		err := s.storage.GetDocument(documentKey, &doc)
		if err != nil {
			if !errors.Is(err, storage.ErrKeyNotFound) {
				return nil, fmt.Errorf("load connection records: %w", err)
			}
		} else {
			s.ownSystem = doc.OwnSystem
			s.connectedSystems = doc.ConnectedSystems
			s.allowedSystems = doc.AllowedSystems
		}
	}
	return s, nil
}

// persist must be called with the lock held
func (s *Store) persist() {
	if s.storage == nil {
		return
	}
	doc := storeDocument{
		OwnSystem:        s.ownSystem,
		ConnectedSystems: s.connectedSystems,
		AllowedSystems:   s.allowedSystems,
	}
	if err := s.storage.PutDocument(documentKey, doc); err != nil {
		s.logger.Error(
			"failed to persist connection records",
			"component", "connections",
			"error", err,
		)
	}
}

// notify must be called without the lock held
func (s *Store) notify() {
	if s.eventBus == nil {
		return
	}
	s.mu.RLock()
	evt := UpdatedEvent{
		ConnectedCount: len(s.connectedSystems),
		HasOwnSystem:   s.ownSystem != nil,
	}
	if s.ownSystem != nil {
		evt.OwnSystemID = s.ownSystem.ID
	}
	s.mu.RUnlock()
	s.eventBus.Publish(UpdatedEventType, event.New(UpdatedEventType, evt))
}

// SetOwnSystem records the operator's authenticated system.
func (s *Store) SetOwnSystem(system ConnectedSystem) {
	s.mu.Lock()
	s.ownSystem = &system
	s.persist()
	s.mu.Unlock()
	s.notify()
}

// ClearOwnSystem removes the own-system record. Connected systems are not
// affected.
func (s *Store) ClearOwnSystem() {
	s.mu.Lock()
	s.ownSystem = nil
	s.persist()
	s.mu.Unlock()
	s.notify()
}

// OwnSystem returns a copy of the own-system record, or nil when not
// authenticated.
func (s *Store) OwnSystem() *ConnectedSystem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ownSystem == nil {
		return nil
	}
	system := *s.ownSystem
	return &system
}

// AddConnectedSystem inserts a connected system, or replaces an existing
// record with the same ID in place.
func (s *Store) AddConnectedSystem(system ConnectedSystem) {
	s.mu.Lock()
	idx := slices.IndexFunc(
		s.connectedSystems,
		func(c ConnectedSystem) bool { return c.ID == system.ID },
	)
	if idx >= 0 {
		s.connectedSystems[idx] = system
	} else {
		s.connectedSystems = append(s.connectedSystems, system)
	}
	s.persist()
	s.mu.Unlock()
	s.notify()
}

// UpdateConnectedSystem replaces an existing connected-system record in
// place. Returns false without side effects when the ID is unknown.
func (s *Store) UpdateConnectedSystem(system ConnectedSystem) bool {
	s.mu.Lock()
	idx := slices.IndexFunc(
		s.connectedSystems,
		func(c ConnectedSystem) bool { return c.ID == system.ID },
	)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.connectedSystems[idx] = system
	s.persist()
	s.mu.Unlock()
	s.notify()
	return true
}

// RemoveConnectedSystem removes the connected system with the given ID.
// Removing an unknown ID is a no-op.
func (s *Store) RemoveConnectedSystem(systemID string) {
	s.mu.Lock()
	before := len(s.connectedSystems)
	s.connectedSystems = slices.DeleteFunc(
		s.connectedSystems,
		func(c ConnectedSystem) bool { return c.ID == systemID },
	)
	changed := len(s.connectedSystems) != before
	if changed {
		s.persist()
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// ConnectedSystems returns a copy of the connected systems in insertion
// order, own system excluded.
func (s *Store) ConnectedSystems() []ConnectedSystem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.connectedSystems)
}

// GetConnectedSystem looks up a system by ID, own system included.
func (s *Store) GetConnectedSystem(systemID string) (ConnectedSystem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ownSystem != nil && s.ownSystem.ID == systemID {
		return *s.ownSystem, true
	}
	for _, system := range s.connectedSystems {
		if system.ID == systemID {
			return system, true
		}
	}
	return ConnectedSystem{}, false
}

// SetSystemAccess records an explicit access grant for a system.
func (s *Store) SetSystemAccess(systemID string, level AccessLevel) {
	s.mu.Lock()
	idx := slices.IndexFunc(
		s.allowedSystems,
		func(a SystemAccess) bool { return a.SystemID == systemID },
	)
	if idx >= 0 {
		s.allowedSystems[idx].Level = level
	} else {
		s.allowedSystems = append(
			s.allowedSystems,
			SystemAccess{SystemID: systemID, Level: level},
		)
	}
	s.persist()
	s.mu.Unlock()
	s.notify()
}

// RemoveSystemAccess removes an explicit access grant.
func (s *Store) RemoveSystemAccess(systemID string) {
	s.mu.Lock()
	s.allowedSystems = slices.DeleteFunc(
		s.allowedSystems,
		func(a SystemAccess) bool { return a.SystemID == systemID },
	)
	s.persist()
	s.mu.Unlock()
	s.notify()
}

// AccessLevel derives this client's authority over a system: full for the
// own system, an explicit grant if one exists, and none otherwise.
func (s *Store) AccessLevel(systemID string) AccessLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ownSystem != nil && s.ownSystem.ID == systemID {
		return AccessFull
	}
	for _, grant := range s.allowedSystems {
		if grant.SystemID == systemID {
			return grant.Level
		}
	}
	return AccessNone
}

// CanConnect reports whether the given system may be connected, which
// requires at least read access or an own token to check with.
func (s *Store) CanConnect(systemID string) bool {
	return s.AccessLevel(systemID) >= AccessReadOnly
}
