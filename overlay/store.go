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

// Package overlay holds the fronting display set for the tracked voice
// channel and reconciles it against PluralKit front state as membership
// changes.
package overlay

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/pluralkit"
	"github.com/openplural/frontwatch/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DisplayUpdatedEventType is published when a fronter display is
	// created or replaced
	DisplayUpdatedEventType event.EventType = "overlay.display_updated"
	// DisplayRemovedEventType is published when fronter displays are
	// removed
	DisplayRemovedEventType event.EventType = "overlay.display_removed"
)

// DisplayUpdatedEvent is the payload for DisplayUpdatedEventType.
type DisplayUpdatedEvent struct {
	Display FronterDisplay
}

// DisplayRemovedEvent is the payload for DisplayRemovedEventType. An
// empty SystemID means every display for the user (or, with an empty
// DiscordUserID too, the whole set) was removed.
type DisplayRemovedEvent struct {
	SystemID      string
	DiscordUserID string
}

// settingsDocumentKey is the storage key for persisted presentation
// settings
const settingsDocumentKey = "overlay-settings"

// DisplayStyle selects how much detail the renderer shows per fronter.
type DisplayStyle string

const (
	DisplayStyleMinimal  DisplayStyle = "minimal"
	DisplayStyleStandard DisplayStyle = "standard"
	DisplayStyleDetailed DisplayStyle = "detailed"
)

// Position anchors the overlay to a corner, or to custom coordinates
// when Corner is empty.
type Position struct {
	Corner string `json:"corner,omitempty"`
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
}

// Settings are the persisted presentation settings. Runtime voice and
// display state is never persisted.
type Settings struct {
	Enabled         bool         `json:"enabled"`
	DisplayStyle    DisplayStyle `json:"display_style"`
	Position        Position     `json:"position"`
	ShowSystemName  bool         `json:"show_system_name"`
	ShowMemberColor bool         `json:"show_member_color"`
	DarkMode        bool         `json:"dark_mode"`
	Opacity         float64      `json:"opacity"`
	Scale           float64      `json:"scale"`
}

// DefaultSettings returns the presentation defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		DisplayStyle:    DisplayStyleStandard,
		Position:        Position{Corner: "top-right"},
		ShowSystemName:  true,
		ShowMemberColor: true,
		Opacity:         0.9,
		Scale:           1.0,
	}
}

// FronterDisplay is the materialized display unit consumed by the
// renderer. At most one exists per (system, Discord user) pair.
type FronterDisplay struct {
	SystemID      string
	SystemName    string
	Members       []pluralkit.Member
	Timestamp     time.Time
	DiscordUserID string
}

type displayKey struct {
	systemID      string
	discordUserID string
}

// StoreConfig holds the dependencies of an overlay store.
type StoreConfig struct {
	Logger       *slog.Logger
	EventBus     *event.Bus
	PromRegistry prometheus.Registerer
	Storage      *storage.Store
}

// Store holds the current display set, the tracked voice membership, and
// the presentation settings.
type Store struct {
	logger   *slog.Logger
	eventBus *event.Bus
	storage  *storage.Store
	metrics  struct {
		displays prometheus.Gauge
		upserts  prometheus.Counter
	}

	displays       map[displayKey]FronterDisplay
	voiceChannelID string
	voiceUsers     map[string]struct{}
	settings       Settings
	mu             sync.RWMutex
}

// NewStore creates an overlay store, loading any persisted settings.
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
		displays: make(map[displayKey]FronterDisplay),
		settings: DefaultSettings(),
	}
	if s.storage != nil {
		var settings Settings
		err := s.storage.GetDocument(settingsDocumentKey, &settings)
		if err != nil {
			if !errors.Is(err, storage.ErrKeyNotFound) {
				return nil, fmt.Errorf("load overlay settings: %w", err)
			}
		} else {
			s.settings = settings
		}
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		s.metrics.displays = promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontwatch_fronter_displays",
				Help: "current fronter display count",
			},
		)
		s.metrics.upserts = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "frontwatch_fronter_display_upserts_total",
				Help: "fronter display upserts",
			},
		)
	}
	return s, nil
}

// UpsertFronterDisplay inserts or replaces the display for the display's
// (system, Discord user) pair.
func (s *Store) UpsertFronterDisplay(display FronterDisplay) {
	key := displayKey{
		systemID:      display.SystemID,
		discordUserID: display.DiscordUserID,
	}
	s.mu.Lock()
	s.displays[key] = display
	count := len(s.displays)
	s.mu.Unlock()
	if s.metrics.upserts != nil {
		s.metrics.upserts.Inc()
	}
	s.setDisplayGauge(count)
	s.publish(
		DisplayUpdatedEventType,
		DisplayUpdatedEvent{Display: display},
	)
}

// RemoveFronterDisplay removes the display for the given pair, if any.
func (s *Store) RemoveFronterDisplay(systemID string, discordUserID string) {
	key := displayKey{systemID: systemID, discordUserID: discordUserID}
	s.mu.Lock()
	_, existed := s.displays[key]
	delete(s.displays, key)
	count := len(s.displays)
	s.mu.Unlock()
	if !existed {
		return
	}
	s.setDisplayGauge(count)
	s.publish(
		DisplayRemovedEventType,
		DisplayRemovedEvent{
			SystemID:      systemID,
			DiscordUserID: discordUserID,
		},
	)
}

// RemoveDisplaysForUser removes every display for the given Discord user,
// regardless of which system it came from.
func (s *Store) RemoveDisplaysForUser(discordUserID string) {
	s.mu.Lock()
	removed := 0
	for key := range s.displays {
		if key.discordUserID == discordUserID {
			delete(s.displays, key)
			removed++
		}
	}
	count := len(s.displays)
	s.mu.Unlock()
	if removed == 0 {
		return
	}
	s.setDisplayGauge(count)
	s.publish(
		DisplayRemovedEventType,
		DisplayRemovedEvent{DiscordUserID: discordUserID},
	)
}

// ClearFronterDisplays removes every display.
func (s *Store) ClearFronterDisplays() {
	s.mu.Lock()
	removed := len(s.displays)
	s.displays = make(map[displayKey]FronterDisplay)
	s.mu.Unlock()
	if removed == 0 {
		return
	}
	s.setDisplayGauge(0)
	s.publish(DisplayRemovedEventType, DisplayRemovedEvent{})
}

// FronterDisplays returns a copy of the display set, ordered by Discord
// user then system ID for stable rendering.
func (s *Store) FronterDisplays() []FronterDisplay {
	s.mu.RLock()
	displays := make([]FronterDisplay, 0, len(s.displays))
	for _, display := range s.displays {
		displays = append(displays, display)
	}
	s.mu.RUnlock()
	slices.SortFunc(displays, func(a, b FronterDisplay) int {
		if c := cmp.Compare(a.DiscordUserID, b.DiscordUserID); c != 0 {
			return c
		}
		return cmp.Compare(a.SystemID, b.SystemID)
	})
	return displays
}

// SetVoiceChannel records joining a voice channel with its initial
// member set.
func (s *Store) SetVoiceChannel(channelID string, userIDs []string) {
	s.mu.Lock()
	s.voiceChannelID = channelID
	s.voiceUsers = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		s.voiceUsers[id] = struct{}{}
	}
	s.mu.Unlock()
}

// ClearVoiceChannel clears the channel and membership atomically.
func (s *Store) ClearVoiceChannel() {
	s.mu.Lock()
	s.voiceChannelID = ""
	s.voiceUsers = nil
	s.mu.Unlock()
}

// AddVoiceUser records a user joining the tracked channel.
func (s *Store) AddVoiceUser(userID string) {
	s.mu.Lock()
	if s.voiceUsers == nil {
		s.voiceUsers = make(map[string]struct{})
	}
	s.voiceUsers[userID] = struct{}{}
	s.mu.Unlock()
}

// RemoveVoiceUser records a user leaving the tracked channel.
func (s *Store) RemoveVoiceUser(userID string) {
	s.mu.Lock()
	delete(s.voiceUsers, userID)
	s.mu.Unlock()
}

// InVoiceChannel reports whether a voice channel is currently tracked.
func (s *Store) InVoiceChannel() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voiceChannelID != ""
}

// CurrentVoiceChannelID returns the tracked channel ID, or empty when not
// in a channel.
func (s *Store) CurrentVoiceChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voiceChannelID
}

// VoiceUsers returns the tracked membership as a sorted list of Discord
// user IDs.
func (s *Store) VoiceUsers() []string {
	s.mu.RLock()
	users := make([]string, 0, len(s.voiceUsers))
	for id := range s.voiceUsers {
		users = append(users, id)
	}
	s.mu.RUnlock()
	slices.Sort(users)
	return users
}

// Settings returns a copy of the presentation settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the presentation settings and persists them.
func (s *Store) UpdateSettings(settings Settings) error {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	if s.storage != nil {
		if err := s.storage.PutDocument(settingsDocumentKey, settings); err != nil {
			return fmt.Errorf("persist overlay settings: %w", err)
		}
	}
	return nil
}

func (s *Store) setDisplayGauge(count int) {
	if s.metrics.displays != nil {
		s.metrics.displays.Set(float64(count))
	}
}

func (s *Store) publish(eventType event.EventType, data any) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(eventType, event.New(eventType, data))
}
