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

package overlay

import (
	"testing"
	"time"

	"github.com/openplural/frontwatch/pluralkit"
	"github.com/openplural/frontwatch/storage"
)

func newTestOverlayStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{})
	if err != nil {
		t.Fatalf("unexpected error creating store: %s", err)
	}
	return store
}

func testDisplay(systemID, userID string, members ...string) FronterDisplay {
	d := FronterDisplay{
		SystemID:      systemID,
		SystemName:    systemID + " system",
		Timestamp:     time.Now(),
		DiscordUserID: userID,
	}
	for _, name := range members {
		d.Members = append(d.Members, pluralkit.Member{Name: name})
	}
	return d
}

func TestDisplayDedup(t *testing.T) {
	store := newTestOverlayStore(t)
	// Repeated upserts for the same pair replace in place
	store.UpsertFronterDisplay(testDisplay("abcde", "U1", "Alice"))
	store.UpsertFronterDisplay(testDisplay("abcde", "U1", "Bob"))
	store.UpsertFronterDisplay(testDisplay("abcde", "U1", "Alice", "Bob"))
	displays := store.FronterDisplays()
	if len(displays) != 1 {
		t.Fatalf("unexpected display count: got %d, wanted 1", len(displays))
	}
	if len(displays[0].Members) != 2 {
		t.Errorf(
			"unexpected member count: got %d, wanted 2",
			len(displays[0].Members),
		)
	}
	// Distinct pairs stay distinct
	store.UpsertFronterDisplay(testDisplay("abcde", "U2", "Alice"))
	store.UpsertFronterDisplay(testDisplay("fghij", "U1", "Carol"))
	if len(store.FronterDisplays()) != 3 {
		t.Errorf(
			"unexpected display count: got %d, wanted 3",
			len(store.FronterDisplays()),
		)
	}
}

func TestRemoveDisplaysForUser(t *testing.T) {
	store := newTestOverlayStore(t)
	store.UpsertFronterDisplay(testDisplay("abcde", "U1", "Alice"))
	store.UpsertFronterDisplay(testDisplay("fghij", "U1", "Bob"))
	store.UpsertFronterDisplay(testDisplay("abcde", "U2", "Carol"))
	store.RemoveDisplaysForUser("U1")
	displays := store.FronterDisplays()
	if len(displays) != 1 {
		t.Fatalf("unexpected display count: got %d, wanted 1", len(displays))
	}
	if displays[0].DiscordUserID != "U2" {
		t.Errorf(
			"unexpected surviving display: %+v",
			displays[0],
		)
	}
}

func TestVoiceMembership(t *testing.T) {
	store := newTestOverlayStore(t)
	if store.InVoiceChannel() {
		t.Fatalf("expected no tracked channel initially")
	}
	store.SetVoiceChannel("chan1", []string{"U1", "U2"})
	if !store.InVoiceChannel() {
		t.Fatalf("expected tracked channel after join")
	}
	if store.CurrentVoiceChannelID() != "chan1" {
		t.Errorf(
			"unexpected channel ID: got %s, wanted chan1",
			store.CurrentVoiceChannelID(),
		)
	}
	store.AddVoiceUser("U3")
	store.RemoveVoiceUser("U1")
	users := store.VoiceUsers()
	if len(users) != 2 || users[0] != "U2" || users[1] != "U3" {
		t.Errorf("unexpected voice users: %v", users)
	}
	store.ClearVoiceChannel()
	if store.InVoiceChannel() {
		t.Errorf("expected no tracked channel after leave")
	}
	if len(store.VoiceUsers()) != 0 {
		t.Errorf("expected membership cleared with channel")
	}
}

func TestDisplayOrdering(t *testing.T) {
	store := newTestOverlayStore(t)
	store.UpsertFronterDisplay(testDisplay("fghij", "U2", "Bob"))
	store.UpsertFronterDisplay(testDisplay("abcde", "U2", "Alice"))
	store.UpsertFronterDisplay(testDisplay("abcde", "U1", "Carol"))
	displays := store.FronterDisplays()
	wantOrder := []struct {
		userID   string
		systemID string
	}{
		{"U1", "abcde"},
		{"U2", "abcde"},
		{"U2", "fghij"},
	}
	for i, want := range wantOrder {
		if displays[i].DiscordUserID != want.userID ||
			displays[i].SystemID != want.systemID {
			t.Errorf(
				"unexpected display at index %d: got (%s, %s), wanted (%s, %s)",
				i,
				displays[i].SystemID,
				displays[i].DiscordUserID,
				want.systemID,
				want.userID,
			)
		}
	}
}

func TestSettingsPersistence(t *testing.T) {
	docs, err := storage.New()
	if err != nil {
		t.Fatalf("unexpected error creating document store: %s", err)
	}
	defer docs.Close()
	store, err := NewStore(StoreConfig{Storage: docs})
	if err != nil {
		t.Fatalf("unexpected error creating store: %s", err)
	}
	if store.Settings() != DefaultSettings() {
		t.Errorf("expected default settings for a fresh store")
	}
	updated := DefaultSettings()
	updated.DisplayStyle = DisplayStyleDetailed
	updated.DarkMode = true
	updated.Opacity = 0.5
	if err := store.UpdateSettings(updated); err != nil {
		t.Fatalf("unexpected error updating settings: %s", err)
	}
	reloaded, err := NewStore(StoreConfig{Storage: docs})
	if err != nil {
		t.Fatalf("unexpected error reloading store: %s", err)
	}
	if reloaded.Settings() != updated {
		t.Errorf(
			"unexpected settings after reload: got %+v, wanted %+v",
			reloaded.Settings(),
			updated,
		)
	}
}
