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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openplural/frontwatch/connections"
	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/host"
	"github.com/openplural/frontwatch/host/static"
	"github.com/openplural/frontwatch/pluralkit"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSystems struct {
	own       *connections.ConnectedSystem
	connected []connections.ConnectedSystem
}

func (f *fakeSystems) OwnSystem() *connections.ConnectedSystem {
	if f.own == nil {
		return nil
	}
	own := *f.own
	return &own
}

func (f *fakeSystems) ConnectedSystems() []connections.ConnectedSystem {
	return f.connected
}

type fakeFronters struct {
	mu        sync.Mutex
	snapshots map[string]*pluralkit.FronterSnapshot
	errs      map[string]error
	calls     int
	// hook, when set, runs before each fetch and may block
	hook func(systemID string)
}

func (f *fakeFronters) set(systemID string, snapshot *pluralkit.FronterSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = make(map[string]*pluralkit.FronterSnapshot)
	}
	f.snapshots[systemID] = snapshot
}

func (f *fakeFronters) setHook(hook func(systemID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// callCount reports fetches that have made it past the hook.
func (f *fakeFronters) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFronters) GetCurrentFronters(
	ctx context.Context,
	systemID string,
	token string,
) (*pluralkit.FronterSnapshot, error) {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(systemID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[systemID]; err != nil {
		return nil, err
	}
	if snapshot, ok := f.snapshots[systemID]; ok {
		return snapshot, nil
	}
	return &pluralkit.FronterSnapshot{
		Timestamp: time.Now(),
		Members:   []pluralkit.Member{},
	}, nil
}

func fronting(names ...string) *pluralkit.FronterSnapshot {
	snapshot := &pluralkit.FronterSnapshot{Timestamp: time.Now()}
	for _, name := range names {
		snapshot.Members = append(
			snapshot.Members,
			pluralkit.Member{ID: name, Name: name},
		)
	}
	return snapshot
}

func privateFront() *pluralkit.FronterSnapshot {
	return &pluralkit.FronterSnapshot{
		Timestamp: time.Now(),
		Members:   []pluralkit.Member{},
		Private:   true,
	}
}

type controllerHarness struct {
	controller *Controller
	store      *Store
	adapter    *static.Adapter
	bus        *event.Bus
}

func newControllerHarness(
	t *testing.T,
	systems SystemSource,
	fronters FronterSource,
	refreshInterval time.Duration,
) *controllerHarness {
	t.Helper()
	bus := event.NewBus(nil, nil)
	adapter, err := static.New(host.Config{EventBus: bus})
	if err != nil {
		t.Fatalf("unexpected error creating host adapter: %s", err)
	}
	store, err := NewStore(StoreConfig{EventBus: bus})
	if err != nil {
		t.Fatalf("unexpected error creating store: %s", err)
	}
	controller, err := NewController(ControllerConfig{
		EventBus:        bus,
		Store:           store,
		Connections:     systems,
		Fronters:        fronters,
		Host:            adapter,
		RefreshInterval: refreshInterval,
	})
	if err != nil {
		t.Fatalf("unexpected error creating controller: %s", err)
	}
	if err := controller.Start(); err != nil {
		t.Fatalf("unexpected error starting controller: %s", err)
	}
	t.Cleanup(func() {
		if err := controller.Stop(); err != nil {
			t.Errorf("unexpected error stopping controller: %s", err)
		}
		bus.Stop()
	})
	return &controllerHarness{
		controller: controller,
		store:      store,
		adapter:    adapter,
		bus:        bus,
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", desc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinCreatesDisplayExactlyOnce(t *testing.T) {
	systems := &fakeSystems{
		connected: []connections.ConnectedSystem{
			{ID: "abcde", Name: "Alice's System"},
		},
	}
	fronters := &fakeFronters{}
	fronters.set("abcde", fronting("Alice"))
	h := newControllerHarness(t, systems, fronters, time.Hour)
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}},
	)
	waitFor(t, "display", func() bool {
		return len(h.store.FronterDisplays()) == 1
	})
	display := h.store.FronterDisplays()[0]
	if display.SystemID != "abcde" ||
		display.SystemName != "Alice's System" ||
		display.DiscordUserID != "U1" {
		t.Errorf("unexpected display: %+v", display)
	}
	if len(display.Members) != 1 || display.Members[0].Name != "Alice" {
		t.Errorf("unexpected display members: %+v", display.Members)
	}
	// A repeat check for the same user replaces the display in place
	h.adapter.UserJoin(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		host.User{ID: "U1"},
	)
	time.Sleep(100 * time.Millisecond)
	if len(h.store.FronterDisplays()) != 1 {
		t.Errorf(
			"unexpected display count: got %d, wanted 1",
			len(h.store.FronterDisplays()),
		)
	}
}

func TestPrivateFrontProducesNoDisplay(t *testing.T) {
	systems := &fakeSystems{
		connected: []connections.ConnectedSystem{
			{ID: "abcde", Name: "Alice's System"},
		},
	}
	fronters := &fakeFronters{}
	fronters.set("abcde", privateFront())
	h := newControllerHarness(t, systems, fronters, time.Hour)
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}},
	)
	waitFor(t, "tracked channel", func() bool {
		return h.store.InVoiceChannel()
	})
	time.Sleep(100 * time.Millisecond)
	if len(h.store.FronterDisplays()) != 0 {
		t.Errorf(
			"unexpected displays for private front: %+v",
			h.store.FronterDisplays(),
		)
	}
}

func TestUserLeaveRemovesOnlyTheirDisplays(t *testing.T) {
	systems := &fakeSystems{
		connected: []connections.ConnectedSystem{
			{ID: "abcde", Name: "Alice's System"},
			{ID: "fghij", Name: "Bob's System"},
		},
	}
	fronters := &fakeFronters{}
	fronters.set("abcde", fronting("Alice"))
	fronters.set("fghij", fronting("Bob"))
	h := newControllerHarness(t, systems, fronters, time.Hour)
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}, {ID: "U2"}},
	)
	// Both systems report fronters for both users
	waitFor(t, "displays", func() bool {
		return len(h.store.FronterDisplays()) == 4
	})
	h.adapter.UserLeave(host.VoiceChannel{ID: "chan1", Name: "General"}, "U1")
	waitFor(t, "display removal", func() bool {
		return len(h.store.FronterDisplays()) == 2
	})
	for _, display := range h.store.FronterDisplays() {
		if display.DiscordUserID != "U2" {
			t.Errorf("unexpected display after user leave: %+v", display)
		}
	}
}

func TestEventsForUntrackedChannelIgnored(t *testing.T) {
	systems := &fakeSystems{
		connected: []connections.ConnectedSystem{
			{ID: "abcde", Name: "Alice's System"},
		},
	}
	fronters := &fakeFronters{}
	fronters.set("abcde", fronting("Alice"))
	h := newControllerHarness(t, systems, fronters, time.Hour)
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}},
	)
	waitFor(t, "display", func() bool {
		return len(h.store.FronterDisplays()) == 1
	})
	// Activity in a channel we are not tracking must not change anything
	h.bus.Publish(
		host.UserJoinVoiceEventType,
		event.New(host.UserJoinVoiceEventType, host.UserJoinVoiceEvent{
			Channel: host.VoiceChannel{ID: "chan2"},
			User:    host.User{ID: "U9"},
		}),
	)
	h.bus.Publish(
		host.UserLeaveVoiceEventType,
		event.New(host.UserLeaveVoiceEventType, host.UserLeaveVoiceEvent{
			Channel: host.VoiceChannel{ID: "chan2"},
			UserID:  "U1",
		}),
	)
	time.Sleep(100 * time.Millisecond)
	if len(h.store.FronterDisplays()) != 1 {
		t.Errorf(
			"unexpected display count: got %d, wanted 1",
			len(h.store.FronterDisplays()),
		)
	}
	users := h.store.VoiceUsers()
	if len(users) != 1 || users[0] != "U1" {
		t.Errorf("unexpected voice users: %v", users)
	}
}

func TestEventsHandledInArrivalOrder(t *testing.T) {
	systems := &fakeSystems{
		connected: []connections.ConnectedSystem{
			{ID: "abcde", Name: "Alice's System"},
		},
	}
	fronters := &fakeFronters{}
	fronters.set("abcde", fronting("Alice"))
	h := newControllerHarness(t, systems, fronters, time.Hour)
	// A user leave queued right behind the channel join must not be
	// handled before it; the leave would then miss the tracked channel
	// and the user's display would survive
	h.bus.Publish(
		host.VoiceChannelJoinEventType,
		event.New(host.VoiceChannelJoinEventType, host.VoiceChannelJoinEvent{
			Channel: host.VoiceChannel{ID: "chan1", Name: "General"},
			Users:   []host.User{{ID: "U1"}, {ID: "U2"}},
		}),
	)
	h.bus.Publish(
		host.UserLeaveVoiceEventType,
		event.New(host.UserLeaveVoiceEventType, host.UserLeaveVoiceEvent{
			Channel: host.VoiceChannel{ID: "chan1", Name: "General"},
			UserID:  "U1",
		}),
	)
	waitFor(t, "ordered processing", func() bool {
		users := h.store.VoiceUsers()
		return len(users) == 1 && users[0] == "U2"
	})
	waitFor(t, "surviving display", func() bool {
		displays := h.store.FronterDisplays()
		return len(displays) == 1 && displays[0].DiscordUserID == "U2"
	})
}

func TestChannelLeaveClearsAllState(t *testing.T) {
	systems := &fakeSystems{
		own: &connections.ConnectedSystem{
			ID:    "abcde",
			Name:  "Own System",
			Token: "pk-token",
		},
	}
	fronters := &fakeFronters{}
	fronters.set("abcde", fronting("Alice"))
	h := newControllerHarness(t, systems, fronters, time.Hour)
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}},
	)
	waitFor(t, "display", func() bool {
		return len(h.store.FronterDisplays()) == 1
	})
	h.adapter.LeaveChannel()
	waitFor(t, "terminal reset", func() bool {
		return !h.store.InVoiceChannel() &&
			len(h.store.FronterDisplays()) == 0
	})
	if len(h.store.VoiceUsers()) != 0 {
		t.Errorf("unexpected voice users after leave: %v", h.store.VoiceUsers())
	}
}

func TestLateResultForLeftChannelDiscarded(t *testing.T) {
	systems := &fakeSystems{
		connected: []connections.ConnectedSystem{
			{ID: "abcde", Name: "Alice's System"},
		},
	}
	fronters := &fakeFronters{}
	h := newControllerHarness(t, systems, fronters, 50*time.Millisecond)
	// Nobody fronting at join time, so the join-time check completes
	// without creating a display
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}},
	)
	waitFor(t, "join-time check", func() bool {
		return fronters.callCount() >= 1
	})
	// The next periodic re-poll blocks mid-fetch with a positive result
	// pending
	fetchStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fronters.set("abcde", fronting("Alice"))
	fronters.setHook(func(systemID string) {
		once.Do(func() { close(fetchStarted) })
		<-release
	})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()
	select {
	case <-fetchStarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for fetch to start")
	}
	// Leave while the fetch is still in flight
	h.adapter.LeaveChannel()
	waitFor(t, "channel leave", func() bool {
		return !h.store.InVoiceChannel()
	})
	close(release)
	time.Sleep(100 * time.Millisecond)
	if len(h.store.FronterDisplays()) != 0 {
		t.Errorf(
			"late result was not discarded: %+v",
			h.store.FronterDisplays(),
		)
	}
}

func TestPeriodicRefreshSelfHeals(t *testing.T) {
	systems := &fakeSystems{
		connected: []connections.ConnectedSystem{
			{ID: "abcde", Name: "Alice's System"},
		},
	}
	fronters := &fakeFronters{}
	h := newControllerHarness(t, systems, fronters, 50*time.Millisecond)
	// Nobody fronting at join time
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}},
	)
	waitFor(t, "tracked channel", func() bool {
		return h.store.InVoiceChannel()
	})
	if len(h.store.FronterDisplays()) != 0 {
		t.Fatalf("unexpected displays before front change")
	}
	// A switch happens with no host event; the periodic re-poll picks
	// it up from ground truth
	fronters.set("abcde", fronting("Alice"))
	waitFor(t, "refreshed display", func() bool {
		return len(h.store.FronterDisplays()) == 1
	})
}

func TestOwnSystemCheckedFirst(t *testing.T) {
	var order []string
	var orderMu sync.Mutex
	systems := &fakeSystems{
		own: &connections.ConnectedSystem{
			ID:    "ooooo",
			Name:  "Own System",
			Token: "pk-token",
		},
		connected: []connections.ConnectedSystem{
			{ID: "aaaaa", Name: "First"},
			{ID: "bbbbb", Name: "Second"},
		},
	}
	fronters := &fakeFronters{}
	fronters.hook = func(systemID string) {
		orderMu.Lock()
		order = append(order, systemID)
		orderMu.Unlock()
	}
	h := newControllerHarness(t, systems, fronters, time.Hour)
	h.adapter.JoinChannel(
		host.VoiceChannel{ID: "chan1", Name: "General"},
		[]host.User{{ID: "U1"}},
	)
	waitFor(t, "all systems checked", func() bool {
		orderMu.Lock()
		defer orderMu.Unlock()
		return len(order) == 3
	})
	orderMu.Lock()
	defer orderMu.Unlock()
	want := []string{"ooooo", "aaaaa", "bbbbb"}
	for i, systemID := range want {
		if order[i] != systemID {
			t.Errorf(
				"unexpected check order: got %v, wanted %v",
				order,
				want,
			)
			break
		}
	}
}
