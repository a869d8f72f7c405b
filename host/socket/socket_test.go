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

package socket

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/host"
)

func startTestAdapter(t *testing.T) (*Adapter, *event.Bus, net.Conn) {
	t.Helper()
	bus := event.NewBus(nil, nil)
	adapter, err := New(host.Config{
		EventBus:      bus,
		ListenNetwork: "tcp",
		ListenAddress: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("unexpected error creating adapter: %s", err)
	}
	if err := adapter.Start(); err != nil {
		t.Fatalf("unexpected error starting adapter: %s", err)
	}
	t.Cleanup(func() {
		if err := adapter.Stop(); err != nil {
			t.Errorf("unexpected error stopping adapter: %s", err)
		}
		bus.Stop()
	})
	conn, err := net.Dial("tcp", adapter.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error connecting to adapter: %s", err)
	}
	return adapter, bus, conn
}

func waitForEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed while waiting for event")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
	return event.Event{}
}

func TestAdapterVoiceChannelJoin(t *testing.T) {
	adapter, bus, conn := startTestAdapter(t)
	defer conn.Close()
	_, joinCh := bus.Subscribe(host.VoiceChannelJoinEventType)
	frame := `{"type":"voice_channel_join",` +
		`"channel":{"id":"chan1","name":"General","guild_id":"guild1"},` +
		`"users":[{"id":"user1","username":"alpha"},{"id":"user2","username":"beta"}]}` + "\n"
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatalf("unexpected error writing frame: %s", err)
	}
	evt := waitForEvent(t, joinCh)
	join, ok := evt.Data.(host.VoiceChannelJoinEvent)
	if !ok {
		t.Fatalf("unexpected event data type: %T", evt.Data)
	}
	if join.Channel.ID != "chan1" {
		t.Errorf("unexpected channel ID: got %s, wanted chan1", join.Channel.ID)
	}
	if len(join.Users) != 2 {
		t.Errorf("unexpected user count: got %d, wanted 2", len(join.Users))
	}
	channel := adapter.CurrentVoiceChannel()
	if channel == nil || channel.ID != "chan1" {
		t.Errorf("adapter did not mirror current channel: %+v", channel)
	}
	users := adapter.VoiceChannelUsers("chan1")
	if len(users) != 2 {
		t.Errorf("unexpected mirrored user count: got %d, wanted 2", len(users))
	}
	if adapter.VoiceChannelUsers("other") != nil {
		t.Errorf("expected nil users for unknown channel")
	}
}

func TestAdapterUserJoinLeave(t *testing.T) {
	adapter, bus, conn := startTestAdapter(t)
	defer conn.Close()
	_, joinCh := bus.Subscribe(host.UserJoinVoiceEventType)
	_, leaveCh := bus.Subscribe(host.UserLeaveVoiceEventType)
	frames := `{"type":"voice_channel_join","channel":{"id":"chan1","name":"General"},"users":[]}` + "\n" +
		`{"type":"user_join_voice","channel":{"id":"chan1","name":"General"},"user":{"id":"user1","username":"alpha"}}` + "\n"
	if _, err := conn.Write([]byte(frames)); err != nil {
		t.Fatalf("unexpected error writing frames: %s", err)
	}
	evt := waitForEvent(t, joinCh)
	join, ok := evt.Data.(host.UserJoinVoiceEvent)
	if !ok {
		t.Fatalf("unexpected event data type: %T", evt.Data)
	}
	if join.User.ID != "user1" {
		t.Errorf("unexpected user ID: got %s, wanted user1", join.User.ID)
	}
	users := adapter.VoiceChannelUsers("chan1")
	if len(users) != 1 || users[0].ID != "user1" {
		t.Errorf("unexpected mirrored users after join: %+v", users)
	}
	leaveFrame := `{"type":"user_leave_voice","channel":{"id":"chan1","name":"General"},"user_id":"user1"}` + "\n"
	if _, err := conn.Write([]byte(leaveFrame)); err != nil {
		t.Fatalf("unexpected error writing frame: %s", err)
	}
	evt = waitForEvent(t, leaveCh)
	leave, ok := evt.Data.(host.UserLeaveVoiceEvent)
	if !ok {
		t.Fatalf("unexpected event data type: %T", evt.Data)
	}
	if leave.UserID != "user1" {
		t.Errorf("unexpected user ID: got %s, wanted user1", leave.UserID)
	}
	users = adapter.VoiceChannelUsers("chan1")
	if len(users) != 0 {
		t.Errorf("unexpected mirrored users after leave: %+v", users)
	}
}

func TestAdapterDisconnectClearsVoiceState(t *testing.T) {
	adapter, bus, conn := startTestAdapter(t)
	_, leaveCh := bus.Subscribe(host.VoiceChannelLeaveEventType)
	frame := `{"type":"voice_channel_join","channel":{"id":"chan1","name":"General"},"users":[]}` + "\n"
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatalf("unexpected error writing frame: %s", err)
	}
	// Wait for the mirror to pick up the join before dropping the feed
	deadline := time.Now().Add(2 * time.Second)
	for adapter.CurrentVoiceChannel() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for mirrored channel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.Close()
	evt := waitForEvent(t, leaveCh)
	leave, ok := evt.Data.(host.VoiceChannelLeaveEvent)
	if !ok {
		t.Fatalf("unexpected event data type: %T", evt.Data)
	}
	if leave.Channel.ID != "chan1" {
		t.Errorf("unexpected channel ID: got %s, wanted chan1", leave.Channel.ID)
	}
	if adapter.CurrentVoiceChannel() != nil {
		t.Errorf("expected mirrored channel to be cleared")
	}
}

func TestAdapterMalformedFrame(t *testing.T) {
	_, bus, conn := startTestAdapter(t)
	defer conn.Close()
	_, readyCh := bus.Subscribe(host.ReadyEventType)
	frames := "this is not json\n" +
		`{"type":"ready","user":{"id":"self","username":"self"}}` + "\n"
	if _, err := conn.Write([]byte(frames)); err != nil {
		t.Fatalf("unexpected error writing frames: %s", err)
	}
	// The malformed line is discarded and the following frame still lands
	evt := waitForEvent(t, readyCh)
	ready, ok := evt.Data.(host.ReadyEvent)
	if !ok {
		t.Fatalf("unexpected event data type: %T", evt.Data)
	}
	if ready.CurrentUser.ID != "self" {
		t.Errorf(
			"unexpected user ID: got %s, wanted self",
			ready.CurrentUser.ID,
		)
	}
}

func TestAdapterRegistered(t *testing.T) {
	for _, entry := range host.Adapters() {
		if entry.Name == "socket" {
			return
		}
	}
	t.Fatalf(
		"socket adapter not registered: %s",
		fmt.Sprintf("%+v", host.Adapters()),
	)
}
