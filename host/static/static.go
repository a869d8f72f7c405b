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

// Package static implements a scripted in-memory host adapter. It serves
// dev mode and tests, where voice channel activity is driven from code
// instead of a live Discord client.
package static

import (
	"errors"
	"slices"
	"sync"

	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/host"
)

func init() {
	host.Register(host.Entry{
		Name:        "static",
		Description: "scripted in-memory host for dev mode and tests",
		NewFunc: func(cfg host.Config) (host.Source, error) {
			return New(cfg)
		},
	})
}

// Adapter is a host.Source whose voice state is driven by method calls.
type Adapter struct {
	eventBus *event.Bus

	currentUser    *host.User
	currentChannel *host.VoiceChannel
	channelUsers   []host.User
	mu             sync.RWMutex
}

// New creates a static host adapter from the common host config.
func New(cfg host.Config) (*Adapter, error) {
	if cfg.EventBus == nil {
		return nil, errors.New("static host adapter requires an event bus")
	}
	return &Adapter{
		eventBus: cfg.EventBus,
	}, nil
}

// Start implements host.Source. The static adapter has no background work.
func (a *Adapter) Start() error {
	return nil
}

// Stop implements host.Source.
func (a *Adapter) Stop() error {
	return nil
}

// SetCurrentUser records the local Discord user and publishes the ready
// event, mimicking the client mod coming online.
func (a *Adapter) SetCurrentUser(user host.User) {
	a.mu.Lock()
	a.currentUser = &user
	a.mu.Unlock()
	a.publish(host.ReadyEventType, host.ReadyEvent{CurrentUser: user})
}

// JoinChannel scripts the local user joining a voice channel already
// populated with the given users.
func (a *Adapter) JoinChannel(channel host.VoiceChannel, users []host.User) {
	a.mu.Lock()
	a.currentChannel = &channel
	a.channelUsers = slices.Clone(users)
	a.mu.Unlock()
	a.publish(
		host.VoiceChannelJoinEventType,
		host.VoiceChannelJoinEvent{
			Channel: channel,
			Users:   slices.Clone(users),
		},
	)
}

// LeaveChannel scripts the local user leaving the current voice channel.
// It's a no-op when not in a channel.
func (a *Adapter) LeaveChannel() {
	a.mu.Lock()
	channel := a.currentChannel
	a.currentChannel = nil
	a.channelUsers = nil
	a.mu.Unlock()
	if channel == nil {
		return
	}
	a.publish(
		host.VoiceChannelLeaveEventType,
		host.VoiceChannelLeaveEvent{Channel: *channel},
	)
}

// UserJoin scripts another user joining the given voice channel.
func (a *Adapter) UserJoin(channel host.VoiceChannel, user host.User) {
	a.mu.Lock()
	if a.currentChannel != nil && a.currentChannel.ID == channel.ID {
		if !slices.ContainsFunc(a.channelUsers, func(u host.User) bool {
			return u.ID == user.ID
		}) {
			a.channelUsers = append(a.channelUsers, user)
		}
	}
	a.mu.Unlock()
	a.publish(
		host.UserJoinVoiceEventType,
		host.UserJoinVoiceEvent{Channel: channel, User: user},
	)
}

// UserLeave scripts another user leaving the given voice channel.
func (a *Adapter) UserLeave(channel host.VoiceChannel, userID string) {
	a.mu.Lock()
	if a.currentChannel != nil && a.currentChannel.ID == channel.ID {
		a.channelUsers = slices.DeleteFunc(
			a.channelUsers,
			func(u host.User) bool { return u.ID == userID },
		)
	}
	a.mu.Unlock()
	a.publish(
		host.UserLeaveVoiceEventType,
		host.UserLeaveVoiceEvent{Channel: channel, UserID: userID},
	)
}

// SendMessage scripts an incoming Discord message.
func (a *Adapter) SendMessage(message host.Message) {
	a.publish(
		host.MessageEventType,
		host.MessageEvent{Message: message},
	)
}

func (a *Adapter) publish(eventType event.EventType, data any) {
	a.eventBus.Publish(eventType, event.New(eventType, data))
}

// CurrentVoiceChannel implements host.Source.
func (a *Adapter) CurrentVoiceChannel() *host.VoiceChannel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.currentChannel == nil {
		return nil
	}
	channel := *a.currentChannel
	return &channel
}

// VoiceChannelUsers implements host.Source.
func (a *Adapter) VoiceChannelUsers(channelID string) []host.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.currentChannel == nil || a.currentChannel.ID != channelID {
		return nil
	}
	return slices.Clone(a.channelUsers)
}

// CurrentUser implements host.Source.
func (a *Adapter) CurrentUser() *host.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.currentUser == nil {
		return nil
	}
	user := *a.currentUser
	return &user
}
