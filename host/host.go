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

// Package host defines the event contract between the Discord client host
// and the reconciliation core. A host adapter translates whatever the
// active client mod delivers into the typed events below and answers the
// synchronous membership queries from its own mirrored state. The core
// depends only on the Source interface; adapter variants are selected by
// name at startup.
package host

import (
	"log/slog"

	"github.com/openplural/frontwatch/event"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// VoiceChannelJoinEventType is published when the current user joins
	// a voice channel
	VoiceChannelJoinEventType event.EventType = "host.voice_channel_join"
	// VoiceChannelLeaveEventType is published when the current user
	// leaves the voice channel
	VoiceChannelLeaveEventType event.EventType = "host.voice_channel_leave"
	// UserJoinVoiceEventType is published when another user joins a
	// voice channel
	UserJoinVoiceEventType event.EventType = "host.user_join_voice"
	// UserLeaveVoiceEventType is published when another user leaves a
	// voice channel
	UserLeaveVoiceEventType event.EventType = "host.user_leave_voice"
	// MessageEventType is published for messages received by the host
	MessageEventType event.EventType = "host.message"
	// ReadyEventType is published once the adapter has connected to its
	// host and knows the current user
	ReadyEventType event.EventType = "host.ready"
)

// User is a Discord user as reported by the host.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
}

// VoiceChannel is a Discord voice channel as reported by the host.
type VoiceChannel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GuildID string `json:"guild_id,omitempty"`
}

// Message is a Discord message as reported by the host.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
}

type VoiceChannelJoinEvent struct {
	Channel VoiceChannel
	Users   []User
}

type VoiceChannelLeaveEvent struct {
	Channel VoiceChannel
}

type UserJoinVoiceEvent struct {
	Channel VoiceChannel
	User    User
}

type UserLeaveVoiceEvent struct {
	Channel VoiceChannel
	UserID  string
}

type MessageEvent struct {
	Message Message
}

type ReadyEvent struct {
	CurrentUser User
}

// Source is the host event source consumed by the reconciliation core.
// Events are delivered through the event bus passed in Config; the
// synchronous queries reflect the adapter's mirrored view of the host's
// voice state and are the ground truth for periodic refresh.
type Source interface {
	Start() error
	Stop() error
	// CurrentVoiceChannel returns the voice channel the current user is
	// in, or nil
	CurrentVoiceChannel() *VoiceChannel
	// VoiceChannelUsers returns the users in the given channel, in join
	// order, or nil for a channel the adapter is not tracking
	VoiceChannelUsers(channelID string) []User
	// CurrentUser returns the Discord user the host is logged in as, or
	// nil before the host is ready
	CurrentUser() *User
}

// Config is the common configuration passed to host adapters.
type Config struct {
	Logger       *slog.Logger
	EventBus     *event.Bus
	PromRegistry prometheus.Registerer
	// ListenNetwork/ListenAddress configure socket-based adapters
	// ("unix" + path, or "tcp" + host:port)
	ListenNetwork string
	ListenAddress string
}
