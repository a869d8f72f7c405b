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

// Package socket implements the production host adapter. A client-mod
// plugin running inside the Discord client (BetterDiscord, Vencord or
// Powercord) connects to a local socket and streams voice and message
// events as JSON lines. The adapter mirrors the host's voice state so it
// can answer the synchronous queries without a round trip.
package socket

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/host"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxFrameBytes bounds a single JSON-line frame from the client mod
const maxFrameBytes = 1 << 20

func init() {
	host.Register(host.Entry{
		Name:        "socket",
		Description: "JSON-line event feed from a Discord client-mod plugin over a local socket",
		NewFunc: func(cfg host.Config) (host.Source, error) {
			return New(cfg)
		},
	})
}

// frame is a single JSON-line message from the client-mod plugin.
type frame struct {
	Type    string             `json:"type"`
	Channel *host.VoiceChannel `json:"channel,omitempty"`
	User    *host.User         `json:"user,omitempty"`
	Users   []host.User        `json:"users,omitempty"`
	UserID  string             `json:"user_id,omitempty"`
	Message *host.Message      `json:"message,omitempty"`
}

// Frame type values accepted from the client mod.
const (
	frameReady            = "ready"
	frameVoiceChannelJoin = "voice_channel_join"
	frameVoiceChannelLeft = "voice_channel_leave"
	frameUserJoinVoice    = "user_join_voice"
	frameUserLeaveVoice   = "user_leave_voice"
	frameMessage          = "message"
)

// Adapter is a socket-backed host.Source.
type Adapter struct {
	logger   *slog.Logger
	eventBus *event.Bus
	metrics  struct {
		framesTotal *prometheus.CounterVec
	}
	listenNetwork string
	listenAddress string

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool

	// Mirrored host voice state
	currentUser    *host.User
	currentChannel *host.VoiceChannel
	channelUsers   []host.User
	mu             sync.RWMutex
}

// New creates a socket host adapter from the common host config.
func New(cfg host.Config) (*Adapter, error) {
	if cfg.EventBus == nil {
		return nil, errors.New("socket host adapter requires an event bus")
	}
	if cfg.ListenNetwork == "" || cfg.ListenAddress == "" {
		return nil, errors.New(
			"socket host adapter requires listen network/address values",
		)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	a := &Adapter{
		logger:        logger,
		eventBus:      cfg.EventBus,
		listenNetwork: cfg.ListenNetwork,
		listenAddress: cfg.ListenAddress,
		stopCh:        make(chan struct{}),
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		a.metrics.framesTotal = promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontwatch_host_frames_total",
				Help: "host event frames received by type",
			},
			[]string{"type"},
		)
	}
	return a, nil
}

// Start begins listening for a client-mod connection.
func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("socket host adapter already started")
	}
	listener, err := net.Listen(a.listenNetwork, a.listenAddress)
	if err != nil {
		return fmt.Errorf(
			"listening on %s %s: %w",
			a.listenNetwork,
			a.listenAddress,
			err,
		)
	}
	a.listener = listener
	a.started = true
	a.wg.Add(1)
	go a.acceptLoop()
	a.logger.Info(
		"host adapter listening",
		"component", "host",
		"network", a.listenNetwork,
		"address", a.listenAddress,
	)
	return nil
}

// Stop closes the listener and waits for connection handlers to exit.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	close(a.stopCh)
	listener := a.listener
	a.mu.Unlock()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	a.wg.Wait()
	return err
}

// Addr returns the listener address, or nil before Start. Useful when
// listening on an ephemeral port.
func (a *Adapter) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Adapter) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
			}
			a.logger.Warn(
				"accept failed",
				"component", "host",
				"error", err,
			)
			continue
		}
		// One client mod at a time; a reconnect replaces the previous
		// feed and handleConn runs to completion before the next Accept
		a.handleConn(conn)
	}
}

func (a *Adapter) handleConn(conn net.Conn) {
	defer conn.Close()
	a.logger.Info(
		"client mod connected",
		"component", "host",
		"remote", conn.RemoteAddr().String(),
	)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		select {
		case <-a.stopCh:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			a.logger.Warn(
				"discarding malformed host frame",
				"component", "host",
				"error", err,
			)
			continue
		}
		a.handleFrame(f)
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn(
			"host connection error",
			"component", "host",
			"error", err,
		)
	}
	// The host feed is gone; without it the mirrored voice state is
	// unverifiable, so treat the disconnect as leaving voice
	a.handleDisconnect()
}

func (a *Adapter) handleFrame(f frame) {
	if a.metrics.framesTotal != nil {
		a.metrics.framesTotal.WithLabelValues(f.Type).Inc()
	}
	switch f.Type {
	case frameReady:
		if f.User == nil {
			return
		}
		a.mu.Lock()
		a.currentUser = f.User
		a.mu.Unlock()
		a.publish(host.ReadyEventType, host.ReadyEvent{CurrentUser: *f.User})
	case frameVoiceChannelJoin:
		if f.Channel == nil {
			return
		}
		a.mu.Lock()
		a.currentChannel = f.Channel
		a.channelUsers = slices.Clone(f.Users)
		a.mu.Unlock()
		a.publish(
			host.VoiceChannelJoinEventType,
			host.VoiceChannelJoinEvent{
				Channel: *f.Channel,
				Users:   slices.Clone(f.Users),
			},
		)
	case frameVoiceChannelLeft:
		a.handleDisconnect()
	case frameUserJoinVoice:
		if f.Channel == nil || f.User == nil {
			return
		}
		a.mu.Lock()
		if a.currentChannel != nil && a.currentChannel.ID == f.Channel.ID {
			if !slices.ContainsFunc(a.channelUsers, func(u host.User) bool {
				return u.ID == f.User.ID
			}) {
				a.channelUsers = append(a.channelUsers, *f.User)
			}
		}
		a.mu.Unlock()
		a.publish(
			host.UserJoinVoiceEventType,
			host.UserJoinVoiceEvent{Channel: *f.Channel, User: *f.User},
		)
	case frameUserLeaveVoice:
		if f.Channel == nil || f.UserID == "" {
			return
		}
		a.mu.Lock()
		if a.currentChannel != nil && a.currentChannel.ID == f.Channel.ID {
			a.channelUsers = slices.DeleteFunc(
				a.channelUsers,
				func(u host.User) bool { return u.ID == f.UserID },
			)
		}
		a.mu.Unlock()
		a.publish(
			host.UserLeaveVoiceEventType,
			host.UserLeaveVoiceEvent{Channel: *f.Channel, UserID: f.UserID},
		)
	case frameMessage:
		if f.Message == nil {
			return
		}
		a.publish(
			host.MessageEventType,
			host.MessageEvent{Message: *f.Message},
		)
	default:
		a.logger.Debug(
			"ignoring unknown host frame type",
			"component", "host",
			"type", f.Type,
		)
	}
}

// handleDisconnect clears the mirrored voice state and notifies
// subscribers, used both for an explicit leave and a dropped feed.
func (a *Adapter) handleDisconnect() {
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
