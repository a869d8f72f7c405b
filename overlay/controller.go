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
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openplural/frontwatch/connections"
	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/host"
	"github.com/openplural/frontwatch/pluralkit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultRefreshInterval is how often the display set is re-polled
	// from front-state ground truth while in a voice channel
	DefaultRefreshInterval = 30 * time.Second
	// DefaultRequestTimeout bounds each front-state fetch
	DefaultRequestTimeout = 10 * time.Second
)

// SystemSource is the read-only view of the connection store used when
// deciding which systems to check for a voice member.
type SystemSource interface {
	OwnSystem() *connections.ConnectedSystem
	ConnectedSystems() []connections.ConnectedSystem
}

// FronterSource is the subset of the PluralKit API the controller needs.
type FronterSource interface {
	GetCurrentFronters(
		ctx context.Context,
		systemID string,
		token string,
	) (*pluralkit.FronterSnapshot, error)
}

// ControllerConfig holds the dependencies of an overlay controller.
type ControllerConfig struct {
	Logger          *slog.Logger
	EventBus        *event.Bus
	PromRegistry    prometheus.Registerer
	Store           *Store
	Connections     SystemSource
	Fronters        FronterSource
	Host            host.Source
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
}

// Controller consumes host voice events, tracks membership, and
// reconciles the fronter display set against PluralKit front state.
type Controller struct {
	logger          *slog.Logger
	eventBus        *event.Bus
	store           *Store
	systems         SystemSource
	fronters        FronterSource
	hostSource      host.Source
	refreshInterval time.Duration
	requestTimeout  time.Duration
	metrics         struct {
		checksTotal  prometheus.Counter
		staleResults prometheus.Counter
	}

	subTypes []event.EventType
	subID    event.SubscriberID
	ticker   *time.Ticker
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewController creates an overlay controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.EventBus == nil {
		return nil, errors.New("overlay controller requires an event bus")
	}
	if cfg.Store == nil {
		return nil, errors.New("overlay controller requires a store")
	}
	if cfg.Connections == nil {
		return nil, errors.New(
			"overlay controller requires a connection source",
		)
	}
	if cfg.Fronters == nil {
		return nil, errors.New(
			"overlay controller requires a fronter source",
		)
	}
	if cfg.Host == nil {
		return nil, errors.New("overlay controller requires a host source")
	}
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c := &Controller{
		logger:          logger,
		eventBus:        cfg.EventBus,
		store:           cfg.Store,
		systems:         cfg.Connections,
		fronters:        cfg.Fronters,
		hostSource:      cfg.Host,
		refreshInterval: cfg.RefreshInterval,
		requestTimeout:  cfg.RequestTimeout,
	}
	if c.refreshInterval <= 0 {
		c.refreshInterval = DefaultRefreshInterval
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		c.metrics.checksTotal = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "frontwatch_fronter_checks_total",
				Help: "per-system front state checks",
			},
		)
		c.metrics.staleResults = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "frontwatch_stale_fronter_results_total",
				Help: "front state results discarded for a stale channel",
			},
		)
	}
	return c, nil
}

// Start subscribes to the host voice events and launches the periodic
// refresh ticker.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("overlay controller already started")
	}
	c.started = true
	// All four voice event types share one subscriber channel and one
	// dispatch goroutine so cross-type arrival order is preserved: a
	// queued join is always handled before the leave that follows it
	c.subTypes = []event.EventType{
		host.VoiceChannelJoinEventType,
		host.VoiceChannelLeaveEventType,
		host.UserJoinVoiceEventType,
		host.UserLeaveVoiceEventType,
	}
	subID, evtCh := c.eventBus.SubscribeMany(c.subTypes...)
	c.subID = subID
	c.ticker = time.NewTicker(c.refreshInterval)
	c.stopCh = make(chan struct{})
	c.wg.Add(2)
	go c.dispatchLoop(evtCh)
	go c.refreshLoop()
	return nil
}

// Stop removes the event subscription and halts the refresh ticker.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	for _, eventType := range c.subTypes {
		c.eventBus.Unsubscribe(eventType, c.subID)
	}
	c.subTypes = nil
	c.ticker.Stop()
	close(c.stopCh)
	c.wg.Wait()
	return nil
}

func (c *Controller) dispatchLoop(evtCh <-chan event.Event) {
	defer c.wg.Done()
	for evt := range evtCh {
		switch evt.Type {
		case host.VoiceChannelJoinEventType:
			c.handleVoiceChannelJoin(evt)
		case host.VoiceChannelLeaveEventType:
			c.handleVoiceChannelLeave(evt)
		case host.UserJoinVoiceEventType:
			c.handleUserJoinVoice(evt)
		case host.UserLeaveVoiceEventType:
			c.handleUserLeaveVoice(evt)
		}
	}
}

func (c *Controller) refreshLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.refreshFronterDisplays()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) handleVoiceChannelJoin(evt event.Event) {
	data, ok := evt.Data.(host.VoiceChannelJoinEvent)
	if !ok {
		return
	}
	userIDs := make([]string, 0, len(data.Users))
	for _, user := range data.Users {
		userIDs = append(userIDs, user.ID)
	}
	c.store.SetVoiceChannel(data.Channel.ID, userIDs)
	// Stale data from a previous channel must never leak into a new one
	c.store.ClearFronterDisplays()
	c.logger.Info(
		"joined voice channel",
		"component", "overlay",
		"channel_id", data.Channel.ID,
		"users", len(data.Users),
	)
	for _, user := range data.Users {
		c.checkUser(user.ID)
	}
}

func (c *Controller) handleVoiceChannelLeave(evt event.Event) {
	if _, ok := evt.Data.(host.VoiceChannelLeaveEvent); !ok {
		return
	}
	// Terminal reset, no partial state survives
	c.store.ClearVoiceChannel()
	c.store.ClearFronterDisplays()
	c.logger.Info(
		"left voice channel",
		"component", "overlay",
	)
}

func (c *Controller) handleUserJoinVoice(evt event.Event) {
	data, ok := evt.Data.(host.UserJoinVoiceEvent)
	if !ok {
		return
	}
	// Events for channels we are not tracking are not our concern
	if data.Channel.ID != c.store.CurrentVoiceChannelID() {
		return
	}
	c.store.AddVoiceUser(data.User.ID)
	c.checkUser(data.User.ID)
}

func (c *Controller) handleUserLeaveVoice(evt event.Event) {
	data, ok := evt.Data.(host.UserLeaveVoiceEvent)
	if !ok {
		return
	}
	if data.Channel.ID != c.store.CurrentVoiceChannelID() {
		return
	}
	c.store.RemoveVoiceUser(data.UserID)
	c.store.RemoveDisplaysForUser(data.UserID)
}

// checkUser runs the per-user front state check: the own system first,
// then connected systems in insertion order. Positive non-private results
// upsert a display; empty or private results produce none and never
// remove an existing one. Per-system failures log and continue.
func (c *Controller) checkUser(discordUserID string) {
	// Capture the channel at fetch start so results arriving after a
	// leave or channel switch can be discarded
	channelID := c.store.CurrentVoiceChannelID()
	if channelID == "" {
		return
	}
	var systems []connections.ConnectedSystem
	if own := c.systems.OwnSystem(); own != nil {
		systems = append(systems, *own)
	}
	systems = append(systems, c.systems.ConnectedSystems()...)
	for _, system := range systems {
		if c.metrics.checksTotal != nil {
			c.metrics.checksTotal.Inc()
		}
		ctx, cancel := context.WithTimeout(
			context.Background(),
			c.requestTimeout,
		)
		snapshot, err := c.fronters.GetCurrentFronters(
			ctx,
			system.ID,
			system.Token,
		)
		cancel()
		if err != nil {
			c.logger.Warn(
				"front state check failed",
				"component", "overlay",
				"system_id", system.ID,
				"discord_user_id", discordUserID,
				"error", err,
			)
			continue
		}
		if snapshot.Private || len(snapshot.Members) == 0 {
			continue
		}
		if c.store.CurrentVoiceChannelID() != channelID {
			if c.metrics.staleResults != nil {
				c.metrics.staleResults.Inc()
			}
			c.logger.Debug(
				"discarding front state for stale channel",
				"component", "overlay",
				"system_id", system.ID,
				"channel_id", channelID,
			)
			return
		}
		c.store.UpsertFronterDisplay(FronterDisplay{
			SystemID:      system.ID,
			SystemName:    system.Name,
			Members:       snapshot.Members,
			Timestamp:     snapshot.Timestamp,
			DiscordUserID: discordUserID,
		})
	}
}

// refreshFronterDisplays is the periodic full re-poll. Membership comes
// from the host source rather than the cached store state so missed
// events self-heal.
func (c *Controller) refreshFronterDisplays() {
	channelID := c.store.CurrentVoiceChannelID()
	if channelID == "" {
		return
	}
	for _, user := range c.hostSource.VoiceChannelUsers(channelID) {
		c.checkUser(user.ID)
	}
}
