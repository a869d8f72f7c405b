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

package connections

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/host"
	"github.com/openplural/frontwatch/pluralkit"
	"github.com/openplural/frontwatch/tokenstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultRefreshInterval is how often automatic connections are
// re-validated
const DefaultRefreshInterval = 5 * time.Minute

// Client is the subset of the PluralKit API the manager needs.
type Client interface {
	GetSystem(
		ctx context.Context,
		systemID string,
		token string,
	) (*pluralkit.SystemInfo, error)
	GetSelfSystem(
		ctx context.Context,
		token string,
	) (*pluralkit.SystemInfo, error)
	CheckViewerPermission(
		ctx context.Context,
		systemID string,
		discordID string,
		token string,
	) (bool, error)
}

// ManagerConfig holds the dependencies of a connections manager.
type ManagerConfig struct {
	Logger          *slog.Logger
	EventBus        *event.Bus
	PromRegistry    prometheus.Registerer
	Store           *Store
	Tokens          *tokenstore.Store
	Client          Client
	Host            host.Source
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
}

// Manager orchestrates authentication, connection and disconnection, and
// the periodic re-validation of automatic connections.
type Manager struct {
	logger          *slog.Logger
	eventBus        *event.Bus
	store           *Store
	tokens          *tokenstore.Store
	client          Client
	hostSource      host.Source
	refreshInterval time.Duration
	requestTimeout  time.Duration
	metrics         struct {
		refreshPasses    prometheus.Counter
		connectedSystems prometheus.Gauge
	}

	readySubID event.SubscriberID
	ticker     *time.Ticker
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
	mu         sync.Mutex
}

// NewManager creates a connections manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("connections manager requires a store")
	}
	if cfg.Client == nil {
		return nil, errors.New("connections manager requires a client")
	}
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	m := &Manager{
		logger:          logger,
		eventBus:        cfg.EventBus,
		store:           cfg.Store,
		tokens:          cfg.Tokens,
		client:          cfg.Client,
		hostSource:      cfg.Host,
		refreshInterval: cfg.RefreshInterval,
		requestTimeout:  cfg.RequestTimeout,
	}
	if m.refreshInterval <= 0 {
		m.refreshInterval = DefaultRefreshInterval
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = pluralkit.DefaultTimeout
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		m.metrics.refreshPasses = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "frontwatch_connection_refresh_passes_total",
				Help: "completed connection refresh passes",
			},
		)
		m.metrics.connectedSystems = promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontwatch_connected_systems",
				Help: "currently connected systems, own system excluded",
			},
		)
	}
	return m, nil
}

// Initialize re-validates any persisted own-system token and runs a full
// connection refresh. A stale or revoked token clears the own-system
// record rather than trusting the persisted identity; a transient network
// failure retains it and leaves re-validation to the next refresh.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.tokens != nil {
		token, err := m.tokens.Load()
		if err != nil {
			return fmt.Errorf("load own-system token: %w", err)
		}
		if token != "" {
			reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
			system, err := m.client.GetSelfSystem(reqCtx, token)
			cancel()
			switch {
			case err == nil:
				persisted := m.store.OwnSystem()
				if persisted != nil && persisted.ID != system.ID {
					// A stale identity is never silently re-bound to
					// whatever system the token resolves to now
					m.logger.Warn(
						"persisted own system does not match token identity, clearing",
						"component", "connections",
						"persisted_system_id", persisted.ID,
						"token_system_id", system.ID,
					)
					m.store.ClearOwnSystem()
					if err := m.tokens.Clear(); err != nil {
						m.logger.Error(
							"failed to clear stored token",
							"component", "connections",
							"error", err,
						)
					}
				} else {
					m.store.SetOwnSystem(ConnectedSystem{
						ID:             system.ID,
						Name:           system.Name,
						Token:          token,
						ConnectionType: ConnectionAutomatic,
						LastUpdated:    time.Now(),
					})
				}
			case errors.Is(err, pluralkit.ErrUnauthorized):
				m.logger.Warn(
					"persisted own-system token no longer valid, clearing",
					"component", "connections",
				)
				m.store.ClearOwnSystem()
				if err := m.tokens.Clear(); err != nil {
					m.logger.Error(
						"failed to clear stored token",
						"component", "connections",
						"error", err,
					)
				}
			default:
				// Transient failure; keep the persisted record and let the
				// next refresh pass retry
				m.logger.Warn(
					"own-system token re-validation failed",
					"component", "connections",
					"error", err,
				)
			}
		}
	}
	m.RefreshSystemConnections(ctx)
	return nil
}

// AuthenticateOwnSystem validates the token and records the resulting
// system as the operator's own. The raw token is never logged.
func (m *Manager) AuthenticateOwnSystem(
	ctx context.Context,
	token string,
) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	system, err := m.client.GetSelfSystem(reqCtx, token)
	if err != nil {
		if errors.Is(err, pluralkit.ErrUnauthorized) {
			return false, nil
		}
		return false, fmt.Errorf("validate own-system token: %w", err)
	}
	m.store.SetOwnSystem(ConnectedSystem{
		ID:             system.ID,
		Name:           system.Name,
		Token:          token,
		ConnectionType: ConnectionAutomatic,
		LastUpdated:    time.Now(),
	})
	if m.tokens != nil {
		if err := m.tokens.Save(token); err != nil {
			m.logger.Error(
				"failed to persist own-system token",
				"component", "connections",
				"error", err,
			)
		}
	}
	m.logger.Info(
		"authenticated own system",
		"component", "connections",
		"system_id", system.ID,
	)
	return true, nil
}

// DisconnectOwnSystem clears the own-system record and the stored token.
// Other connected systems are not affected.
func (m *Manager) DisconnectOwnSystem() error {
	m.store.ClearOwnSystem()
	if m.tokens != nil {
		if err := m.tokens.Clear(); err != nil {
			return fmt.Errorf("clear stored token: %w", err)
		}
	}
	return nil
}

// ConnectToSystem checks that the host's current Discord user is an
// allowed viewer for the target system and, when granted, records a
// connection of the given type. A denied permission check returns false
// without creating a record.
func (m *Manager) ConnectToSystem(
	ctx context.Context,
	systemID string,
	connectionType ConnectionType,
) (bool, error) {
	discordUser := m.currentDiscordUser()
	if discordUser == "" {
		return false, errors.New("host has no current user")
	}
	token := m.ownToken()
	reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	allowed, err := m.client.CheckViewerPermission(
		reqCtx,
		systemID,
		discordUser,
		token,
	)
	cancel()
	if err != nil {
		return false, fmt.Errorf("check viewer permission: %w", err)
	}
	if !allowed {
		return false, nil
	}
	reqCtx, cancel = context.WithTimeout(ctx, m.requestTimeout)
	system, err := m.client.GetSystem(reqCtx, systemID, token)
	cancel()
	if err != nil {
		return false, fmt.Errorf("fetch system %s: %w", systemID, err)
	}
	m.store.AddConnectedSystem(ConnectedSystem{
		ID:             system.ID,
		Name:           system.Name,
		ConnectionType: connectionType,
		LastUpdated:    time.Now(),
	})
	m.store.SetSystemAccess(system.ID, AccessReadOnly)
	m.updateConnectedGauge()
	m.logger.Info(
		"connected to system",
		"component", "connections",
		"system_id", system.ID,
		"connection_type", string(connectionType),
	)
	return true, nil
}

// DisconnectFromSystem removes the connection record unconditionally.
// This is a local action; the remote service is not called.
func (m *Manager) DisconnectFromSystem(systemID string) {
	m.store.RemoveConnectedSystem(systemID)
	m.store.RemoveSystemAccess(systemID)
	m.updateConnectedGauge()
}

// RefreshSystemConnections re-checks viewer permission for every
// automatic connection, refreshing records that remain granted and
// removing those revoked. Manual connections are never auto-removed.
// Per-system failures degrade only that system's refresh.
func (m *Manager) RefreshSystemConnections(ctx context.Context) {
	discordUser := m.currentDiscordUser()
	token := m.ownToken()
	for _, system := range m.store.ConnectedSystems() {
		if system.ConnectionType != ConnectionAutomatic {
			continue
		}
		if discordUser == "" {
			// Without a host user there's nothing to check permissions
			// against; retain previous state
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
		allowed, err := m.client.CheckViewerPermission(
			reqCtx,
			system.ID,
			discordUser,
			token,
		)
		cancel()
		if err != nil {
			m.logger.Warn(
				"connection refresh failed for system",
				"component", "connections",
				"system_id", system.ID,
				"error", err,
			)
			continue
		}
		if !allowed {
			m.logger.Info(
				"viewer permission revoked, removing connection",
				"component", "connections",
				"system_id", system.ID,
			)
			m.store.RemoveConnectedSystem(system.ID)
			m.store.RemoveSystemAccess(system.ID)
			continue
		}
		refreshed := system
		refreshed.LastUpdated = time.Now()
		reqCtx, cancel = context.WithTimeout(ctx, m.requestTimeout)
		info, err := m.client.GetSystem(reqCtx, system.ID, token)
		cancel()
		if err != nil {
			m.logger.Warn(
				"failed to refresh system metadata",
				"component", "connections",
				"system_id", system.ID,
				"error", err,
			)
		} else {
			refreshed.Name = info.Name
		}
		m.store.UpdateConnectedSystem(refreshed)
	}
	if m.metrics.refreshPasses != nil {
		m.metrics.refreshPasses.Inc()
	}
	m.updateConnectedGauge()
}

// Start launches the periodic refresh ticker.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("connections manager already started")
	}
	m.started = true
	if m.eventBus != nil {
		// Refresh is a no-op until the host reports a current user, so
		// rerun it as soon as the host comes up
		m.readySubID = m.eventBus.SubscribeFunc(
			host.ReadyEventType,
			m.handleHostReady,
		)
	}
	m.ticker = time.NewTicker(m.refreshInterval)
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.refreshLoop()
	return nil
}

// Stop halts the periodic refresh.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	if m.eventBus != nil {
		m.eventBus.Unsubscribe(host.ReadyEventType, m.readySubID)
	}
	m.ticker.Stop()
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

func (m *Manager) handleHostReady(evt event.Event) {
	if _, ok := evt.Data.(host.ReadyEvent); !ok {
		return
	}
	m.RefreshSystemConnections(context.Background())
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ticker.C:
			m.RefreshSystemConnections(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) currentDiscordUser() string {
	if m.hostSource == nil {
		return ""
	}
	user := m.hostSource.CurrentUser()
	if user == nil {
		return ""
	}
	return user.ID
}

func (m *Manager) ownToken() string {
	own := m.store.OwnSystem()
	if own == nil {
		return ""
	}
	return own.Token
}

func (m *Manager) updateConnectedGauge() {
	if m.metrics.connectedSystems != nil {
		m.metrics.connectedSystems.Set(
			float64(len(m.store.ConnectedSystems())),
		)
	}
}
