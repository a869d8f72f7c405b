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

// Package frontwatch overlays PluralKit front state onto Discord voice
// channels. The Overlay node wires the host event source, the PluralKit
// client, the connection and overlay stores, and their controllers.
package frontwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/openplural/frontwatch/connections"
	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/history"
	"github.com/openplural/frontwatch/host"
	"github.com/openplural/frontwatch/overlay"
	"github.com/openplural/frontwatch/pluralkit"
	"github.com/openplural/frontwatch/storage"
	"github.com/openplural/frontwatch/tokenstore"
)

type Overlay struct {
	eventBus          *event.Bus
	storage           *storage.Store
	tokens            *tokenstore.Store
	pluralkitClient   *pluralkit.Client
	hostSource        host.Source
	connectionStore   *connections.Store
	connectionManager *connections.Manager
	overlayStore      *overlay.Store
	overlayController *overlay.Controller
	historyRecorder   *history.Recorder
	shutdownFuncs     []func(context.Context) error
	config            Config
	done              chan struct{}
	shutdownOnce      sync.Once
}

// New creates an Overlay node from the given config.
func New(cfg Config) (*Overlay, error) {
	o := &Overlay{
		config: cfg,
		done:   make(chan struct{}),
	}
	if err := o.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return o, nil
}

func (o *Overlay) configValidate() error {
	if o.config.hostSource == nil {
		if o.config.hostAdapter == "" {
			return errors.New("no host adapter selected")
		}
		if o.config.hostAdapter == "socket" &&
			(o.config.hostListenNetwork == "" ||
				o.config.hostListenAddress == "") {
			return errors.New(
				"socket host adapter requires listen network/address values",
			)
		}
	}
	return nil
}

// Run wires the components together, starts them, and blocks until Stop
// is called.
func (o *Overlay) Run() error {
	// Configure tracing
	if o.config.tracing {
		if err := o.setupTracing(); err != nil {
			return err
		}
	}
	o.eventBus = event.NewBus(o.config.promRegistry, o.config.logger)
	// Document store
	docs, err := storage.New(
		storage.WithLogger(o.config.logger),
		storage.WithDataDir(o.config.dataDir),
	)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	o.storage = docs
	// Token store only exists with a data dir; without one the token
	// lives in memory for the process lifetime
	if o.config.dataDir != "" {
		o.tokens = tokenstore.New(filepath.Join(o.config.dataDir, "token"))
	}
	// PluralKit client
	clientOpts := []pluralkit.ClientOption{}
	if o.config.pluralKitBaseURL != "" {
		clientOpts = append(
			clientOpts,
			pluralkit.WithBaseURL(o.config.pluralKitBaseURL),
		)
	}
	if o.config.requestTimeout > 0 {
		clientOpts = append(
			clientOpts,
			pluralkit.WithTimeout(o.config.requestTimeout),
		)
	}
	o.pluralkitClient = pluralkit.NewClient(clientOpts...)
	// Host source
	if o.config.hostSource != nil {
		o.hostSource = o.config.hostSource
	} else {
		source, err := host.New(o.config.hostAdapter, host.Config{
			Logger:        o.config.logger,
			EventBus:      o.eventBus,
			PromRegistry:  o.config.promRegistry,
			ListenNetwork: o.config.hostListenNetwork,
			ListenAddress: o.config.hostListenAddress,
		})
		if err != nil {
			return fmt.Errorf("failed to create host adapter: %w", err)
		}
		o.hostSource = source
	}
	// Connection store and manager
	connStore, err := connections.NewStore(connections.StoreConfig{
		Logger:   o.config.logger,
		EventBus: o.eventBus,
		Storage:  o.storage,
	})
	if err != nil {
		return fmt.Errorf("failed to load connection store: %w", err)
	}
	o.connectionStore = connStore
	connManager, err := connections.NewManager(connections.ManagerConfig{
		Logger:          o.config.logger,
		EventBus:        o.eventBus,
		PromRegistry:    o.config.promRegistry,
		Store:           connStore,
		Tokens:          o.tokens,
		Client:          o.pluralkitClient,
		Host:            o.hostSource,
		RefreshInterval: o.config.connectionRefresh,
		RequestTimeout:  o.config.requestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create connections manager: %w", err)
	}
	o.connectionManager = connManager
	// Overlay store and controller
	overlayStore, err := overlay.NewStore(overlay.StoreConfig{
		Logger:       o.config.logger,
		EventBus:     o.eventBus,
		PromRegistry: o.config.promRegistry,
		Storage:      o.storage,
	})
	if err != nil {
		return fmt.Errorf("failed to load overlay store: %w", err)
	}
	o.overlayStore = overlayStore
	overlayController, err := overlay.NewController(overlay.ControllerConfig{
		Logger:          o.config.logger,
		EventBus:        o.eventBus,
		PromRegistry:    o.config.promRegistry,
		Store:           overlayStore,
		Connections:     connStore,
		Fronters:        o.pluralkitClient,
		Host:            o.hostSource,
		RefreshInterval: o.config.fronterRefresh,
		RequestTimeout:  o.config.requestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create overlay controller: %w", err)
	}
	o.overlayController = overlayController
	// History recorder
	recorder, err := history.NewRecorder(history.RecorderConfig{
		Logger:         o.config.logger,
		EventBus:       o.eventBus,
		DataDir:        o.config.dataDir,
		RetentionLimit: o.config.historyRetention,
	})
	if err != nil {
		return fmt.Errorf("failed to create history recorder: %w", err)
	}
	o.historyRecorder = recorder
	// Re-validate any persisted token and run the initial connection
	// refresh before serving events
	if err := o.connectionManager.Initialize(context.Background()); err != nil {
		return fmt.Errorf("failed to initialize connections: %w", err)
	}
	// Start everything
	if err := o.historyRecorder.Start(); err != nil {
		return err
	}
	if err := o.overlayController.Start(); err != nil {
		return err
	}
	if err := o.connectionManager.Start(); err != nil {
		return err
	}
	if err := o.hostSource.Start(); err != nil {
		return err
	}
	o.config.logger.Info(
		"overlay node started",
		"component", "frontwatch",
		"host_adapter", o.config.hostAdapter,
	)

	// Wait for shutdown signal
	<-o.done
	return nil
}

// Stop shuts the node down gracefully. Safe to call more than once.
func (o *Overlay) Stop() error {
	var err error
	o.shutdownOnce.Do(func() {
		err = o.shutdown()
	})
	return err
}

func (o *Overlay) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if o.config.shutdownTimeout > 0 {
		shutdownTimeout = o.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	o.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop the host feed so no new events arrive
	o.config.logger.Debug("shutdown phase 1: stopping host feed")
	if o.hostSource != nil {
		if stopErr := o.hostSource.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("host source shutdown: %w", stopErr))
		}
	}

	// Phase 2: Stop controllers and tickers
	o.config.logger.Debug("shutdown phase 2: stopping controllers")
	if o.connectionManager != nil {
		if stopErr := o.connectionManager.Stop(); stopErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("connections manager shutdown: %w", stopErr),
			)
		}
	}
	if o.overlayController != nil {
		if stopErr := o.overlayController.Stop(); stopErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("overlay controller shutdown: %w", stopErr),
			)
		}
	}

	// Phase 3: Flush and close storage
	o.config.logger.Debug("shutdown phase 3: flushing state")
	if o.historyRecorder != nil {
		if stopErr := o.historyRecorder.Stop(); stopErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("history recorder shutdown: %w", stopErr),
			)
		}
	}
	if o.storage != nil {
		if closeErr := o.storage.Close(); closeErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("document store close: %w", closeErr),
			)
		}
	}

	// Phase 4: Cleanup resources
	o.config.logger.Debug("shutdown phase 4: cleanup resources")
	for _, fn := range o.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	o.shutdownFuncs = nil
	if o.eventBus != nil {
		o.eventBus.Stop()
	}

	o.config.logger.Debug("graceful shutdown complete")
	close(o.done)
	return err
}

// ConnectionManager exposes the connections manager for user actions
// (authenticate, connect, disconnect).
func (o *Overlay) ConnectionManager() *connections.Manager {
	return o.connectionManager
}

// OverlayStore exposes the display set and presentation settings for the
// rendering layer.
func (o *Overlay) OverlayStore() *overlay.Store {
	return o.overlayStore
}

// History exposes the front history recorder.
func (o *Overlay) History() *history.Recorder {
	return o.historyRecorder
}
