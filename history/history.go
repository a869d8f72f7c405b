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

// Package history records observed front states in a local SQLite
// database so the user can look back at who was fronting in past calls.
package history

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/openplural/frontwatch/event"
	"github.com/openplural/frontwatch/overlay"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultRetentionLimit caps how many history rows are kept
const DefaultRetentionLimit = 500

// FrontHistoryEntry is one observed front state for a (system, Discord
// user) pair.
type FrontHistoryEntry struct {
	ID            uint      `gorm:"primaryKey"`
	Timestamp     time.Time `gorm:"index"`
	SystemID      string    `gorm:"index"`
	SystemName    string
	MemberNames   string
	DiscordUserID string `gorm:"index"`
}

// RecorderConfig holds the dependencies of a history recorder.
type RecorderConfig struct {
	Logger *slog.Logger
	// EventBus delivers overlay display updates to record
	EventBus *event.Bus
	// DataDir selects the database location; empty means in-memory
	DataDir        string
	RetentionLimit int
}

// Recorder subscribes to display updates and appends front history rows,
// skipping consecutive duplicates per (system, Discord user).
type Recorder struct {
	logger         *slog.Logger
	eventBus       *event.Bus
	db             *gorm.DB
	retentionLimit int

	subID      event.SubscriberID
	subscribed bool
	mu         sync.Mutex
}

// NewRecorder creates a history recorder with its backing database.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.EventBus == nil {
		return nil, errors.New("history recorder requires an event bus")
	}
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var db *gorm.DB
	var err error
	if cfg.DataDir == "" {
		db, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
	} else {
		if _, statErr := os.Stat(cfg.DataDir); statErr != nil {
			if !errors.Is(statErr, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", statErr)
			}
			if mkErr := os.MkdirAll(cfg.DataDir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", mkErr)
			}
		}
		dbPath := filepath.Join(cfg.DataDir, "history.sqlite")
		connOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
		db, err = gorm.Open(
			sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
	}
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&FrontHistoryEntry{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	r := &Recorder{
		logger:         logger,
		eventBus:       cfg.EventBus,
		db:             db,
		retentionLimit: cfg.RetentionLimit,
	}
	if r.retentionLimit <= 0 {
		r.retentionLimit = DefaultRetentionLimit
	}
	return r, nil
}

// Start subscribes the recorder to display updates.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed {
		return errors.New("history recorder already started")
	}
	r.subID = r.eventBus.SubscribeFunc(
		overlay.DisplayUpdatedEventType,
		r.handleDisplayUpdated,
	)
	r.subscribed = true
	return nil
}

// Stop removes the subscription and closes the database.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed {
		r.eventBus.Unsubscribe(overlay.DisplayUpdatedEventType, r.subID)
		r.subscribed = false
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Recorder) handleDisplayUpdated(evt event.Event) {
	data, ok := evt.Data.(overlay.DisplayUpdatedEvent)
	if !ok {
		return
	}
	display := data.Display
	names := make([]string, 0, len(display.Members))
	for _, member := range display.Members {
		names = append(names, member.Name)
	}
	entry := FrontHistoryEntry{
		Timestamp:     display.Timestamp,
		SystemID:      display.SystemID,
		SystemName:    display.SystemName,
		MemberNames:   strings.Join(names, ", "),
		DiscordUserID: display.DiscordUserID,
	}
	if err := r.record(entry); err != nil {
		r.logger.Error(
			"failed to record front history",
			"component", "history",
			"system_id", display.SystemID,
			"error", err,
		)
	}
}

// record appends an entry unless it duplicates the most recent entry for
// the same (system, Discord user) pair, then prunes beyond retention.
func (r *Recorder) record(entry FrontHistoryEntry) error {
	var last FrontHistoryEntry
	result := r.db.
		Where(
			"system_id = ? AND discord_user_id = ?",
			entry.SystemID,
			entry.DiscordUserID,
		).
		Order("id DESC").
		Limit(1).
		Find(&last)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && last.MemberNames == entry.MemberNames {
		return nil
	}
	if err := r.db.Create(&entry).Error; err != nil {
		return err
	}
	return r.prune()
}

func (r *Recorder) prune() error {
	var count int64
	if err := r.db.Model(&FrontHistoryEntry{}).Count(&count).Error; err != nil {
		return err
	}
	excess := count - int64(r.retentionLimit)
	if excess <= 0 {
		return nil
	}
	return r.db.
		Where(
			"id IN (?)",
			r.db.Model(&FrontHistoryEntry{}).
				Select("id").
				Order("id ASC").
				Limit(int(excess)),
		).
		Delete(&FrontHistoryEntry{}).Error
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(limit int) ([]FrontHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []FrontHistoryEntry
	err := r.db.
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
