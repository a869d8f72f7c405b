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

// Package event provides the typed publish/subscribe bus that connects the
// host adapter, the stores, and the controllers. Subscriptions are keyed by
// an opaque subscriber ID so they can be removed without holding on to the
// handler function itself.
package event

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SubscriberQueueSize is the buffer size of each subscriber channel
const SubscriberQueueSize = 20

type EventType string

// SubscriberID identifies a single subscription for later removal
type SubscriberID int

type HandlerFunc func(Event)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func New(eventType EventType, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

type subscriber struct {
	ch chan Event
	// refs counts the event types this subscriber is still registered
	// under; the channel closes when the last registration is removed
	refs   int
	closed bool
}

type Bus struct {
	logger      *slog.Logger
	subscribers map[EventType]map[SubscriberID]*subscriber
	metrics     struct {
		eventsTotal *prometheus.CounterVec
		subscribers *prometheus.GaugeVec
	}
	lastSubID SubscriberID
	mu        sync.RWMutex
}

// NewBus creates a new event bus. The prometheus registry and logger may
// both be nil.
func NewBus(promRegistry prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	b := &Bus{
		logger:      logger,
		subscribers: make(map[EventType]map[SubscriberID]*subscriber),
	}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		b.metrics.eventsTotal = promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontwatch_events_total",
				Help: "total events published by type",
			},
			[]string{"type"},
		)
		b.metrics.subscribers = promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontwatch_event_subscribers",
				Help: "current subscriber count by event type",
			},
			[]string{"type"},
		)
	}
	return b
}

// Subscribe registers for events of the given type and returns the
// subscription handle along with the delivery channel
func (b *Bus) Subscribe(eventType EventType) (SubscriberID, <-chan Event) {
	return b.SubscribeMany(eventType)
}

// SubscribeMany registers a single delivery channel for several event
// types under one subscription handle. Events of all the given types
// arrive on the one channel in publish order, so a consumer that must
// process related event types in arrival order gets that ordering
// structurally. The channel closes once the handle has been
// unsubscribed from every type.
func (b *Bus) SubscribeMany(
	eventTypes ...EventType,
) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{
		ch:   make(chan Event, SubscriberQueueSize),
		refs: len(eventTypes),
	}
	b.lastSubID++
	subID := b.lastSubID
	for _, eventType := range eventTypes {
		if _, ok := b.subscribers[eventType]; !ok {
			b.subscribers[eventType] = make(map[SubscriberID]*subscriber)
		}
		b.subscribers[eventType][subID] = sub
		if b.metrics.subscribers != nil {
			b.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
		}
	}
	return subID, sub.ch
}

// SubscribeFunc registers a callback for events of the given type. The
// callback runs on a dedicated goroutine that exits when the subscription
// is removed.
func (b *Bus) SubscribeFunc(
	eventType EventType,
	handlerFunc HandlerFunc,
) SubscriberID {
	subID, evtCh := b.Subscribe(eventType)
	go func() {
		for evt := range evtCh {
			handlerFunc(evt)
		}
	}()
	return subID
}

// Unsubscribe removes an existing subscription and closes its channel
func (b *Bus) Unsubscribe(eventType EventType, subID SubscriberID) {
	b.mu.Lock()
	var subToClose *subscriber
	if evtTypeSubs, ok := b.subscribers[eventType]; ok {
		if sub, ok2 := evtTypeSubs[subID]; ok2 && !sub.closed {
			delete(evtTypeSubs, subID)
			if len(evtTypeSubs) == 0 {
				delete(b.subscribers, eventType)
			}
			if b.metrics.subscribers != nil {
				b.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
			}
			sub.refs--
			if sub.refs <= 0 {
				sub.closed = true
				subToClose = sub
			}
		}
	}
	b.mu.Unlock()
	if subToClose != nil {
		close(subToClose.ch)
	}
}

// Publish sends an event to all subscribers of the given type
func (b *Bus) Publish(eventType EventType, evt Event) {
	// Gather subscriber channels inside the read lock to avoid racing
	// against Unsubscribe closing a channel mid-send
	b.mu.RLock()
	subList := make([]*subscriber, 0, len(b.subscribers[eventType]))
	for _, sub := range b.subscribers[eventType] {
		subList = append(subList, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subList {
		b.deliver(eventType, sub, evt)
	}
	if b.metrics.eventsTotal != nil {
		b.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
	}
}

func (b *Bus) deliver(eventType EventType, sub *subscriber, evt Event) {
	defer func() {
		// A subscriber closed concurrently with Publish can cause a send
		// on a closed channel; drop the event rather than crash
		if r := recover(); r != nil {
			b.logger.Debug(
				"dropped event for closed subscriber",
				"component", "eventbus",
				"type", eventType,
			)
		}
	}()
	sub.ch <- evt
}

// Stop closes all subscriber channels so SubscribeFunc goroutines exit
func (b *Bus) Stop() {
	b.mu.Lock()
	subsCopy := b.subscribers
	b.subscribers = make(map[EventType]map[SubscriberID]*subscriber)
	b.mu.Unlock()
	for _, evtTypeSubs := range subsCopy {
		for _, sub := range evtTypeSubs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	if b.metrics.subscribers != nil {
		b.metrics.subscribers.Reset()
	}
}
