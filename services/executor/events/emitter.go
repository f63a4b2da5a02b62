// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes an event. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(event *Event)

// Filter selects events for a subscription.
type Filter func(event *Event) bool

// Subscription is a registered handler.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter determines which events to handle (nil = all events).
	Filter Filter

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Emitter fans events out to subscribers and keeps a bounded history.
//
// # Description
//
// A panicking handler is recovered and logged; it never breaks the engine.
// The history buffer drops the oldest event once full.
//
// # Thread Safety
//
// Safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	now           func() time.Time
	logger        *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the history size (default: 1000).
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		e.now = now
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// NewEmitter creates an emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bufferSize < 1 {
		e.bufferSize = 1
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for the given types (none = all).
// Returns the subscription ID.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with an additional filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. Returns false if unknown.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscriptions[id]; !ok {
		return false
	}
	delete(e.subscriptions, id)
	return true
}

// Emit publishes an event.
//
// # Inputs
//
//   - eventType: Event type.
//   - runID, phaseID: Scope; may be empty for process-level events.
//   - data: Payload, one of the *Data types.
//
// # Outputs
//
//   - Event: The emitted event, with ID and timestamp assigned.
func (e *Emitter) Emit(eventType Type, runID, phaseID string, data any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RunID:     runID,
		PhaseID:   phaseID,
		Timestamp: e.now().UTC(),
		Data:      data,
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if shouldHandle(sub, &event) {
			e.safeInvokeHandler(sub.Handler, &event)
		}
	}
	return event
}

func (e *Emitter) safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r))
		}
	}()
	handler(event)
}

func shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 && !slices.Contains(sub.Types, event.Type) {
		return false
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// Buffer returns the retained history, oldest first.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	events := make([]Event, len(e.buffer))
	copy(events, e.buffer)
	return events
}

// BufferSince returns retained events strictly after since.
func (e *Emitter) BufferSince(since time.Time) []Event {
	return e.bufferWhere(func(ev *Event) bool { return ev.Timestamp.After(since) })
}

// BufferByType returns retained events of one type.
func (e *Emitter) BufferByType(eventType Type) []Event {
	return e.bufferWhere(func(ev *Event) bool { return ev.Type == eventType })
}

// BufferForRun returns retained events for one run.
func (e *Emitter) BufferForRun(runID string) []Event {
	return e.bufferWhere(func(ev *Event) bool { return ev.RunID == runID })
}

func (e *Emitter) bufferWhere(match func(*Event) bool) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var events []Event
	for i := range e.buffer {
		if match(&e.buffer[i]) {
			events = append(events, e.buffer[i])
		}
	}
	return events
}

// SubscriberCount returns the number of active subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}
