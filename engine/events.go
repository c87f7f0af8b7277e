// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"
)

// EventType tags a live progress event.
type EventType string

const (
	EventAgentStart    EventType = "agent_start"
	EventToken         EventType = "token"
	EventFieldUpdate   EventType = "field_update"
	EventAgentComplete EventType = "agent_complete"
	EventCacheHit      EventType = "cache_hit"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Event is one item of a run's progress feed. Immutable once
// published.
type Event struct {
	Type      EventType     `json:"type"`
	Agent     string        `json:"agent,omitempty"`
	Content   string        `json:"content,omitempty"`
	Field     string        `json:"field,omitempty"`
	Message   string        `json:"message,omitempty"`
	Summary   *ResultBundle `json:"summary,omitempty"`
	Cached    bool          `json:"cached,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Publisher is the write side of an event feed. Satisfied by Sink and
// by the single-flight fan-out.
type Publisher interface {
	Publish(Event)
}

// defaultSinkBuffer sizes the sink channel so token bursts from a
// parallel group rarely block publishers on a slow consumer.
const defaultSinkBuffer = 256

// Sink is an ordered, lossless, single-consumer event channel for one
// run. Publish after Close is a no-op, so late publishers racing a
// terminal event cannot panic or reorder the terminal guarantee.
type Sink struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// NewSink creates a sink with the default buffer.
func NewSink() *Sink {
	return NewSinkSize(defaultSinkBuffer)
}

// NewSinkSize creates a sink with an explicit buffer size.
func NewSinkSize(buffer int) *Sink {
	if buffer < 1 {
		buffer = 1
	}
	return &Sink{ch: make(chan Event, buffer)}
}

// Publish emits an event. Stamps the event time if unset. Blocks when
// the buffer is full and a consumer is attached; discards silently
// after Close.
func (s *Sink) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- ev
}

// Subscribe returns the event sequence. The channel closes after the
// terminal event. Consumable once; a second subscriber would steal
// events from the first.
func (s *Sink) Subscribe() <-chan Event {
	return s.ch
}

// Close ends the stream. Idempotent.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
