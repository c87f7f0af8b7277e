// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
)

// FlightGroup collapses concurrent runs with the same fingerprint into
// a single graph execution. The leader drives the orchestrator; late
// callers attach as followers, receive a replay of everything emitted
// so far, then the live feed, and finish with the leader's result.
type FlightGroup struct {
	mu      sync.Mutex
	flights map[string]*Flight
}

// NewFlightGroup creates an empty group.
func NewFlightGroup() *FlightGroup {
	return &FlightGroup{flights: make(map[string]*Flight)}
}

// Flight is one in-progress execution shared by a leader and any
// followers. It implements Publisher by buffering every event and
// fanning it out to all attached sinks.
type Flight struct {
	mu       sync.Mutex
	buffer   []Event
	sinks    []*Sink
	finished bool
	bundle   *ResultBundle
	err      error
	done     chan struct{}
}

// Join attaches sink to the flight for fingerprint, creating it if
// absent. Returns leader=true for the caller that must execute the
// run; followers wait on the flight instead.
func (g *FlightGroup) Join(fingerprint string, sink *Sink) (*Flight, bool) {
	g.mu.Lock()
	f, ok := g.flights[fingerprint]
	if !ok {
		f = &Flight{done: make(chan struct{})}
		g.flights[fingerprint] = f
		g.mu.Unlock()
		f.attach(sink)
		return f, true
	}
	g.mu.Unlock()
	f.attach(sink)
	return f, false
}

// forget removes a finished flight so new requests start fresh (or hit
// the cache). Called by the leader before finishing, so a racing Join
// either attaches to the live flight or starts a new one.
func (g *FlightGroup) forget(fingerprint string) {
	g.mu.Lock()
	delete(g.flights, fingerprint)
	g.mu.Unlock()
}

// attach subscribes a sink, replaying the buffered prefix first so the
// follower sees the complete ordered feed.
func (f *Flight) attach(sink *Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ev := range f.buffer {
		sink.Publish(ev)
	}
	if f.finished {
		sink.Close()
		return
	}
	f.sinks = append(f.sinks, sink)
}

// Publish implements Publisher: buffer then fan out.
func (f *Flight) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.buffer = append(f.buffer, ev)
	for _, s := range f.sinks {
		s.Publish(ev)
	}
}

// finish publishes the terminal event (if any), records the shared
// result, and closes every attached sink. Idempotent via the finished
// flag.
func (f *Flight) finish(terminal *Event, bundle *ResultBundle, err error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	if terminal != nil {
		f.buffer = append(f.buffer, *terminal)
		for _, s := range f.sinks {
			s.Publish(*terminal)
		}
	}
	f.finished = true
	f.bundle = bundle
	f.err = err
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
	close(f.done)
}

// Wait blocks until the flight finishes or ctx is cancelled, returning
// the leader's result.
func (f *Flight) Wait(ctx context.Context) (*ResultBundle, error) {
	select {
	case <-f.done:
		return f.bundle, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
