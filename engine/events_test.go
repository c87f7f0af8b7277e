// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"testing"
	"time"
)

func TestSinkPreservesPublishOrder(t *testing.T) {
	sink := NewSink()
	for i := 0; i < 10; i++ {
		sink.Publish(Event{Type: EventToken, Content: string(rune('a' + i))})
	}
	sink.Publish(Event{Type: EventComplete})
	sink.Close()

	var got []Event
	for ev := range sink.Subscribe() {
		got = append(got, ev)
	}

	if len(got) != 11 {
		t.Fatalf("event count = %d, want 11", len(got))
	}
	for i := 0; i < 10; i++ {
		if got[i].Content != string(rune('a'+i)) {
			t.Errorf("event %d out of order: %q", i, got[i].Content)
		}
	}
	if !got[10].IsTerminal() {
		t.Error("terminal event not last")
	}
}

func TestSinkPublishAfterCloseIsNoop(t *testing.T) {
	sink := NewSink()
	sink.Publish(Event{Type: EventComplete})
	sink.Close()

	// Must not panic or reopen the stream.
	sink.Publish(Event{Type: EventToken, Content: "late"})
	sink.Close()

	count := 0
	for range sink.Subscribe() {
		count++
	}
	if count != 1 {
		t.Errorf("event count after close = %d, want 1", count)
	}
}

func TestSinkStampsTimestamps(t *testing.T) {
	sink := NewSink()
	before := time.Now()
	sink.Publish(Event{Type: EventAgentStart, Agent: "design"})
	sink.Close()

	ev := <-sink.Subscribe()
	if ev.Timestamp.Before(before) {
		t.Error("timestamp not stamped at publish time")
	}
}

func TestSinkConcurrentPublishersWholeEvents(t *testing.T) {
	sink := NewSinkSize(1024)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			agent := string(rune('A' + g))
			for i := 0; i < 50; i++ {
				sink.Publish(Event{Type: EventToken, Agent: agent, Content: "t"})
			}
		}(g)
	}
	wg.Wait()
	sink.Close()

	perAgent := make(map[string]int)
	for ev := range sink.Subscribe() {
		perAgent[ev.Agent]++
	}
	for g := 0; g < 4; g++ {
		agent := string(rune('A' + g))
		if perAgent[agent] != 50 {
			t.Errorf("agent %s: %d events, want 50", agent, perAgent[agent])
		}
	}
}
