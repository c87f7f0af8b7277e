// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"archpilot/platform/cachestore"
	"archpilot/platform/engine/llm"
	"archpilot/platform/history"
)

func testService(model *scriptedModel) *Service {
	cache := NewResultCache(cachestore.NewMemoryStore(), time.Hour, nil, nil)
	return NewService(testOrchestrator(model, 1), cache, nil, nil, nil, nil)
}

// captureRecorder collects run records synchronously.
type captureRecorder struct {
	mu   sync.Mutex
	recs []history.RunRecord
}

func (r *captureRecorder) RecordAsync(rec history.RunRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *captureRecorder) records() []history.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.RunRecord(nil), r.recs...)
}

func terminalEvents(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunScenarioApprovedFirstPass(t *testing.T) {
	model := newScriptedModel().approveAll()
	svc := testService(model)
	sink := NewSinkSize(2048)

	bundle, err := svc.Run(context.Background(), testRequest(), sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := collect(sink)
	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].Type != EventComplete {
		t.Fatalf("terminal events = %+v, want exactly one complete", terms)
	}
	if !events[len(events)-1].IsTerminal() {
		t.Error("terminal event is not last")
	}

	summary := terms[0].Summary
	if summary == nil || summary.Fields[FieldDesign] == "" || summary.Fields[FieldRecommendation] == "" {
		t.Errorf("complete summary missing core fields: %+v", summary)
	}
	if bundle.RevisionCount != 0 {
		t.Errorf("revision count = %d, want 0", bundle.RevisionCount)
	}
}

func TestRunSecondCallHitsCache(t *testing.T) {
	model := newScriptedModel().approveAll()
	svc := testService(model)

	sink1 := NewSinkSize(2048)
	if _, err := svc.Run(context.Background(), testRequest(), sink1); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	collect(sink1)
	firstCalls := model.totalCalls()

	sink2 := NewSinkSize(256)
	bundle, err := svc.Run(context.Background(), testRequest(), sink2)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if model.totalCalls() != firstCalls {
		t.Errorf("cache hit still invoked agents: %d -> %d calls", firstCalls, model.totalCalls())
	}

	events := collect(sink2)
	if len(events) == 0 || events[0].Type != EventCacheHit {
		t.Fatalf("first event = %+v, want cache_hit", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventComplete || !last.Cached {
		t.Errorf("last event = %+v, want cached complete", last)
	}
	if bundle.Fields[FieldDesign] == "" {
		t.Error("cached bundle missing design")
	}

	// The replay mirrors a live run: a start/update/complete triplet
	// per agent, in graph order, with the cached content attached.
	agents := []string{"refine", "design", "rival_design", "security", "cost", "reliability", "audit", "recommend", "terraform"}
	replay := events[1 : len(events)-1]
	if len(replay) != 3*len(agents) {
		t.Fatalf("replay event count = %d, want %d", len(replay), 3*len(agents))
	}
	for i, agent := range agents {
		start, update, done := replay[3*i], replay[3*i+1], replay[3*i+2]
		if start.Type != EventAgentStart || start.Agent != agent {
			t.Errorf("replay[%d] = %+v, want agent_start for %s", 3*i, start, agent)
		}
		if update.Type != EventFieldUpdate || update.Agent != agent {
			t.Errorf("replay[%d] = %+v, want field_update for %s", 3*i+1, update, agent)
		}
		if update.Content == "" || update.Content != bundle.Fields[update.Field] {
			t.Errorf("field_update %s content = %q, want cached field text", update.Field, update.Content)
		}
		if done.Type != EventAgentComplete || done.Agent != agent {
			t.Errorf("replay[%d] = %+v, want agent_complete for %s", 3*i+2, done, agent)
		}
	}
}

func TestRunRecordsCacheHit(t *testing.T) {
	model := newScriptedModel().approveAll()
	cache := NewResultCache(cachestore.NewMemoryStore(), time.Hour, nil, nil)
	recorder := &captureRecorder{}
	svc := NewService(testOrchestrator(model, 1), cache, nil, recorder, nil, nil)

	sink1 := NewSinkSize(2048)
	if _, err := svc.Run(context.Background(), testRequest(), sink1); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	collect(sink1)

	sink2 := NewSinkSize(256)
	if _, err := svc.Run(context.Background(), testRequest(), sink2); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	collect(sink2)

	recs := recorder.records()
	if len(recs) != 2 {
		t.Fatalf("recorded runs = %d, want 2", len(recs))
	}
	if recs[0].Cached {
		t.Error("first run recorded as cached")
	}
	if !recs[1].Cached {
		t.Error("cache-hit run not recorded as cached")
	}
	if recs[1].Status != string(StatusComplete) {
		t.Errorf("cache-hit status = %s, want %s", recs[1].Status, StatusComplete)
	}
}

func TestRunParallelFailureEmitsErrorEvent(t *testing.T) {
	// A failing parallel node cancels its in-flight sibling; the run
	// must still terminate with an error event, not a silent close.
	model := newScriptedModel().approveAll()
	model.setDelay("design", 200*time.Millisecond)
	model.setErr("rival_design", llm.NewProviderError("fake", llm.ErrCodeAuth, "bad key"))
	svc := testService(model)
	sink := NewSinkSize(2048)

	_, err := svc.Run(context.Background(), testRequest(), sink)
	if err == nil {
		t.Fatal("expected run failure")
	}

	events := collect(sink)
	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].Type != EventError {
		t.Fatalf("terminal events = %+v, want exactly one error", terms)
	}
	if terms[0].Message == "" {
		t.Error("error event has no message")
	}
}

func TestRunNormalizedInputHitsCache(t *testing.T) {
	model := newScriptedModel().approveAll()
	svc := testService(model)

	sink1 := NewSinkSize(2048)
	if _, err := svc.Run(context.Background(), testRequest(), sink1); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	collect(sink1)
	firstCalls := model.totalCalls()

	// Same request, different incidental formatting.
	req := testRequest()
	req.Text = "  build A   WEB app "

	sink2 := NewSinkSize(256)
	if _, err := svc.Run(context.Background(), req, sink2); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	collect(sink2)

	if model.totalCalls() != firstCalls {
		t.Error("normalized-equivalent input missed the cache")
	}
}

func TestRunSingleFlight(t *testing.T) {
	model := newScriptedModel().approveAll()
	model.delay = 30 * time.Millisecond // keep the leader in flight
	svc := testService(model)

	const n = 5
	var wg sync.WaitGroup
	bundles := make([]*ResultBundle, n)
	errs := make([]error, n)
	eventLists := make([][]Event, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sink := NewSinkSize(4096)
			done := make(chan struct{})
			var events []Event
			go func() {
				events = collect(sink)
				close(done)
			}()
			bundles[i], errs[i] = svc.Run(context.Background(), testRequest(), sink)
			<-done
			eventLists[i] = events
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}

	// Exactly one orchestrator execution: each agent called once.
	if got := model.callCount("design"); got != 1 {
		t.Errorf("design called %d times across %d concurrent callers, want 1", got, n)
	}

	// All callers share the identical terminal result.
	for i := 1; i < n; i++ {
		if bundles[i].Fields[FieldDesign] != bundles[0].Fields[FieldDesign] {
			t.Errorf("caller %d got a different bundle", i)
		}
	}

	// Every caller's feed ends with exactly one terminal event.
	for i := 0; i < n; i++ {
		terms := terminalEvents(eventLists[i])
		if len(terms) != 1 || terms[0].Type != EventComplete {
			t.Errorf("caller %d: terminal events = %d", i, len(terms))
		}
	}
}

func TestRunErrorEmitsSingleErrorEvent(t *testing.T) {
	model := newScriptedModel().approveAll()
	model.setErr("design", llm.NewProviderError("fake", llm.ErrCodeInvalidRequest, "prompt too large"))
	svc := testService(model)
	sink := NewSinkSize(2048)

	_, err := svc.Run(context.Background(), testRequest(), sink)
	if err == nil {
		t.Fatal("expected run error")
	}

	events := collect(sink)
	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].Type != EventError {
		t.Fatalf("terminal events = %+v, want exactly one error", terms)
	}
	if terms[0].Message == "" {
		t.Error("error event missing message")
	}
	if !events[len(events)-1].IsTerminal() {
		t.Error("events emitted after terminal")
	}
}

func TestRunErrorIsNotCached(t *testing.T) {
	model := newScriptedModel().approveAll()
	model.setErrTimes("design", llm.NewProviderError("fake", llm.ErrCodeAuth, "bad key"), 99)
	svc := testService(model)

	sink1 := NewSinkSize(2048)
	if _, err := svc.Run(context.Background(), testRequest(), sink1); err == nil {
		t.Fatal("expected first run to fail")
	}
	collect(sink1)

	// Fix the model; the second run must execute, not replay a cached
	// failure.
	model.setErr("design", nil)
	sink2 := NewSinkSize(2048)
	bundle, err := svc.Run(context.Background(), testRequest(), sink2)
	collect(sink2)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if bundle.Status != StatusComplete {
		t.Errorf("status = %s", bundle.Status)
	}
}

func TestRunClarificationNotCached(t *testing.T) {
	model := newScriptedModel().approveAll()
	model.setSequence("requirements", "1. Which cloud provider?", "READY")
	svc := testService(model)

	sink1 := NewSinkSize(256)
	b1, err := svc.Run(context.Background(), testRequest(), sink1)
	collect(sink1)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if !b1.ClarificationNeeded {
		t.Fatal("first run should request clarification")
	}

	// Same request again: the clarification outcome must not have been
	// cached, so the full pipeline runs this time.
	sink2 := NewSinkSize(2048)
	b2, err := svc.Run(context.Background(), testRequest(), sink2)
	collect(sink2)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if b2.ClarificationNeeded {
		t.Error("clarification outcome was cached")
	}
	if b2.Fields[FieldDesign] == "" {
		t.Error("second run produced no design")
	}
}

func TestRunCancellationClosesWithoutTerminal(t *testing.T) {
	model := newScriptedModel().approveAll()
	model.delay = 200 * time.Millisecond
	svc := testService(model)
	sink := NewSinkSize(2048)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Run(ctx, testRequest(), sink)
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	events := collect(sink)
	if n := len(terminalEvents(events)); n != 0 {
		t.Errorf("cancellation emitted %d terminal events, want 0", n)
	}
}
