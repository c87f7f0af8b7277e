// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"archpilot/platform/history"
	"archpilot/platform/shared/logger"
)

// LessonsProvider feeds historical context into a run. Implemented by
// history.LearningService.
type LessonsProvider interface {
	Context(ctx context.Context, runID, requirements string) string
}

// RunRecorder persists completed-run summaries. Implemented by
// history.RunWriter.
type RunRecorder interface {
	RecordAsync(rec history.RunRecord)
}

// Service is the engine's front door: it fingerprints the request,
// consults the result cache, collapses concurrent identical requests
// into one execution, runs the orchestrator, and guarantees exactly
// one terminal event on the caller's sink.
type Service struct {
	orchestrator *Orchestrator
	cache        *ResultCache
	flights      *FlightGroup
	lessons      LessonsProvider
	recorder     RunRecorder
	log          *logger.Logger
	metrics      *Metrics
}

// NewService wires the engine service. lessons and recorder are
// optional.
func NewService(orch *Orchestrator, cache *ResultCache, lessons LessonsProvider, recorder RunRecorder, log *logger.Logger, metrics *Metrics) *Service {
	if log == nil {
		log = logger.New("engine")
	}
	if cache == nil {
		cache = NewResultCache(nil, 0, log, metrics)
	}
	return &Service{
		orchestrator: orch,
		cache:        cache,
		flights:      NewFlightGroup(),
		lessons:      lessons,
		recorder:     recorder,
		log:          log,
		metrics:      metrics,
	}
}

// Run executes a design request, streaming progress to sink. The sink
// always receives exactly one terminal event (complete or error) and
// is closed before Run returns — except on caller cancellation, which
// closes the sink without a terminal event. The returned bundle is nil
// only on error or cancellation.
func (s *Service) Run(ctx context.Context, req DesignRequest, sink *Sink) (*ResultBundle, error) {
	runID := uuid.New().String()
	fingerprint := Fingerprint(req)
	start := time.Now()

	s.log.Info(runID, "run requested", map[string]interface{}{
		"fingerprint": fingerprint[:12],
		"scenario":    req.Config.Scenario,
	})

	// Cache first: a hit skips the orchestrator entirely.
	if bundle, ok := s.cache.Lookup(ctx, fingerprint); ok {
		s.log.Info(runID, "cache hit", nil)
		sink.Publish(Event{Type: EventCacheHit})
		s.replay(bundle, sink)
		sink.Publish(Event{Type: EventComplete, Summary: bundle, Cached: true})
		sink.Close()
		s.record(runID, fingerprint, req, bundle.Status, bundle.RevisionCount, true, time.Since(start))
		return bundle, nil
	}

	flight, leader := s.flights.Join(fingerprint, sink)
	if !leader {
		s.log.Info(runID, "joined in-flight run", map[string]interface{}{
			"fingerprint": fingerprint[:12],
		})
		return flight.Wait(ctx)
	}

	state := NewRunState(runID, req)
	if s.lessons != nil {
		state.LessonsContext = s.lessons.Context(ctx, runID, req.Text)
	}

	final, err := s.orchestrator.Execute(ctx, state, flight)

	// Cancellation is terminal but not an error: release everyone
	// without publishing error.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		s.flights.forget(fingerprint)
		flight.finish(nil, nil, err)
		s.log.Info(runID, "run cancelled", nil)
		return nil, err
	}

	if err != nil {
		perr := ClassifyNodeError("", err)
		s.flights.forget(fingerprint)
		flight.finish(&Event{Type: EventError, Message: perr.Error()}, nil, perr)
		if s.metrics != nil {
			s.metrics.ObserveRun(StatusError, time.Since(start))
		}
		s.record(runID, fingerprint, req, StatusError, 0, false, time.Since(start))
		return nil, perr
	}

	bundle := final.Bundle()

	// Warm the cache before forgetting the flight so a racing
	// identical request either attaches in time or hits the cache.
	if s.cache.ShouldCache(bundle) {
		s.cache.Store(ctx, fingerprint, bundle)
	}
	s.flights.forget(fingerprint)
	flight.finish(&Event{Type: EventComplete, Summary: bundle}, bundle, nil)

	if s.metrics != nil {
		s.metrics.ObserveRun(bundle.Status, time.Since(start))
		for i := 0; i < bundle.RevisionCount; i++ {
			s.metrics.ObserveRevision()
		}
	}
	s.record(runID, fingerprint, req, bundle.Status, bundle.RevisionCount, false, time.Since(start))

	s.log.InfoWithDuration(runID, "run completed",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"revisions":     bundle.RevisionCount,
			"clarification": bundle.ClarificationNeeded,
		})
	return bundle, nil
}

// PoolStats exposes the orchestrator pool snapshot.
func (s *Service) PoolStats() PoolStats {
	return s.orchestrator.pool.Stats()
}

// CacheStats exposes the result cache counters.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// replay re-emits the per-agent lifecycle for a cached bundle in graph
// order, so stream consumers see the same event shape as a live run.
func (s *Service) replay(bundle *ResultBundle, sink Publisher) {
	for _, stage := range s.orchestrator.graph.Stages {
		for _, node := range stage.Nodes {
			content, ok := bundle.Fields[node.Field]
			if !ok {
				continue
			}
			sink.Publish(Event{Type: EventAgentStart, Agent: node.ID})
			sink.Publish(Event{Type: EventFieldUpdate, Agent: node.ID, Field: node.Field, Content: content})
			sink.Publish(Event{Type: EventAgentComplete, Agent: node.ID})
		}
	}
}

func (s *Service) record(runID, fingerprint string, req DesignRequest, status Status, revisions int, cached bool, elapsed time.Duration) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordAsync(history.RunRecord{
		RunID:         runID,
		Fingerprint:   fingerprint,
		Status:        string(status),
		Scenario:      req.Config.Scenario,
		CloudProvider: req.Config.CloudProvider,
		RevisionCount: revisions,
		Cached:        cached,
		DurationMS:    elapsed.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	})
}
