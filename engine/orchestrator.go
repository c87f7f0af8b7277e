// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"archpilot/platform/engine/llm"
	"archpilot/platform/shared/logger"
)

// OrchestratorConfig tunes graph execution policy.
type OrchestratorConfig struct {
	// MaxRevisions bounds the audit back-edge. The design stage runs
	// at most MaxRevisions+1 times.
	MaxRevisions int

	// NodeTimeout is the deadline applied to each node's model call,
	// covering all its retry attempts.
	NodeTimeout time.Duration

	// Retry is the per-node retry policy for transient model errors.
	Retry llm.RetryConfig
}

// DefaultOrchestratorConfig returns the default execution policy.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxRevisions: 1,
		NodeTimeout:  3 * time.Minute,
		Retry:        llm.DefaultRetryConfig(),
	}
}

// Orchestrator executes the agent graph against a run state, enforcing
// stage order, parallel-group barriers, the clarification
// short-circuit, and the bounded revision loop.
type Orchestrator struct {
	graph   *Graph
	pool    *Pool
	cfg     OrchestratorConfig
	log     *logger.Logger
	metrics *Metrics
}

// NewOrchestrator wires an orchestrator. The graph is validated once
// here so Execute can trust its structure.
func NewOrchestrator(graph *Graph, pool *Pool, cfg OrchestratorConfig, log *logger.Logger, metrics *Metrics) (*Orchestrator, error) {
	if graph == nil {
		graph = DefaultGraph()
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if pool == nil {
		return nil, fmt.Errorf("orchestrator requires a client pool")
	}
	if cfg.MaxRevisions < 0 {
		cfg.MaxRevisions = 0
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultOrchestratorConfig().NodeTimeout
	}
	if log == nil {
		log = logger.New("orchestrator")
	}
	return &Orchestrator{graph: graph, pool: pool, cfg: cfg, log: log, metrics: metrics}, nil
}

// Execute runs the graph to a terminal state, publishing node-level
// events to sink. The terminal event itself is published by the
// caller, which also owns sink closure. Returns the state on success;
// a *PipelineError on node failure; ctx.Err() on cancellation.
func (o *Orchestrator) Execute(ctx context.Context, state *RunState, sink Publisher) (*RunState, error) {
	// Conditional entry: only when the caller supplied no answers yet.
	if o.graph.EntryStage != nil && state.Request.UserAnswers == "" {
		if err := o.runStage(ctx, *o.graph.EntryStage, state, sink); err != nil {
			return nil, err
		}
		if state.ClarificationNeeded {
			state.Status = StatusComplete
			o.log.Info(state.RunID, "run short-circuited for clarification", nil)
			return state, nil
		}
	}

	revisionTarget := o.graph.stageIndex(o.graph.RevisionTarget)

	for i := 0; i < len(o.graph.Stages); i++ {
		stage := o.graph.Stages[i]
		if err := o.runStage(ctx, stage, state, sink); err != nil {
			return nil, err
		}

		if stage.Name != o.graph.AuditStage {
			continue
		}

		switch state.Status {
		case StatusApproved:
			// fall through to the next stage
		case StatusNeedsRevision:
			if state.RevisionCount >= o.cfg.MaxRevisions {
				return nil, NewPipelineError(KindRevisionLimitExceeded, stage.Name,
					fmt.Errorf("audit rejected the design %d times", state.RevisionCount+1))
			}
			state.RevisionCount++
			state.Status = StatusPending
			o.log.Info(state.RunID, "audit requested revision", map[string]interface{}{
				"revision": state.RevisionCount,
			})
			i = revisionTarget - 1
		default:
			return nil, NewPipelineError(KindPermanentService, stage.Name,
				fmt.Errorf("audit produced unexpected status %q", state.Status))
		}
	}

	state.Status = StatusComplete
	return state, nil
}

// runStage executes a stage's nodes, concurrently for a parallel
// group, and merges their deltas at the barrier.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, state *RunState, sink Publisher) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !stage.Parallel() {
		delta, err := o.runNode(ctx, stage.Nodes[0], state, sink)
		if err != nil {
			return err
		}
		state.apply(delta)
		return nil
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deltas := make([]Delta, len(stage.Nodes))
	errs := make([]error, len(stage.Nodes))

	var wg sync.WaitGroup
	for idx, node := range stage.Nodes {
		wg.Add(1)
		go func(idx int, node *AgentSpec) {
			defer wg.Done()
			delta, err := o.runNode(groupCtx, node, state, sink)
			if err != nil {
				errs[idx] = err
				cancel() // abort siblings
				return
			}
			deltas[idx] = delta
		}(idx, node)
	}
	wg.Wait()

	// A failing node cancels groupCtx, so its siblings report bare
	// cancellations. Surface the real failure; fall back to a
	// cancellation only when nothing else went wrong.
	var cancelled error
	for _, err := range errs {
		switch {
		case err == nil:
		case isCancellation(err):
			cancelled = err
		default:
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if cancelled != nil {
		return cancelled
	}

	for _, delta := range deltas {
		state.apply(delta)
	}
	return nil
}

func isCancellation(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// runNode borrows a pool client, issues the node's completion call
// with retry, emits lifecycle events, and returns the node's delta.
func (o *Orchestrator) runNode(ctx context.Context, node *AgentSpec, state *RunState, sink Publisher) (Delta, error) {
	client, release, err := o.pool.Acquire(ctx, node.Role)
	if err != nil {
		if ctx.Err() != nil {
			return Delta{}, ctx.Err()
		}
		return Delta{}, ClassifyNodeError(node.ID, err)
	}
	defer release()

	sink.Publish(Event{Type: EventAgentStart, Agent: node.ID})
	start := time.Now()

	system, user := node.BuildPrompt(state)
	req := llm.CompletionRequest{
		SystemPrompt: system,
		Prompt:       user,
		Metadata:     map[string]any{"agent": node.ID, "run_id": state.RunID},
	}

	nodeCtx, cancel := context.WithTimeout(ctx, o.cfg.NodeTimeout)
	defer cancel()

	resp, err := llm.RetryWithBackoff(nodeCtx, o.cfg.Retry, func(callCtx context.Context) (*llm.CompletionResponse, error) {
		return o.complete(callCtx, client, node, req, sink)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Delta{}, ctx.Err()
		}
		o.log.ErrorWith(state.RunID, "agent node failed", err, map[string]interface{}{
			"agent": node.ID,
		})
		return Delta{}, ClassifyNodeError(node.ID, err)
	}

	if o.metrics != nil {
		o.metrics.ObserveNode(node.ID, time.Since(start))
	}
	o.log.InfoWithDuration(state.RunID, "agent node completed",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"agent":  node.ID,
			"tokens": resp.Usage.TotalTokens,
		})

	state.AppendTranscript(node.ID, resp.Content)
	delta := node.delta(state, resp.Content)

	for field, content := range delta.Fields {
		sink.Publish(Event{Type: EventFieldUpdate, Agent: node.ID, Field: field, Content: content})
	}
	sink.Publish(Event{Type: EventAgentComplete, Agent: node.ID})

	return delta, nil
}

// complete issues one model call, streaming token events when both the
// node and the client support it.
func (o *Orchestrator) complete(ctx context.Context, client llm.Provider, node *AgentSpec, req llm.CompletionRequest, sink Publisher) (*llm.CompletionResponse, error) {
	if node.Streaming {
		if sp, ok := client.(llm.StreamingProvider); ok && client.SupportsStreaming() {
			streamReq := req
			streamReq.Stream = true
			return sp.CompleteStream(ctx, streamReq, func(chunk llm.StreamChunk) error {
				if chunk.Content != "" {
					sink.Publish(Event{Type: EventToken, Agent: node.ID, Content: chunk.Content})
				}
				return ctx.Err()
			})
		}
	}
	return client.Complete(ctx, req)
}
