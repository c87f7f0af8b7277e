// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"time"

	"archpilot/platform/engine/llm"
)

// scriptedModel scripts fake completions per agent id and records call
// counts. Shared by every client the factory hands out.
type scriptedModel struct {
	mu       sync.Mutex
	calls    map[string]int
	replies  map[string]string
	sequence map[string][]string
	errs     map[string]error
	errTimes map[string]int
	delay    time.Duration
	delays   map[string]time.Duration
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		calls:    make(map[string]int),
		replies:  make(map[string]string),
		sequence: make(map[string][]string),
		errs:     make(map[string]error),
		errTimes: make(map[string]int),
		delays:   make(map[string]time.Duration),
	}
}

// approveAll scripts a happy-path run: every agent returns substantive
// text and the auditor approves on first pass.
func (m *scriptedModel) approveAll() *scriptedModel {
	m.replies["requirements"] = "READY"
	m.replies["refine"] = "refined requirements"
	m.replies["design"] = "primary design"
	m.replies["rival_design"] = "alternative design"
	m.replies["security"] = "security report"
	m.replies["cost"] = "cost report"
	m.replies["reliability"] = "reliability report"
	m.replies["audit"] = "APPROVED looks solid"
	m.replies["recommend"] = "RECOMMEND: go with the primary design"
	m.replies["terraform"] = `resource "aws_vpc" "main" {}`
	return m
}

func (m *scriptedModel) setReply(agent, reply string) *scriptedModel {
	m.mu.Lock()
	m.replies[agent] = reply
	m.mu.Unlock()
	return m
}

// setSequence scripts successive replies for one agent; the final
// entry repeats once the sequence is exhausted.
func (m *scriptedModel) setSequence(agent string, replies ...string) *scriptedModel {
	m.mu.Lock()
	m.sequence[agent] = replies
	m.mu.Unlock()
	return m
}

func (m *scriptedModel) setErr(agent string, err error) *scriptedModel {
	m.mu.Lock()
	m.errs[agent] = err
	m.errTimes[agent] = 0
	m.mu.Unlock()
	return m
}

// setDelay makes one agent's calls take d, on top of the global delay.
func (m *scriptedModel) setDelay(agent string, d time.Duration) *scriptedModel {
	m.mu.Lock()
	m.delays[agent] = d
	m.mu.Unlock()
	return m
}

// setErrTimes fails the first n calls for an agent, then succeeds.
func (m *scriptedModel) setErrTimes(agent string, err error, n int) *scriptedModel {
	m.mu.Lock()
	m.errs[agent] = err
	m.errTimes[agent] = n
	m.mu.Unlock()
	return m
}

func (m *scriptedModel) callCount(agent string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[agent]
}

func (m *scriptedModel) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func (m *scriptedModel) factory(role Role) (llm.Provider, error) {
	return &scriptedClient{model: m}, nil
}

type scriptedClient struct {
	model *scriptedModel
}

func (c *scriptedClient) Name() string            { return "scripted" }
func (c *scriptedClient) Type() llm.ProviderType  { return llm.ProviderTypeFake }
func (c *scriptedClient) SupportsStreaming() bool { return false }

func (c *scriptedClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	agent, _ := req.Metadata["agent"].(string)

	c.model.mu.Lock()
	c.model.calls[agent]++
	attempt := c.model.calls[agent]
	reply := c.model.replies[agent]
	if seq := c.model.sequence[agent]; len(seq) > 0 {
		idx := attempt - 1
		if idx >= len(seq) {
			idx = len(seq) - 1
		}
		reply = seq[idx]
	}
	err := c.model.errs[agent]
	if times := c.model.errTimes[agent]; times > 0 && attempt > times {
		err = nil
	}
	delay := c.model.delay + c.model.delays[agent]
	c.model.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if reply == "" {
		reply = "output from " + agent
	}
	return &llm.CompletionResponse{
		Content: reply,
		Model:   "scripted",
		Usage:   llm.UsageStats{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}, nil
}

// testPool builds a small pool over the scripted model.
func testPool(m *scriptedModel) *Pool {
	p, err := NewPool(PoolConfig{
		Size: map[Role]int{
			RoleCapable:  2,
			RoleCreative: 1,
			RoleMini:     3,
		},
		MaxOverflow: 2,
	}, m.factory, nil)
	if err != nil {
		panic(err)
	}
	return p
}

// testOrchestrator wires an orchestrator with fast retries over the
// scripted model.
func testOrchestrator(m *scriptedModel, maxRevisions int) *Orchestrator {
	retry := llm.DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	retry.MaxBackoff = 5 * time.Millisecond

	o, err := NewOrchestrator(DefaultGraph(), testPool(m), OrchestratorConfig{
		MaxRevisions: maxRevisions,
		NodeTimeout:  5 * time.Second,
		Retry:        retry,
	}, nil, nil)
	if err != nil {
		panic(err)
	}
	return o
}

// collect drains a sink into a slice.
func collect(sink *Sink) []Event {
	var out []Event
	for ev := range sink.Subscribe() {
		out = append(out, ev)
	}
	return out
}

// countType counts events of one type.
func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
