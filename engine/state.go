// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the agent orchestration core: a staged
// graph of model-backed agents executed against a shared run state,
// with role-partitioned client pooling, live event streaming, and
// fingerprint-keyed result caching.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle status of a pipeline run.
type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusNeedsRevision Status = "needs_revision"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// DesignConfig is the configuration enum set attached to a run request.
// Values are free-form strings validated at the API boundary; the
// engine treats them as opaque prompt context and fingerprint input.
type DesignConfig struct {
	Scenario      string `json:"scenario" yaml:"scenario"`             // greenfield | migration | custom
	CostBias      string `json:"cost_bias" yaml:"cost_bias"`           // cost | balanced | performance
	Compliance    string `json:"compliance" yaml:"compliance"`         // none | standard | strict
	Reliability   string `json:"reliability" yaml:"reliability"`       // standard | high | mission_critical
	Strictness    string `json:"strictness" yaml:"strictness"`         // lenient | standard | strict
	CloudProvider string `json:"cloud_provider" yaml:"cloud_provider"` // aws | azure | gcp
}

// DesignRequest is the inbound run request.
type DesignRequest struct {
	Text        string       `json:"text"`
	UserAnswers string       `json:"user_answers,omitempty"`
	Config      DesignConfig `json:"configuration"`
}

// Output field names written by agent nodes. Each field has exactly
// one writer per revision pass.
const (
	FieldRequirementsQuestions = "requirements_questions"
	FieldRefinedRequirements   = "refined_requirements"
	FieldDesign                = "design"
	FieldRivalDesign           = "rival_design"
	FieldSecurityReport        = "security_report"
	FieldCostReport            = "cost_report"
	FieldReliabilityReport     = "reliability_report"
	FieldAuditReport           = "audit_report"
	FieldRecommendation        = "recommendation"
	FieldTerraformCode         = "terraform_code"
)

// TranscriptChunk is one agent-labelled piece of the run transcript.
type TranscriptChunk struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// RunState is the single mutable record threaded through the graph for
// one pipeline execution. Output fields are written only at stage
// barriers by the orchestrator's merge step; the transcript is the one
// accumulator concurrent nodes may append to, serialized by its mutex.
type RunState struct {
	RunID       string
	Fingerprint string
	Request     DesignRequest

	// LessonsContext holds historical-feedback text folded into the
	// design agents' input. Empty when no relevant history exists.
	LessonsContext string

	Fields              map[string]string
	Status              Status
	ClarificationNeeded bool
	RevisionCount       int

	StartedAt time.Time

	mu         sync.Mutex
	transcript []TranscriptChunk
}

// NewRunState creates a RunState for a request with input fields
// populated and all output slots empty.
func NewRunState(runID string, req DesignRequest) *RunState {
	return &RunState{
		RunID:       runID,
		Fingerprint: Fingerprint(req),
		Request:     req,
		Fields:      make(map[string]string),
		Status:      StatusPending,
		StartedAt:   time.Now(),
	}
}

// AppendTranscript records an agent-labelled chunk. Safe for
// concurrent callers; each caller's own chunks keep their order.
func (s *RunState) AppendTranscript(agent, text string) {
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptChunk{Agent: agent, Text: text})
	s.mu.Unlock()
}

// Transcript returns a copy of the transcript so far.
func (s *RunState) Transcript() []TranscriptChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptChunk, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Delta is the result of one agent node: named field writes plus
// optional control-field changes. Field writes are disjoint across the
// nodes of a parallel group by construction.
type Delta struct {
	Fields              map[string]string
	Status              Status
	ClarificationNeeded *bool
}

// apply merges a delta into the state. Called only at stage barriers,
// never concurrently.
func (s *RunState) apply(d Delta) {
	for k, v := range d.Fields {
		s.Fields[k] = v
	}
	if d.Status != "" {
		s.Status = d.Status
	}
	if d.ClarificationNeeded != nil {
		s.ClarificationNeeded = *d.ClarificationNeeded
	}
}

// ResultBundle is the cacheable outcome of a completed run.
type ResultBundle struct {
	Fields              map[string]string `json:"fields"`
	Status              Status            `json:"status"`
	ClarificationNeeded bool              `json:"clarification_needed"`
	RevisionCount       int               `json:"revision_count"`
	Transcript          []TranscriptChunk `json:"transcript,omitempty"`
}

// Bundle snapshots the state into a ResultBundle.
func (s *RunState) Bundle() *ResultBundle {
	fields := make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	return &ResultBundle{
		Fields:              fields,
		Status:              s.Status,
		ClarificationNeeded: s.ClarificationNeeded,
		RevisionCount:       s.RevisionCount,
		Transcript:          s.Transcript(),
	}
}

// Fingerprint computes the deterministic cache key for a request:
// a hash over case-folded, whitespace-collapsed text and answers plus
// the configuration serialized with sorted keys. Inputs differing only
// in incidental formatting fingerprint identically.
func Fingerprint(req DesignRequest) string {
	cfg := map[string]string{
		"scenario":       req.Config.Scenario,
		"cost_bias":      req.Config.CostBias,
		"compliance":     req.Config.Compliance,
		"reliability":    req.Config.Reliability,
		"strictness":     req.Config.Strictness,
		"cloud_provider": req.Config.CloudProvider,
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(normalizeText(req.Text))
	sb.WriteByte('\n')
	sb.WriteString(normalizeText(req.UserAnswers))
	sb.WriteByte('\n')
	for _, k := range keys {
		// Canonical key=value lines; json.Marshal would also work but
		// the explicit form keeps the normalization visible.
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.ToLower(strings.TrimSpace(cfg[k])))
		sb.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeText case-folds and collapses all whitespace runs to single
// spaces.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MarshalBundle serializes a bundle for cache storage.
func MarshalBundle(b *ResultBundle) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBundle deserializes a cached bundle.
func UnmarshalBundle(data []byte) (*ResultBundle, error) {
	var b ResultBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
