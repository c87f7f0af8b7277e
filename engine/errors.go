// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"

	"archpilot/platform/engine/llm"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	// KindTransientService covers timeouts, rate limits, and 5xx from
	// the model service. Retried at the node level.
	KindTransientService ErrorKind = "TransientServiceError"

	// KindPermanentService covers malformed requests and auth
	// failures. Never retried.
	KindPermanentService ErrorKind = "PermanentServiceError"

	// KindRevisionLimitExceeded means the audit node kept rejecting
	// past the configured revision bound.
	KindRevisionLimitExceeded ErrorKind = "RevisionLimitExceeded"

	// KindPoolExhaustion is non-fatal; it marks temporary-client
	// fallback and is logged, never returned as a run error.
	KindPoolExhaustion ErrorKind = "PoolExhaustionWarning"

	// KindCacheUnavailable is non-fatal; the cache degrades to a miss.
	KindCacheUnavailable ErrorKind = "CacheUnavailable"
)

// PipelineError is a run-level failure carrying the failing node's
// identity and the classified kind. Its Error string is the short
// stable form shown to event-stream consumers.
type PipelineError struct {
	Kind ErrorKind
	Node string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Node == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s at %s", e.Kind, e.Node)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps an underlying error with a kind and node id.
func NewPipelineError(kind ErrorKind, node string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Node: node, Err: err}
}

// ClassifyNodeError maps an agent node failure to an error kind.
func ClassifyNodeError(node string, err error) *PipelineError {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindPermanentService
	if llm.IsRetryable(err) {
		kind = KindTransientService
	}
	return NewPipelineError(kind, node, err)
}
