// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Provider is the unified interface for chat-completion backends.
// Implementations must be safe for concurrent use: the client pool hands
// one Provider instance to many concurrent agent calls over its lifetime.
type Provider interface {
	// Name returns the identifier for this provider instance, used for
	// routing, logging and metrics.
	Name() string

	// Type returns the provider type (e.g. "azure-openai", "bedrock").
	Type() ProviderType

	// Complete generates a completion for the given request. The context
	// carries the per-node deadline and run-level cancellation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// SupportsStreaming indicates if the provider can stream tokens.
	// If true, the provider also implements StreamingProvider.
	SupportsStreaming() bool
}

// StreamingProvider extends Provider with token streaming.
type StreamingProvider interface {
	Provider

	// CompleteStream generates a streaming completion, invoking handler
	// for each chunk, and returns the final aggregated response.
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)
}

// Closer is implemented by providers that hold network resources.
type Closer interface {
	Close() error
}
