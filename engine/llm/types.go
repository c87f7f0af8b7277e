// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the unified interface and types for chat-completion
// providers used by the design pipeline. The engine only ever talks to the
// Provider interface; concrete implementations live in subpackages.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of chat-completion provider.
type ProviderType string

const (
	// ProviderTypeAzureOpenAI represents Azure OpenAI Service / AI Foundry models.
	ProviderTypeAzureOpenAI ProviderType = "azure-openai"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeFake is used by tests.
	ProviderTypeFake ProviderType = "fake"
)

// CompletionRequest encapsulates all parameters for one completion call.
type CompletionRequest struct {
	// Prompt is the user's input text.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the response size. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 deterministic, 1.0+ creative).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model or deployment.
	Model string `json:"model,omitempty"`

	// Stream requests token streaming; use CompleteStream when true.
	Stream bool `json:"stream,omitempty"`

	// Metadata carries caller context (agent id, run id) for logging.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse contains the result of a completion.
type CompletionResponse struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped
	// ("stop", "max_tokens", "content_filter").
	FinishReason string `json:"finish_reason,omitempty"`
}

// UsageStats tracks token usage for metering.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is a single chunk of a streaming response.
type StreamChunk struct {
	// Type is "content", "done" or "error".
	Type string `json:"type"`

	// Content is the token text for "content" chunks.
	Content string `json:"content,omitempty"`

	// Done marks the final chunk.
	Done bool `json:"done"`
}

// StreamHandler is invoked for each chunk of a streaming completion.
// Returning an error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// ProviderError is the error type surfaced by all providers. The Code
// classifies the failure so the engine's retry policy can distinguish
// transient conditions (timeouts, rate limits, 5xx) from permanent ones
// (bad request, auth).
type ProviderError struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Cause      error  `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeContentFilter  = "content_filter"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)

// NewProviderError creates a ProviderError with retryability derived
// from the code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// CodeForStatus maps an HTTP status code to a ProviderError code.
func CodeForStatus(status int) string {
	switch {
	case status == 429:
		return ErrCodeRateLimit
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 408 || status == 504:
		return ErrCodeTimeout
	case status >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeInvalidRequest
	}
}
