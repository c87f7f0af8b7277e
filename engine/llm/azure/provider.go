// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

// Package azure implements the llm.Provider interface for Azure OpenAI
// Service and Azure AI Foundry deployments, with both request/response
// and token-streaming completion modes.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"archpilot/platform/engine/llm"
)

const (
	// DefaultAPIVersion is the default Azure OpenAI API version.
	DefaultAPIVersion = "2024-08-01-preview"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max output tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultTemperature is the default sampling temperature.
	DefaultTemperature = 0.7
)

// HTTPClient abstracts the HTTP transport so tests can inject a fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuthType selects the authentication header scheme.
type AuthType string

const (
	// AuthTypeAPIKey uses the api-key header (classic Azure OpenAI).
	AuthTypeAPIKey AuthType = "api-key"

	// AuthTypeBearer uses Authorization: Bearer (Azure AI Foundry).
	AuthTypeBearer AuthType = "bearer"
)

// Config contains configuration for the Azure OpenAI provider.
type Config struct {
	Endpoint    string        // Required: resource endpoint URL
	APIKey      string        // Required: API key or bearer token
	Deployment  string        // Required: deployment name (default model)
	APIVersion  string        // Optional: API version
	AuthType    AuthType      // Optional: auto-detected from endpoint if empty
	Temperature float64       // Optional: default temperature for requests
	Timeout     time.Duration // Optional: HTTP timeout
}

// Provider implements llm.StreamingProvider for Azure OpenAI.
type Provider struct {
	name        string
	endpoint    string
	apiKey      string
	deployment  string
	apiVersion  string
	authType    AuthType
	temperature float64
	client      HTTPClient
}

// NewProvider creates a new Azure OpenAI provider instance.
func NewProvider(name string, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("azure OpenAI endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("azure OpenAI API key is required")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("azure OpenAI deployment name is required")
	}

	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}

	authType := cfg.AuthType
	if authType == "" {
		authType = detectAuthType(cfg.Endpoint)
	}

	if name == "" {
		name = "azure-openai"
	}

	return &Provider{
		name:        name,
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		deployment:  cfg.Deployment,
		apiVersion:  cfg.APIVersion,
		authType:    authType,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// detectAuthType picks the header scheme based on the endpoint host.
// Azure AI Foundry (*.services.ai.azure.com, *.cognitiveservices.azure.com)
// takes a bearer token; classic Azure OpenAI takes the api-key header.
func detectAuthType(endpoint string) AuthType {
	endpoint = strings.ToLower(endpoint)
	if strings.Contains(endpoint, ".services.ai.azure.com") ||
		strings.Contains(endpoint, ".cognitiveservices.azure.com") {
		return AuthTypeBearer
	}
	return AuthTypeAPIKey
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeAzureOpenAI }

// SupportsStreaming reports streaming support.
func (p *Provider) SupportsStreaming() bool { return true }

// AuthType returns the authentication scheme in use.
func (p *Provider) AuthType() AuthType { return p.authType }

// SetHTTPClient injects a custom HTTP client for testing.
func (p *Provider) SetHTTPClient(client HTTPClient) { p.client = client }

func (p *Provider) setAuthHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	switch p.authType {
	case AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	default:
		req.Header.Set("api-key", p.apiKey)
	}
}

// buildURL constructs the chat-completions URL for a deployment.
func (p *Provider) buildURL(deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, deployment, p.apiVersion)
}

func (p *Provider) buildBody(req llm.CompletionRequest, stream bool) ([]byte, string) {
	deployment := p.deployment
	if req.Model != "" {
		deployment = req.Model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.temperature
	}

	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": req.SystemPrompt,
		})
	}
	messages = append(messages, map[string]string{
		"role":    "user",
		"content": req.Prompt,
	})

	apiReq := map[string]any{
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if stream {
		apiReq["stream"] = true
	}

	body, _ := json.Marshal(apiReq)
	return body, deployment
}

func (p *Provider) send(ctx context.Context, body []byte, deployment string, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildURL(deployment), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setAuthHeaders(httpReq)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, p.apiError(resp.StatusCode, respBody)
	}

	return resp, nil
}

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	body, deployment := p.buildBody(req, false)
	resp, err := p.send(ctx, body, deployment, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	content := ""
	finishReason := ""
	if len(apiResp.Choices) > 0 {
		content = apiResp.Choices[0].Message.Content
		finishReason = mapFinishReason(apiResp.Choices[0].FinishReason)
	}

	return &llm.CompletionResponse{
		Content:      content,
		Model:        apiResp.Model,
		FinishReason: finishReason,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// CompleteStream generates a streaming completion, invoking handler per
// chunk, and returns the aggregated response.
func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	start := time.Now()

	body, deployment := p.buildBody(req, true)
	resp, err := p.send(ctx, body, deployment, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return p.processStream(resp.Body, handler, start, deployment)
}

// processStream drains the SSE stream, forwarding content deltas to the
// handler. Malformed events are skipped; "[DONE]" ends the stream.
func (p *Provider) processStream(body io.Reader, handler llm.StreamHandler, start time.Time, model string) (*llm.CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var finishReason, responseModel string
	var promptTokens, completionTokens int

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Model != "" {
			responseModel = chunk.Model
		}

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				if handler != nil {
					if err := handler(llm.StreamChunk{Type: "content", Content: choice.Delta.Content}); err != nil {
						return nil, fmt.Errorf("stream handler: %w", err)
					}
				}
			}
			if choice.FinishReason != "" {
				finishReason = mapFinishReason(choice.FinishReason)
			}
		}

		if chunk.Usage != nil {
			promptTokens = chunk.Usage.PromptTokens
			completionTokens = chunk.Usage.CompletionTokens
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, p.transportError(err)
	}

	if handler != nil {
		if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
			return nil, fmt.Errorf("stream handler: %w", err)
		}
	}

	if responseModel == "" {
		responseModel = model
	}

	return &llm.CompletionResponse{
		Content:      contentBuilder.String(),
		Model:        responseModel,
		FinishReason: finishReason,
		Usage: llm.UsageStats{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// transportError classifies connection-level failures.
func (p *Provider) transportError(err error) error {
	code := llm.ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = llm.ErrCodeTimeout
	}
	perr := llm.NewProviderError(p.name, code, err.Error())
	perr.Cause = err
	return perr
}

// apiError maps a non-200 response to a ProviderError.
func (p *Provider) apiError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	code := llm.CodeForStatus(statusCode)
	if errResp.Error.Code == "content_filter" {
		code = llm.ErrCodeContentFilter
	}

	perr := llm.NewProviderError(p.name, code, message)
	perr.StatusCode = statusCode
	return perr
}

// mapFinishReason maps Azure OpenAI finish reasons to standard reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// Internal API types (OpenAI-compatible wire format).

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}
