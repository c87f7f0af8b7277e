// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"archpilot/platform/engine/llm"
)

type fakeInvoker struct {
	lastInput *bedrockruntime.InvokeModelInput
	body      []byte
	err       error
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func TestDetectModelFamily(t *testing.T) {
	tests := []struct {
		modelID string
		want    ModelFamily
	}{
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", FamilyAnthropic},
		{"us.anthropic.claude-3-5-sonnet-20241022-v2:0", FamilyAnthropic},
		{"eu.amazon.titan-text-express-v1", FamilyAmazon},
		{"meta.llama3-70b-instruct-v1:0", FamilyMeta},
		{"mistral.mistral-large-2402-v1:0", FamilyMistral},
		{"unknown.model", FamilyAnthropic},
	}
	for _, tt := range tests {
		if got := detectModelFamily(tt.modelID); got != tt.want {
			t.Errorf("detectModelFamily(%q) = %s, want %s", tt.modelID, got, tt.want)
		}
	}
}

func TestCompleteAnthropic(t *testing.T) {
	fake := &fakeInvoker{
		body: []byte(`{
			"content": [{"type": "text", "text": "design output"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 8}
		}`),
	}
	p := NewProviderWithClient("bedrock-test", "anthropic.claude-3-5-sonnet-20241022-v2:0", fake)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Prompt:       "design a VPC",
		SystemPrompt: "you are an architect",
		MaxTokens:    512,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "design output" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 28 {
		t.Errorf("total tokens = %d, want 28", resp.Usage.TotalTokens)
	}

	var sent map[string]any
	if err := json.Unmarshal(fake.lastInput.Body, &sent); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	if sent["system"] != "you are an architect" {
		t.Errorf("system prompt not set in request body")
	}
	if sent["max_tokens"] != float64(512) {
		t.Errorf("max_tokens = %v", sent["max_tokens"])
	}
}

func TestCompleteTitan(t *testing.T) {
	fake := &fakeInvoker{
		body: []byte(`{
			"inputTextTokenCount": 10,
			"results": [{"outputText": "titan says hi", "completionReason": "FINISH", "tokenCount": 4}]
		}`),
	}
	p := NewProviderWithClient("bedrock-test", "amazon.titan-text-express-v1", fake)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "titan says hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("total tokens = %d, want 14", resp.Usage.TotalTokens)
	}
}

func TestCompleteThrottlingIsRetryable(t *testing.T) {
	fake := &fakeInvoker{err: errors.New("operation error Bedrock Runtime: InvokeModel, ThrottlingException: rate exceeded")}
	p := NewProviderWithClient("bedrock-test", "", fake)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	var perr *llm.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Code != llm.ErrCodeRateLimit {
		t.Errorf("code = %s, want %s", perr.Code, llm.ErrCodeRateLimit)
	}
	if !perr.Retryable {
		t.Error("throttling should be retryable")
	}
}

func TestCompleteAccessDeniedIsPermanent(t *testing.T) {
	fake := &fakeInvoker{err: errors.New("operation error Bedrock Runtime: InvokeModel, AccessDeniedException: not authorized")}
	p := NewProviderWithClient("bedrock-test", "", fake)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	var perr *llm.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Code != llm.ErrCodeAuth {
		t.Errorf("code = %s, want %s", perr.Code, llm.ErrCodeAuth)
	}
	if perr.Retryable {
		t.Error("access denied must not be retryable")
	}
}

func TestSupportsStreaming(t *testing.T) {
	p := NewProviderWithClient("bedrock-test", "", &fakeInvoker{})
	if p.SupportsStreaming() {
		t.Error("InvokeModel provider must not report streaming support")
	}
}
