// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

// Package bedrock implements the llm.Provider interface on top of AWS
// Bedrock's InvokeModel API. Request and response bodies are shaped per
// model family (Anthropic, Amazon Titan, Meta Llama, Mistral).
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"archpilot/platform/engine/llm"
)

const (
	// DefaultModelID is used when no model is configured.
	DefaultModelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	// DefaultMaxTokens is the default max output tokens.
	DefaultMaxTokens = 4096

	anthropicAPIVersion = "bedrock-2023-05-31"
)

// ModelFamily identifies the request/response dialect of a Bedrock model.
type ModelFamily string

const (
	FamilyAnthropic ModelFamily = "anthropic"
	FamilyAmazon    ModelFamily = "amazon"
	FamilyMeta      ModelFamily = "meta"
	FamilyMistral   ModelFamily = "mistral"
)

// InvokeAPI is the subset of the bedrockruntime client used by the
// provider, extracted so tests can inject a fake.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config contains configuration for the Bedrock provider.
type Config struct {
	Region          string  // Required: AWS region
	ModelID         string  // Optional: default model ID
	AccessKeyID     string  // Optional: static credentials
	SecretAccessKey string  // Optional: static credentials
	SessionToken    string  // Optional: static credentials
	Temperature     float64 // Optional: default temperature
}

// Provider implements llm.Provider for AWS Bedrock.
type Provider struct {
	name        string
	modelID     string
	temperature float64
	client      InvokeAPI
}

// NewProvider creates a Bedrock provider. If static credentials are not
// set, the default AWS credential chain is used.
func NewProvider(ctx context.Context, name string, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if name == "" {
		name = "bedrock"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{
		name:        name,
		modelID:     cfg.ModelID,
		temperature: cfg.Temperature,
		client:      bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

// NewProviderWithClient builds a provider around an injected client.
// Intended for tests.
func NewProviderWithClient(name, modelID string, client InvokeAPI) *Provider {
	if modelID == "" {
		modelID = DefaultModelID
	}
	return &Provider{name: name, modelID: modelID, temperature: 0.7, client: client}
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

// SupportsStreaming reports streaming support. InvokeModel is
// request/response; streaming would need InvokeModelWithResponseStream.
func (p *Provider) SupportsStreaming() bool { return false }

// Complete generates a completion via InvokeModel.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	modelID := p.modelID
	if req.Model != "" {
		modelID = req.Model
	}
	family := detectModelFamily(modelID)

	body, err := p.buildRequestBody(family, req)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeInvalidRequest, err.Error())
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.invokeError(err)
	}

	content, usage, finishReason, err := p.parseResponseBody(family, out.Body)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, err.Error())
	}

	return &llm.CompletionResponse{
		Content:      content,
		Model:        modelID,
		FinishReason: finishReason,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

// detectModelFamily derives the family from the model ID, stripping any
// cross-region inference profile prefix (us., eu., apac.).
func detectModelFamily(modelID string) ModelFamily {
	id := strings.ToLower(modelID)
	for _, prefix := range []string{"us.", "eu.", "apac."} {
		if strings.HasPrefix(id, prefix) {
			id = strings.TrimPrefix(id, prefix)
			break
		}
	}

	switch {
	case strings.HasPrefix(id, "anthropic."):
		return FamilyAnthropic
	case strings.HasPrefix(id, "amazon."):
		return FamilyAmazon
	case strings.HasPrefix(id, "meta."):
		return FamilyMeta
	case strings.HasPrefix(id, "mistral."):
		return FamilyMistral
	default:
		return FamilyAnthropic
	}
}

func (p *Provider) buildRequestBody(family ModelFamily, req llm.CompletionRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.temperature
	}

	switch family {
	case FamilyAnthropic:
		body := map[string]any{
			"anthropic_version": anthropicAPIVersion,
			"max_tokens":        maxTokens,
			"temperature":       temperature,
			"messages": []map[string]any{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		return json.Marshal(body)

	case FamilyAmazon:
		prompt := req.Prompt
		if req.SystemPrompt != "" {
			prompt = req.SystemPrompt + "\n\n" + prompt
		}
		return json.Marshal(map[string]any{
			"inputText": prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   temperature,
			},
		})

	case FamilyMeta:
		prompt := req.Prompt
		if req.SystemPrompt != "" {
			prompt = fmt.Sprintf("<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n%s<|eot_id|><|start_header_id|>user<|end_header_id|>\n%s<|eot_id|><|start_header_id|>assistant<|end_header_id|>",
				req.SystemPrompt, req.Prompt)
		}
		return json.Marshal(map[string]any{
			"prompt":      prompt,
			"max_gen_len": maxTokens,
			"temperature": temperature,
		})

	case FamilyMistral:
		prompt := fmt.Sprintf("<s>[INST] %s [/INST]", req.Prompt)
		if req.SystemPrompt != "" {
			prompt = fmt.Sprintf("<s>[INST] %s\n\n%s [/INST]", req.SystemPrompt, req.Prompt)
		}
		return json.Marshal(map[string]any{
			"prompt":      prompt,
			"max_tokens":  maxTokens,
			"temperature": temperature,
		})

	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

func (p *Provider) parseResponseBody(family ModelFamily, body []byte) (string, llm.UsageStats, string, error) {
	switch family {
	case FamilyAnthropic:
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", llm.UsageStats{}, "", fmt.Errorf("failed to parse anthropic response: %w", err)
		}
		var sb strings.Builder
		for _, c := range resp.Content {
			if c.Type == "text" {
				sb.WriteString(c.Text)
			}
		}
		usage := llm.UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
		return sb.String(), usage, mapStopReason(resp.StopReason), nil

	case FamilyAmazon:
		var resp struct {
			Results []struct {
				OutputText       string `json:"outputText"`
				CompletionReason string `json:"completionReason"`
				TokenCount       int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", llm.UsageStats{}, "", fmt.Errorf("failed to parse titan response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", llm.UsageStats{}, "", fmt.Errorf("empty titan response")
		}
		r := resp.Results[0]
		usage := llm.UsageStats{
			PromptTokens:     resp.InputTextTokenCount,
			CompletionTokens: r.TokenCount,
			TotalTokens:      resp.InputTextTokenCount + r.TokenCount,
		}
		return r.OutputText, usage, mapStopReason(r.CompletionReason), nil

	case FamilyMeta:
		var resp struct {
			Generation           string `json:"generation"`
			StopReason           string `json:"stop_reason"`
			PromptTokenCount     int    `json:"prompt_token_count"`
			GenerationTokenCount int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", llm.UsageStats{}, "", fmt.Errorf("failed to parse llama response: %w", err)
		}
		usage := llm.UsageStats{
			PromptTokens:     resp.PromptTokenCount,
			CompletionTokens: resp.GenerationTokenCount,
			TotalTokens:      resp.PromptTokenCount + resp.GenerationTokenCount,
		}
		return resp.Generation, usage, mapStopReason(resp.StopReason), nil

	case FamilyMistral:
		var resp struct {
			Outputs []struct {
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", llm.UsageStats{}, "", fmt.Errorf("failed to parse mistral response: %w", err)
		}
		if len(resp.Outputs) == 0 {
			return "", llm.UsageStats{}, "", fmt.Errorf("empty mistral response")
		}
		return resp.Outputs[0].Text, llm.UsageStats{}, mapStopReason(resp.Outputs[0].StopReason), nil

	default:
		return "", llm.UsageStats{}, "", fmt.Errorf("unsupported model family: %s", family)
	}
}

// invokeError classifies InvokeModel failures by message, since the SDK
// surfaces service faults as typed smithy errors with stable names.
func (p *Provider) invokeError(err error) error {
	msg := err.Error()
	code := llm.ErrCodeServerError
	switch {
	case strings.Contains(msg, "ThrottlingException"):
		code = llm.ErrCodeRateLimit
	case strings.Contains(msg, "AccessDeniedException"), strings.Contains(msg, "UnrecognizedClientException"):
		code = llm.ErrCodeAuth
	case strings.Contains(msg, "ValidationException"):
		code = llm.ErrCodeInvalidRequest
	case strings.Contains(msg, "ModelTimeoutException"), strings.Contains(msg, "context deadline exceeded"):
		code = llm.ErrCodeTimeout
	case strings.Contains(msg, "ServiceUnavailableException"), strings.Contains(msg, "ModelNotReadyException"):
		code = llm.ErrCodeUnavailable
	}
	perr := llm.NewProviderError(p.name, code, msg)
	perr.Cause = err
	return perr
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop", "FINISH":
		return "stop"
	case "max_tokens", "length", "LENGTH":
		return "max_tokens"
	default:
		return reason
	}
}
