package rlm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// Usage reports token accounting for one LM call, when the provider
// returns it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CallResult is the return value of LMClient.Call: spec §4.1's
// {text, usage?, finishReason?, latencyMs}.
type CallResult struct {
	Text         string
	Usage        *Usage
	FinishReason string
	LatencyMs    int64
}

// LMClient exposes a single text-in/text-out operation to an external LM.
// Implementations must honor the deadline by aborting the underlying
// transport and must not retry internally (spec §4.1, §7: "No retries at
// this layer").
type LMClient interface {
	Call(ctx context.Context, model string, input []Message, deadline time.Time) (CallResult, error)
}

// AnthropicClient implements LMClient against the Anthropic Messages API.
// Grounded on the teacher's AnthropicProvider, trimmed to the harness's
// single-shot, non-streaming, no-retry contract.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
}

// NewAnthropicClient constructs an AnthropicClient. apiKey falls back to
// ANTHROPIC_API_KEY when empty, matching spec §6.4 ("credentials ... read
// from the ambient environment").
func NewAnthropicClient(apiKey, baseURL, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("rlm: anthropic API key is required (set providers.anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
		maxTokens:    4096,
	}, nil
}

// Call implements LMClient.
func (c *AnthropicClient) Call(ctx context.Context, model string, input []Message, deadline time.Time) (CallResult, error) {
	start := time.Now()
	if model == "" {
		model = c.defaultModel
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		callCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
	}

	var messages []anthropic.MessageParam
	for _, m := range input {
		switch m.Role {
		case RoleSystem:
			params.System = []anthropic.TextBlockParam{{Type: "text", Text: m.Content}}
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params.Messages = messages

	msg, err := c.client.Messages.New(callCtx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CallResult{}, classifyLMError(err, callCtx.Err())
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return CallResult{
		Text:         text.String(),
		FinishReason: string(msg.StopReason),
		LatencyMs:    latency,
		Usage: &Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// OpenAIClient implements LMClient against the OpenAI chat completions API.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIClient constructs an OpenAIClient. apiKey falls back to
// OPENAI_API_KEY when empty.
func NewOpenAIClient(apiKey, baseURL, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("rlm: openai API key is required (set providers.openai.api_key or OPENAI_API_KEY)")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}

	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}, nil
}

// Call implements LMClient.
func (c *OpenAIClient) Call(ctx context.Context, model string, input []Message, deadline time.Time) (CallResult, error) {
	start := time.Now()
	if model == "" {
		model = c.defaultModel
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		callCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var messages []openai.ChatCompletionMessage
	for _, m := range input {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CallResult{}, classifyLMError(err, callCtx.Err())
	}
	if len(resp.Choices) == 0 {
		return CallResult{}, &LMCallError{Kind: LMCallRemote, Detail: "no choices returned"}
	}

	choice := resp.Choices[0]
	return CallResult{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		LatencyMs:    latency,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// ClientForModel picks the provider implementation by a simple model-name
// prefix convention, grounded on the teacher's per-provider registration:
// models starting with "gpt" or "o1"/"o3" route to OpenAI; everything else
// (the default, since the root/sub models in this harness are most
// commonly Claude) routes to Anthropic.
func ClientForModel(model string, anthropicClient *AnthropicClient, openaiClient *OpenAIClient) (LMClient, error) {
	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "gpt") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") {
		if openaiClient == nil {
			return nil, fmt.Errorf("rlm: model %q requires an OpenAI client but none is configured", model)
		}
		return openaiClient, nil
	}
	if anthropicClient == nil {
		return nil, fmt.Errorf("rlm: model %q requires an Anthropic client but none is configured", model)
	}
	return anthropicClient, nil
}
