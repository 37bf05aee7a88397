package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
)

// OpenAIProvider implements Provider for OpenAI-compatible APIs
// (OpenAI, DeepSeek, Moonshot, OpenRouter, vLLM, etc.)
type OpenAIProvider struct {
	name         string
	defaultModel string
	client       *openai.Client
	timeout      time.Duration
	vision       bool
	retry        RetryConfig
}

// OpenAIOptions configures NewOpenAIProvider.
type OpenAIOptions struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Timeout time.Duration // per model call
	Vision  bool
}

func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	apiBase := strings.TrimRight(opts.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = apiBase

	name := opts.Name
	if name == "" {
		name = "openai"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAIProvider{
		name:         name,
		defaultModel: opts.Model,
		client:       openai.NewClientWithConfig(cfg),
		timeout:      timeout,
		vision:       opts.Vision,
		retry:        DefaultRetryConfig(),
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }
func (p *OpenAIProvider) SupportsVision() bool { return p.vision }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequest(req)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		resp, err := p.client.CreateChatCompletion(callCtx, body)
		if err != nil {
			return nil, fmt.Errorf("%s: chat completion: %w", p.name, err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("%s: no response choices", p.name)
		}
		return p.parseResponse(resp), nil
	})
}

func (p *OpenAIProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	out := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, p.toWireMessage(m))
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) toWireMessage(m Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
	}

	// Content and MultiContent are mutually exclusive on the wire.
	if len(m.Images) > 0 && p.vision {
		if m.Content != "" {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Content,
			})
		}
		for _, img := range m.Images {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	} else {
		msg.Content = m.Content
	}

	for _, tc := range m.ToolCalls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: args,
			},
		})
	}
	return msg
}

func (p *OpenAIProvider) parseResponse(resp openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0]
	result := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result
}

// RetryConfig controls retries of transient provider failures.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// RetryDo runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Backoff doubles per attempt up to MaxDelay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.Attempts, 1)
	delay := cfg.BaseDelay

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !isRetryable(err) || i == attempts-1 || ctx.Err() != nil {
			break
		}

		slog.Warn("provider call failed, retrying", "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
	return zero, lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
