package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpenAIProvider_ChatRoundTrip(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "x", "object": "chat.completion", "model": "m",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "checking",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"go\"}"}}]
			}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{APIKey: "k", APIBase: srv.URL, Model: "m", Timeout: 5 * time.Second})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "hi"},
		},
		Tools: []ToolDefinition{{Type: "function", Function: ToolFunctionSchema{
			Name: "lookup", Description: "d", Parameters: map[string]any{"type": "object"},
		}}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != "checking" || resp.FinishReason != "tool_calls" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" || resp.ToolCalls[0].Arguments != `{"q":"go"}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotBody["model"] != "m" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if tools, _ := gotBody["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", gotBody["tools"])
	}
}

func TestOpenAIProvider_VisionParts(t *testing.T) {
	p := NewOpenAIProvider(OpenAIOptions{Model: "m", Vision: true})
	req := p.buildRequest(ChatRequest{Messages: []Message{{
		Role: "user", Content: "look", Images: []ImageContent{{MimeType: "image/png", Data: "AAAA"}},
	}}})

	msg := req.Messages[0]
	if msg.Content != "" || len(msg.MultiContent) != 2 {
		t.Fatalf("message = %+v", msg)
	}
	if got := msg.MultiContent[1].ImageURL.URL; got != "data:image/png;base64,AAAA" {
		t.Errorf("image url = %s", got)
	}

	plain := NewOpenAIProvider(OpenAIOptions{Model: "m"})
	req = plain.buildRequest(ChatRequest{Messages: []Message{{
		Role: "user", Content: "look", Images: []ImageContent{{MimeType: "image/png", Data: "AAAA"}},
	}}})
	if req.Messages[0].Content != "look" || len(req.Messages[0].MultiContent) != 0 {
		t.Errorf("non-vision provider must send text only: %+v", req.Messages[0])
	}
}

func TestOpenAIProvider_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":{"message":"upstream"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{APIBase: srv.URL, Model: "m"})
	p.retry = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" || calls.Load() != 2 {
		t.Errorf("content=%q calls=%d", resp.Content, calls.Load())
	}
}

func TestOpenAIProvider_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{APIBase: srv.URL, Model: "m"})
	p.retry = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	if _, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
