package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

// scriptedProvider replays responses in order and records every request.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []providers.ChatRequest
	vision   bool
}

type step struct {
	resp *providers.ChatResponse
	err  error
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = append([]providers.Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := p.steps[0]
	p.steps = p.steps[1:]
	return s.resp, s.err
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) SupportsVision() bool { return p.vision }

func (p *scriptedProvider) calls() []providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.ChatRequest(nil), p.requests...)
}

func toolCalls(calls ...providers.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}
}

func text(s string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: s, FinishReason: "stop", Usage: &providers.Usage{TotalTokens: 10}}
}

// fakeExecutor answers every call with "<name> ok" and can run a hook first.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	before func(name string)
}

func (e *fakeExecutor) Execute(ctx context.Context, name, args string, tc tools.Context) *tools.Result {
	if e.before != nil {
		e.before(name)
	}
	e.mu.Lock()
	e.calls = append(e.calls, name)
	e.mu.Unlock()
	return tools.NewResult(name + " ok")
}

func (e *fakeExecutor) ProviderDefs() []providers.ToolDefinition {
	return []providers.ToolDefinition{{Type: "function", Function: providers.ToolFunctionSchema{Name: "search"}}}
}

func userTurn(uid, content string) providers.Message {
	return providers.Message{Role: "user", Content: content, UserID: uid, Nickname: "n" + uid, MessageID: "m-" + content}
}

func TestRun_ThreeRoundTranscript(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{resp: toolCalls(providers.ToolCall{ID: "c1", Name: "search", Arguments: `{"q":"go"}`})},
		{resp: &providers.ChatResponse{
			Content:   "let me check one more thing",
			ToolCalls: []providers.ToolCall{{ID: "c2", Name: "lookup", Arguments: `{}`}},
		}},
		{resp: text("final answer")},
	}}
	exec := &fakeExecutor{}
	loop := NewLoop(LoopConfig{Provider: p, Tools: exec})

	var intermediate []string
	res, err := loop.Run(context.Background(), RunRequest{
		GroupID:        "g1",
		UserID:         "u1",
		SystemPrompt:   "sys",
		History:        []providers.Message{userTurn("u1", "hello")},
		OnIntermediate: func(s string) { intermediate = append(intermediate, s) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "final answer" || res.Rounds != 3 || res.Cancelled {
		t.Fatalf("result = %+v", res)
	}

	want := []struct {
		role, content, callID string
		calls                 int
	}{
		{"assistant", "", "", 1},
		{"tool", "search ok", "c1", 0},
		{"assistant", "let me check one more thing", "", 0},
		{"assistant", "", "", 1},
		{"tool", "lookup ok", "c2", 0},
		{"assistant", "final answer", "", 0},
	}
	if len(res.Transcript) != len(want) {
		t.Fatalf("transcript len = %d, want %d: %+v", len(res.Transcript), len(want), res.Transcript)
	}
	for i, w := range want {
		got := res.Transcript[i]
		if got.Role != w.role || got.Content != w.content || got.ToolCallID != w.callID || len(got.ToolCalls) != w.calls {
			t.Errorf("transcript[%d] = %+v, want %+v", i, got, w)
		}
	}
	if len(intermediate) != 1 || intermediate[0] != "let me check one more thing" {
		t.Errorf("intermediate = %q", intermediate)
	}

	reqs := p.calls()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 {
		t.Errorf("tools advertised = %d, want 1", len(reqs[0].Tools))
	}
	first := reqs[0].Messages
	if first[0].Role != "system" || first[1].Content != "[nu1(u1)] hello" {
		t.Errorf("first request messages = %+v", first)
	}
	// Round 3 sees the whole transcript so far.
	if got := len(reqs[2].Messages); got != 2+5 {
		t.Errorf("round 3 messages = %d, want 7", got)
	}
}

func TestRun_NoToolsWithoutGroup(t *testing.T) {
	p := &scriptedProvider{steps: []step{{resp: text("hi")}}}
	loop := NewLoop(LoopConfig{Provider: p, Tools: &fakeExecutor{}})

	res, err := loop.Run(context.Background(), RunRequest{History: []providers.Message{userTurn("u1", "x")}})
	if err != nil || res.Text != "hi" {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if n := len(p.calls()[0].Tools); n != 0 {
		t.Errorf("tools advertised = %d, want 0", n)
	}
}

func TestRun_CancelledBetweenTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &scriptedProvider{steps: []step{{resp: toolCalls(
		providers.ToolCall{ID: "a", Name: "first"},
		providers.ToolCall{ID: "b", Name: "second"},
	)}}}
	exec := &fakeExecutor{before: func(string) { cancel() }}
	loop := NewLoop(LoopConfig{Provider: p, Tools: exec})

	res, err := loop.Run(ctx, RunRequest{GroupID: "g1", History: []providers.Message{userTurn("u1", "go")}})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if !res.Cancelled {
		t.Fatal("expected Cancelled")
	}
	if len(exec.calls) != 1 || exec.calls[0] != "first" {
		t.Errorf("executed = %v, want [first]", exec.calls)
	}
	if len(res.Transcript) != 2 || res.Transcript[1].ToolCallID != "a" {
		t.Errorf("transcript = %+v", res.Transcript)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProvider{}
	res, err := NewLoop(LoopConfig{Provider: p}).Run(ctx, RunRequest{})
	if err != nil || !res.Cancelled {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if len(p.calls()) != 0 {
		t.Error("provider should not be called")
	}
}

func TestRun_ProviderErrorKeepsPartialTranscript(t *testing.T) {
	boom := errors.New("upstream 500")
	p := &scriptedProvider{steps: []step{
		{resp: toolCalls(providers.ToolCall{ID: "c1", Name: "search"})},
		{err: boom},
	}}
	loop := NewLoop(LoopConfig{Provider: p, Tools: &fakeExecutor{}})

	res, err := loop.Run(context.Background(), RunRequest{GroupID: "g1", History: []providers.Message{userTurn("u1", "q")}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if res == nil || len(res.Transcript) != 2 {
		t.Fatalf("transcript = %+v", res)
	}
}

func TestRun_MaxRounds(t *testing.T) {
	var steps []step
	for i := 0; i < 5; i++ {
		steps = append(steps, step{resp: toolCalls(providers.ToolCall{ID: fmt.Sprint(i), Name: "search"})})
	}
	p := &scriptedProvider{steps: steps}
	loop := NewLoop(LoopConfig{Provider: p, Tools: &fakeExecutor{}, MaxRounds: 2})

	res, err := loop.Run(context.Background(), RunRequest{GroupID: "g1", History: []providers.Message{userTurn("u1", "q")}})
	if !errors.Is(err, ErrMaxRounds) {
		t.Fatalf("err = %v, want ErrMaxRounds", err)
	}
	if res.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", res.Rounds)
	}
}

type echoArgsTool struct{}

func (echoArgsTool) Name() string               { return "echo" }
func (echoArgsTool) Description() string        { return "echo" }
func (echoArgsTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (echoArgsTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	return tools.NewResult(fmt.Sprintf("args=%d", len(args)))
}

func TestRun_MalformedArgumentsRunWithEmptyObject(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoArgsTool{})
	p := &scriptedProvider{steps: []step{
		{resp: toolCalls(providers.ToolCall{ID: "c1", Name: "echo", Arguments: `{"broken":`})},
		{resp: text("done")},
	}}
	res, err := NewLoop(LoopConfig{Provider: p, Tools: reg}).Run(context.Background(),
		RunRequest{GroupID: "g1", History: []providers.Message{userTurn("u1", "q")}})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Transcript[1].Content; got != "args=0" {
		t.Errorf("tool output = %q, want args=0", got)
	}
}

func TestRun_VisionAttachesImagesToTrigger(t *testing.T) {
	img := providers.ImageContent{MimeType: "image/jpeg", Data: "AAAA"}
	history := []providers.Message{userTurn("u1", "one"), {Role: "assistant", Content: "ok"}, userTurn("u2", "two")}

	for _, vision := range []bool{true, false} {
		t.Run(fmt.Sprintf("vision=%v", vision), func(t *testing.T) {
			p := &scriptedProvider{vision: vision, steps: []step{{resp: text("nice")}}}
			_, err := NewLoop(LoopConfig{Provider: p}).Run(context.Background(), RunRequest{
				GroupID:   "g1",
				MessageID: "m-one",
				History:   history,
				Images:    []providers.ImageContent{img},
			})
			if err != nil {
				t.Fatal(err)
			}
			msgs := p.calls()[0].Messages
			want := 0
			if vision {
				want = 1
			}
			if len(msgs[0].Images) != want {
				t.Errorf("images on trigger turn = %d, want %d", len(msgs[0].Images), want)
			}
			if len(msgs[2].Images) != 0 {
				t.Error("images leaked onto another turn")
			}
		})
	}
	if history[0].Images != nil {
		t.Error("input history was modified")
	}
}

func TestRun_SanitizesFinalText(t *testing.T) {
	p := &scriptedProvider{steps: []step{{resp: text("<think>plan</think>[bot(42)] hello there")}}}
	res, err := NewLoop(LoopConfig{Provider: p}).Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello there" {
		t.Errorf("text = %q", res.Text)
	}
}
