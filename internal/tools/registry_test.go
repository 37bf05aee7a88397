package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

type echoTool struct {
	got  map[string]any
	ctx  Context
	boom bool
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echo" }
func (t *echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}
func (t *echoTool) Execute(ctx context.Context, args map[string]any) *Result {
	if t.boom {
		panic("boom")
	}
	t.got = args
	t.ctx = FromContext(ctx)
	s, _ := args["text"].(string)
	return NewResult(s)
}

func TestRegistry_Execute(t *testing.T) {
	tc := Context{GroupID: "g", UserID: "u", Nickname: "n", MessageID: "m"}

	tests := []struct {
		name        string
		args        string
		wantSuccess bool
		wantRan     bool
	}{
		{"valid", `{"text":"hi"}`, true, true},
		{"schema violation", `{"text":5}`, false, false},
		{"missing required", `{}`, false, false},
		{"malformed runs with empty object", `{"text":`, true, true},
		{"empty is validated as an empty object", ``, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &echoTool{}
			r := NewRegistry()
			r.Register(tool)

			res := r.Execute(context.Background(), "echo", tt.args, tc)
			ran := tool.got != nil
			if ran != tt.wantRan {
				t.Fatalf("ran = %v, want %v (result %+v)", ran, tt.wantRan, res)
			}
			if res.Success != tt.wantSuccess {
				t.Errorf("success = %v, want %v (%s)", res.Success, tt.wantSuccess, res.Message)
			}
			if ran && tool.ctx != tc {
				t.Errorf("tool context = %+v", tool.ctx)
			}
		})
	}
}

func TestRegistry_UnknownDisabledAndPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{boom: true})

	if res := r.Execute(context.Background(), "nope", "{}", Context{}); res.Success {
		t.Error("unknown tool should fail")
	}
	if res := r.Execute(context.Background(), "echo", `{"text":"x"}`, Context{}); res.Success || !strings.Contains(res.Message, "crashed") {
		t.Errorf("panic result = %+v", res)
	}

	r.SetDisabled([]string{"echo"})
	if res := r.Execute(context.Background(), "echo", `{"text":"x"}`, Context{}); res.Success {
		t.Error("disabled tool should fail")
	}
	if len(r.ProviderDefs()) != 0 || len(r.List()) != 0 {
		t.Error("disabled tools must not be advertised")
	}
}

func TestRegistry_CloneExcludes(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	r.Register(NewDelegateTool(nil, time.Second))

	c := r.Clone(DelegateToolName)
	if _, ok := c.Get(DelegateToolName); ok {
		t.Error("clone should not carry the excluded tool")
	}
	if names := c.List(); len(names) != 1 || names[0] != "echo" {
		t.Errorf("clone names = %v", names)
	}
	if len(r.List()) != 2 {
		t.Error("original registry must be untouched")
	}
}

func TestDelegateTool(t *testing.T) {
	var gotTask string
	var gotCtx Context
	d := NewDelegateTool(func(ctx context.Context, task string, tc Context) (string, *providers.Usage, error) {
		gotTask, gotCtx = task, tc
		return "done", &providers.Usage{TotalTokens: 3}, nil
	}, time.Second)

	r := NewRegistry()
	r.Register(d)
	res := r.Execute(context.Background(), DelegateToolName, `{"task":"  sum it  "}`, Context{GroupID: "g"})
	if !res.Success || res.Message != "done" || res.Usage.TotalTokens != 3 {
		t.Fatalf("result = %+v", res)
	}
	if gotTask != "sum it" || gotCtx.GroupID != "g" {
		t.Errorf("runner got %q %+v", gotTask, gotCtx)
	}

	failing := NewDelegateTool(func(context.Context, string, Context) (string, *providers.Usage, error) {
		return "", nil, errors.New("model down")
	}, time.Second)
	if res := failing.Execute(context.Background(), map[string]any{"task": "x"}); res.Success || res.Err == nil {
		t.Errorf("failing runner result = %+v", res)
	}
}

type fakeHistory []providers.Message

func (f fakeHistory) History(context.Context, string) ([]providers.Message, error) { return f, nil }

func TestGroupHistoryTool(t *testing.T) {
	h := fakeHistory{
		{Role: "user", UserID: "a", Content: "Go is great", MessageID: "1"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c", Name: "x"}}},
		{Role: "tool", ToolCallID: "c", Content: "go tool output"},
		{Role: "user", UserID: "b", Content: "I prefer go too", MessageID: "2"},
		{Role: "user", UserID: "a", Content: "lunch?", MessageID: "3"},
	}
	tool := NewGroupHistoryTool(h)
	ctx := WithContext(context.Background(), Context{GroupID: "g"})

	res := tool.Execute(ctx, map[string]any{"query": "GO"})
	hits, _ := res.Data.([]historyHit)
	if len(hits) != 2 || hits[0].MessageID != "1" || hits[1].MessageID != "2" {
		t.Errorf("query hits = %+v", hits)
	}

	res = tool.Execute(ctx, map[string]any{"user_id": "a", "limit": float64(1)})
	hits, _ = res.Data.([]historyHit)
	if len(hits) != 1 || hits[0].MessageID != "3" {
		t.Errorf("user hits = %+v", hits)
	}

	if res := tool.Execute(context.Background(), map[string]any{}); res.Success {
		t.Error("missing group should fail")
	}
}
