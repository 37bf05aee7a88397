package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

// DelegateToolName is excluded from the nested run so delegation cannot recurse.
const DelegateToolName = "delegate_task"

// TaskRunner runs a self-contained sub-task to completion and returns its
// final text.
type TaskRunner func(ctx context.Context, task string, tc Context) (string, *providers.Usage, error)

// DelegateTool hands a focused sub-task to a nested agent run with a bounded
// number of rounds and returns its answer to the parent loop.
type DelegateTool struct {
	run     TaskRunner
	timeout time.Duration
}

func NewDelegateTool(run TaskRunner, timeout time.Duration) *DelegateTool {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &DelegateTool{run: run, timeout: timeout}
}

func (t *DelegateTool) Name() string { return DelegateToolName }

func (t *DelegateTool) Description() string {
	return "Delegate a self-contained sub-task (research, multi-step lookups) to a helper agent. " +
		"The helper cannot see the chat; include everything it needs in the task text."
}

func (t *DelegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Complete description of the sub-task",
				"minLength":   1,
			},
		},
		"required": []string{"task"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]any) *Result {
	task, _ := args["task"].(string)
	task = strings.TrimSpace(task)
	if task == "" {
		return ErrorResult("task is required")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	tc := FromContext(ctx)
	start := time.Now()
	text, usage, err := t.run(ctx, task, tc)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrorResult("delegated task cancelled").WithError(err)
		}
		slog.Warn("delegate_task failed", "group", tc.GroupID, "error", err)
		return ErrorResult(fmt.Sprintf("delegated task failed: %v", err)).WithError(err)
	}

	slog.Debug("delegate_task done", "group", tc.GroupID, "duration", time.Since(start))
	res := NewResult(text)
	res.Usage = usage
	return res
}
