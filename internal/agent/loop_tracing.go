package agent

import (
	"context"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

func (l *Loop) startRunSpan(ctx context.Context, req RunRequest, runID string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", l.id),
		attribute.String("agent.run_id", runID),
		attribute.String("group.id", req.GroupID),
		attribute.String("user.id", req.UserID),
		attribute.Int("history.len", len(req.History)),
		attribute.Int("images", len(req.Images)),
	))
}

func endRunSpan(span trace.Span, res *RunResult, err error) {
	span.SetAttributes(
		attribute.Int("agent.rounds", res.Rounds),
		attribute.Bool("agent.cancelled", res.Cancelled),
		attribute.Int("usage.total_tokens", res.Usage.TotalTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func endChatSpan(span trace.Span, provider, model string, round, messages int, resp *providers.ChatResponse, err error, dur time.Duration) {
	span.SetAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("llm.round", round),
		attribute.Int("llm.messages", messages),
		attribute.Int64("llm.duration_ms", dur.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp != nil {
		span.SetAttributes(
			attribute.String("llm.finish_reason", resp.FinishReason),
			attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
			attribute.String("llm.output_preview", truncateStr(resp.Content, 500)),
		)
		if resp.Usage != nil {
			span.SetAttributes(
				attribute.Int("llm.input_tokens", resp.Usage.PromptTokens),
				attribute.Int("llm.output_tokens", resp.Usage.CompletionTokens),
			)
		}
	}
	span.End()
}

func endToolSpan(span trace.Span, call providers.ToolCall, result *tools.Result, dur time.Duration) {
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.String("tool.input", truncateStr(call.Arguments, 500)),
		attribute.Bool("tool.success", result.Success),
		attribute.Int64("tool.duration_ms", dur.Milliseconds()),
	)
	if !result.Success {
		span.SetStatus(codes.Error, truncateStr(result.Message, 200))
	}
	span.End()
}

// truncateStr cuts s to at most maxLen bytes without splitting a rune.
func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// EstimateTokens gives a rough token count (about 4 bytes per token).
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments)) / 4
		}
	}
	return total
}
