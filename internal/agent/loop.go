// Package agent runs the tool-calling model loop that produces group replies
// and the compressor that folds old history into group memory.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

const tracerName = "github.com/nextlevelbuilder/groupclaw/internal/agent"

// ToolExecutor runs tools on behalf of the loop.
type ToolExecutor interface {
	Execute(ctx context.Context, name, args string, tc tools.Context) *tools.Result
	ProviderDefs() []providers.ToolDefinition
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	ID          string
	Provider    providers.Provider
	Tools       ToolExecutor // nil disables tool use
	Model       string       // empty uses Provider.DefaultModel()
	MaxTokens   int
	Temperature float64
	MaxRounds   int // 0 means unbounded
	Tracer      trace.Tracer
}

// Loop is a Think → Act → Observe cycle over one provider and tool set.
type Loop struct {
	id          string
	provider    providers.Provider
	tools       ToolExecutor
	model       string
	maxTokens   int
	temperature float64
	maxRounds   int
	tracer      trace.Tracer
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	model := cfg.Model
	if model == "" && cfg.Provider != nil {
		model = cfg.Provider.DefaultModel()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	id := cfg.ID
	if id == "" {
		id = "main"
	}
	return &Loop{
		id:          id,
		provider:    cfg.Provider,
		tools:       cfg.Tools,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRounds:   cfg.MaxRounds,
		tracer:      tracer,
	}
}

// ID returns the loop identifier used in logs.
func (l *Loop) ID() string { return l.id }

// Model returns the model this loop requests.
func (l *Loop) Model() string { return l.model }

// RunRequest is the input of one reply generation.
type RunRequest struct {
	GroupID      string
	UserID       string
	Nickname     string
	MessageID    string // triggering platform message
	SystemPrompt string
	History      []providers.Message

	// Images are attached to the user turn with MessageID when the provider
	// accepts image input.
	Images []providers.ImageContent

	// OnIntermediate receives text the model produced alongside tool calls.
	OnIntermediate func(text string)
}

// RunResult is the outcome of a run. Transcript holds the new turns produced
// by the run, in order, and is populated even when the run fails.
type RunResult struct {
	RunID      string
	Text       string
	Transcript []providers.Message
	Cancelled  bool
	Rounds     int
	Usage      providers.Usage
}

// ErrMaxRounds is returned when a bounded loop runs out of rounds.
var ErrMaxRounds = errors.New("agent: max rounds reached")

// Run executes the loop until the model answers without tool calls, the
// context is cancelled, or the provider fails.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	res := &RunResult{RunID: uuid.NewString()}
	start := time.Now()

	ctx, span := l.startRunSpan(ctx, req, res.RunID)
	var runErr error
	defer func() { endRunSpan(span, res, runErr) }()

	messages := make([]providers.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: req.SystemPrompt})
	}
	history := RenderHistory(req.History)
	if len(req.Images) > 0 && providers.SupportsVision(l.provider) {
		history = attachImages(history, req.MessageID, req.Images)
	}
	messages = append(messages, NormalizeHistory(history)...)

	var defs []providers.ToolDefinition
	if l.tools != nil && req.GroupID != "" {
		defs = l.tools.ProviderDefs()
	}
	tc := tools.Context{
		GroupID:   req.GroupID,
		UserID:    req.UserID,
		Nickname:  req.Nickname,
		MessageID: req.MessageID,
	}

	for {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, nil
		}
		if l.maxRounds > 0 && res.Rounds >= l.maxRounds {
			runErr = fmt.Errorf("%w (%d)", ErrMaxRounds, l.maxRounds)
			return res, runErr
		}
		res.Rounds++

		slog.Debug("agent round", "agent", l.id, "group", req.GroupID, "round", res.Rounds, "messages", len(messages))

		resp, err := l.chat(ctx, res.Rounds, providers.ChatRequest{
			Messages:    messages,
			Tools:       defs,
			Model:       l.model,
			MaxTokens:   l.maxTokens,
			Temperature: temperaturePtr(l.temperature),
		})
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				return res, nil
			}
			runErr = fmt.Errorf("model call (round %d): %w", res.Rounds, err)
			return res, runErr
		}
		res.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			res.Text = SanitizeAssistantContent(resp.Content)
			if res.Text != "" {
				res.Transcript = append(res.Transcript, l.assistantTurn(res.Text))
			}
			slog.Info("agent run done", "agent", l.id, "group", req.GroupID,
				"rounds", res.Rounds, "tokens", res.Usage.TotalTokens, "duration", time.Since(start))
			return res, nil
		}

		// Text the model wrote next to its tool calls is shown before the tools run.
		if text := SanitizeAssistantContent(resp.Content); text != "" {
			turn := l.assistantTurn(text)
			messages = append(messages, turn)
			res.Transcript = append(res.Transcript, turn)
			if req.OnIntermediate != nil {
				req.OnIntermediate(text)
			}
		}

		callTurn := providers.Message{Role: "assistant", ToolCalls: resp.ToolCalls, Timestamp: time.Now()}
		messages = append(messages, callTurn)
		res.Transcript = append(res.Transcript, callTurn)

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				res.Cancelled = true
				return res, nil
			}
			result := l.executeTool(ctx, call, tc)
			res.Usage.Add(result.Usage)
			toolTurn := providers.Message{
				Role:       "tool",
				Content:    result.ForLLM(),
				ToolCallID: call.ID,
				Timestamp:  time.Now(),
			}
			messages = append(messages, toolTurn)
			res.Transcript = append(res.Transcript, toolTurn)
		}
	}
}

func (l *Loop) assistantTurn(text string) providers.Message {
	return providers.Message{Role: "assistant", Content: text, Timestamp: time.Now()}
}

func (l *Loop) chat(ctx context.Context, round int, req providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "agent.chat")
	start := time.Now()
	resp, err := l.provider.Chat(ctx, req)
	endChatSpan(span, l.provider.Name(), l.model, round, len(req.Messages), resp, err, time.Since(start))
	return resp, err
}

func (l *Loop) executeTool(ctx context.Context, call providers.ToolCall, tc tools.Context) *tools.Result {
	ctx, span := l.tracer.Start(ctx, "agent.tool")
	start := time.Now()

	slog.Info("tool call", "agent", l.id, "group", tc.GroupID, "tool", call.Name, "args_len", len(call.Arguments))

	var result *tools.Result
	if l.tools == nil {
		result = tools.ErrorResult(fmt.Sprintf("tool %q is not available", call.Name))
	} else {
		result = l.tools.Execute(ctx, call.Name, call.Arguments, tc)
	}
	if result == nil {
		result = tools.ErrorResult("tool returned no result")
	}
	if !result.Success {
		slog.Warn("tool error", "agent", l.id, "tool", call.Name, "error", result.Message)
	}
	endToolSpan(span, call, result, time.Since(start))
	return result
}

func temperaturePtr(t float64) *float32 {
	if t <= 0 {
		return nil
	}
	v := float32(t)
	return &v
}
