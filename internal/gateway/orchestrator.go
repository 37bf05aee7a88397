// Package gateway wires channels, the scheduler, the agent loop and the store
// into the group reply pipeline.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/agent"
	"github.com/nextlevelbuilder/groupclaw/internal/bus"
	"github.com/nextlevelbuilder/groupclaw/internal/channels"
	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/scheduler"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
)

const sendTimeout = 30 * time.Second

// Replier delivers messages into a group.
type Replier interface {
	SelfID() string
	SendReply(ctx context.Context, groupID, content, replyTo string) (string, error)
}

// Runner produces a reply from history.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// ImageSource captures and serves the images of group messages.
type ImageSource interface {
	CaptureAsync(ev bus.TriggerEvent)
	Load(ctx context.Context, groupID, messageID string) ([]providers.ImageContent, error)
	DeleteGroup(groupID string) error
}

// Compactor compresses group history in the background.
type Compactor interface {
	StartAsync(groupID string)
}

// Config holds the orchestrator's collaborators. Compressor and Media are optional.
type Config struct {
	Store      store.ConversationStore
	Locks      *store.GroupLocks
	Policies   config.PolicySource
	Runner     Runner
	Channel    Replier
	Compressor Compactor
	Media      ImageSource
	Prompts    *config.Prompts

	BotName       string
	Persona       string
	QueueCapacity int

	// Limiter caps triggers per member; nil disables it.
	Limiter *channels.TriggerLimiter

	// Roll draws the random-reply value; nil uses math/rand/v2.
	Roll func() float64
}

// Orchestrator turns inbound group messages into replies: it records every
// message, decides whether to answer, and runs at most one generation per
// group with later triggers queued behind it.
type Orchestrator struct {
	cfg        Config
	sched      *scheduler.Scheduler
	agg        *scheduler.Aggregator
	dispatchMu *store.GroupLocks // makes check-then-Begin atomic per group

	// epochs counts resets per group. ResetGroup bumps it under the group's
	// store lock, the same lock persist holds while comparing.
	epochMu sync.Mutex
	epochs  map[string]uint64

	// mu orders wg.Add in begin against Shutdown's cancel.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	if cfg.Locks == nil {
		cfg.Locks = store.NewGroupLocks()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = config.DefaultPrompts()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		sched:      scheduler.New(cfg.QueueCapacity),
		agg:        scheduler.NewAggregator(),
		dispatchMu: store.NewGroupLocks(),
		epochs:     make(map[string]uint64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Scheduler exposes the per-group scheduler for inspection.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Consume handles inbound events from router until ctx is done. Events are
// handled one at a time so history keeps arrival order.
func (o *Orchestrator) Consume(ctx context.Context, router bus.MessageRouter) {
	slog.Info("inbound consumer started")
	for {
		ev, ok := router.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound consumer stopped")
			return
		}
		o.HandleEvent(ctx, ev)
	}
}

// HandleLifecycle reacts to channel connection changes.
func (o *Orchestrator) HandleLifecycle(ev bus.LifecycleEvent) {
	if ev.Kind == bus.LifecycleDisconnected {
		o.OnDisconnect()
	}
}

// HandleEvent records an inbound group message and starts, queues or
// debounces a reply as the group's policy requires.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev bus.TriggerEvent) {
	selfID := o.cfg.Channel.SelfID()
	if ev.UserID == "" || ev.UserID == selfID {
		return
	}
	policy := o.cfg.Policies.GroupPolicy(ev.GroupID)
	if !policy.Enabled {
		slog.Debug("inbound: group disabled", "group", ev.GroupID)
		return
	}

	if err := o.record(ctx, ev); err != nil {
		slog.Error("inbound: failed to record message", "group", ev.GroupID, "user", ev.UserID, "error", err)
		return
	}
	if o.cfg.Media != nil && len(ev.Images()) > 0 {
		o.cfg.Media.CaptureAsync(ev)
	}
	if o.cfg.Compressor != nil {
		o.cfg.Compressor.StartAsync(ev.GroupID)
	}

	d := channels.Decide(ev, policy, selfID, o.cfg.Roll)
	if d.ShouldReply && o.cfg.Limiter != nil && !o.cfg.Limiter.Allow(ev.GroupID+":"+ev.UserID) {
		slog.Warn("inbound: trigger rate limited", "group", ev.GroupID, "user", ev.UserID)
		d = channels.Decision{Reason: channels.ReasonNone}
	}
	if !d.ShouldReply {
		o.agg.Observe(ev)
		return
	}

	slog.Info("inbound: reply triggered", "group", ev.GroupID, "user", ev.UserID, "message", ev.MessageID, "reason", d.Reason)

	if cooldown := policy.Cooldown(); cooldown > 0 {
		o.agg.Schedule(ev, cooldown, func(anchor bus.TriggerEvent, observed []bus.TriggerEvent) {
			slog.Debug("inbound: aggregated", "group", anchor.GroupID, "anchor", anchor.MessageID, "observed", len(observed))
			o.dispatch(anchor)
		})
		return
	}
	o.dispatch(ev)
}

func (o *Orchestrator) record(ctx context.Context, ev bus.TriggerEvent) error {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := providers.Message{
		Role:      "user",
		Content:   ev.Render(),
		MessageID: ev.MessageID,
		UserID:    ev.UserID,
		Nickname:  ev.Nickname,
		Timestamp: ts,
	}
	unlock := o.cfg.Locks.Lock(ev.GroupID)
	defer unlock()
	return o.cfg.Store.Append(ctx, ev.GroupID, entry)
}

// dispatch starts a generation for ev, or preempts / queues when the group
// is busy. A trigger from the user being answered cancels the current
// generation without starting another.
func (o *Orchestrator) dispatch(ev bus.TriggerEvent) {
	gid := ev.GroupID
	unlock := o.dispatchMu.Lock(gid)
	defer unlock()

	if o.sched.IsProcessing(gid) {
		if o.sched.CurrentUser(gid) == ev.UserID {
			o.sched.Preempt(gid)
			slog.Info("inbound: preempted by same user", "group", gid, "user", ev.UserID)
			return
		}
		o.sched.Enqueue(gid, ev)
		slog.Info("inbound: queued", "group", gid, "user", ev.UserID, "queue", o.sched.QueueLen(gid))
		return
	}
	o.begin(ev)
}

// begin must be called with the group's dispatch lock held.
func (o *Orchestrator) begin(ev bus.TriggerEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		slog.Debug("inbound: shutting down, trigger dropped", "group", ev.GroupID, "message", ev.MessageID)
		return
	}

	h, err := o.sched.Begin(o.ctx, ev.GroupID, ev.UserID)
	if err != nil {
		if errors.Is(err, scheduler.ErrGroupBusy) {
			o.sched.Enqueue(ev.GroupID, ev)
			return
		}
		slog.Error("inbound: begin failed", "group", ev.GroupID, "error", err)
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.generate(h, ev)
	}()
}

func (o *Orchestrator) generate(h *scheduler.Handle, ev bus.TriggerEvent) {
	gid := ev.GroupID
	defer o.finish(gid)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("generation panicked", "group", gid, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx := h.Context()
	start := time.Now()
	epoch := o.epoch(gid)

	history, err := o.cfg.Store.History(ctx, gid)
	if err != nil {
		slog.Error("generation: read history failed", "group", gid, "error", err)
		return
	}
	mem, err := o.cfg.Store.Memory(ctx, gid)
	if err != nil {
		slog.Warn("generation: read memory failed", "group", gid, "error", err)
	}

	var images []providers.ImageContent
	if o.cfg.Media != nil && len(ev.Images()) > 0 {
		if images, err = o.cfg.Media.Load(ctx, gid, ev.MessageID); err != nil {
			slog.Warn("generation: load images failed", "group", gid, "message", ev.MessageID, "error", err)
		}
	}

	policy := o.cfg.Policies.GroupPolicy(gid)
	prompt := agent.BuildSystemPrompt(o.cfg.Prompts, agent.PromptInput{
		BotName:      o.cfg.BotName,
		BotID:        o.cfg.Channel.SelfID(),
		Persona:      o.cfg.Persona,
		CustomPrompt: policy.CustomPrompt,
		Memory:       mem.Summary,
	})

	res, runErr := o.cfg.Runner.Run(ctx, agent.RunRequest{
		GroupID:      gid,
		UserID:       ev.UserID,
		Nickname:     ev.Nickname,
		MessageID:    ev.MessageID,
		SystemPrompt: prompt,
		History:      history,
		Images:       images,
		OnIntermediate: func(text string) {
			if !agent.IsSilentReply(text) {
				o.send(ctx, gid, text, "")
			}
		},
	})
	if res == nil {
		res = &agent.RunResult{}
	}
	cancelled := res.Cancelled || h.Cancelled()

	switch {
	case runErr != nil:
		slog.Error("generation failed", "group", gid, "user", ev.UserID, "rounds", res.Rounds, "error", runErr)
	case cancelled:
		slog.Info("generation cancelled", "group", gid, "user", ev.UserID, "rounds", res.Rounds)
	case res.Text == "":
		slog.Info("generation produced no text", "group", gid, "user", ev.UserID)
	case agent.IsSilentReply(res.Text):
		slog.Info("generation: silent reply", "group", gid, "user", ev.UserID)
	default:
		if id, ok := o.send(ctx, gid, res.Text, ev.MessageID); ok {
			if n := len(res.Transcript); n > 0 && res.Transcript[n-1].Role == "assistant" {
				res.Transcript[n-1].MessageID = id
			}
		}
	}

	if len(res.Transcript) > 0 {
		if err := o.persist(ctx, gid, epoch, res.Transcript); err != nil {
			slog.Error("generation: persist transcript failed", "group", gid, "entries", len(res.Transcript), "error", err)
		}
	}
	if o.cfg.Compressor != nil {
		o.cfg.Compressor.StartAsync(gid)
	}

	slog.Info("generation done", "group", gid, "user", ev.UserID,
		"cancelled", cancelled, "failed", runErr != nil, "duration", time.Since(start))
}

// send delivers text; a preempted generation still finishes a send it started.
func (o *Orchestrator) send(ctx context.Context, groupID, text, replyTo string) (string, bool) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	id, err := o.cfg.Channel.SendReply(sctx, groupID, text, replyTo)
	if err != nil {
		slog.Error("send reply failed", "group", groupID, "reply_to", replyTo, "error", err)
		return "", false
	}
	return id, true
}

// persist appends the transcript unless the group was reset after the
// generation read its history.
func (o *Orchestrator) persist(ctx context.Context, groupID string, epoch uint64, transcript []providers.Message) error {
	unlock := o.cfg.Locks.Lock(groupID)
	defer unlock()
	if o.epoch(groupID) != epoch {
		slog.Info("generation: group reset during run, transcript discarded", "group", groupID, "entries", len(transcript))
		return nil
	}
	return o.cfg.Store.Append(context.WithoutCancel(ctx), groupID, transcript...)
}

func (o *Orchestrator) epoch(groupID string) uint64 {
	o.epochMu.Lock()
	defer o.epochMu.Unlock()
	return o.epochs[groupID]
}

// finish ends the group's generation and starts the next queued trigger.
func (o *Orchestrator) finish(groupID string) {
	unlock := o.dispatchMu.Lock(groupID)
	defer unlock()

	next, ok := o.sched.End(groupID)
	if !ok || o.ctx.Err() != nil {
		return
	}
	slog.Debug("inbound: handing off to queued trigger", "group", groupID, "user", next.UserID, "message", next.MessageID)
	o.begin(next)
}

// OnDisconnect drops pending windows, cancels generations and clears queues.
func (o *Orchestrator) OnDisconnect() {
	windows := o.agg.CancelAll()
	o.sched.ClearAll()
	slog.Warn("channel disconnected, pending work dropped", "windows", windows)
}

// ResetGroup forgets a group's pending work, history and memory.
func (o *Orchestrator) ResetGroup(ctx context.Context, groupID string) error {
	o.sched.Clear(groupID)
	o.agg.Cancel(groupID)

	unlock := o.cfg.Locks.Lock(groupID)
	o.epochMu.Lock()
	o.epochs[groupID]++
	o.epochMu.Unlock()
	err := o.cfg.Store.Reset(ctx, groupID)
	unlock()

	if o.cfg.Media != nil {
		if mErr := o.cfg.Media.DeleteGroup(groupID); mErr != nil {
			slog.Warn("reset: media cleanup failed", "group", groupID, "error", mErr)
		}
	}
	return err
}

// Wait blocks until in-flight generations, including queued hand-offs, end.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown stops accepting hand-offs, cancels generations and waits for
// them until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.agg.CancelAll()
	o.sched.ClearAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
