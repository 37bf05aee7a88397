package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBufferSize = 256

// MessageBus carries inbound events from channels to the single consumer.
// One consumer goroutine preserves arrival order per group.
type MessageBus struct {
	inbound chan TriggerEvent

	mu        sync.RWMutex
	lifecycle []func(LifecycleEvent)
}

func New(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MessageBus{inbound: make(chan TriggerEvent, bufferSize)}
}

// PublishInbound enqueues an event. It blocks when the buffer is full,
// applying backpressure to the channel reader.
func (b *MessageBus) PublishInbound(ev TriggerEvent) {
	b.inbound <- ev
}

// ConsumeInbound waits for the next event. Returns false when ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (TriggerEvent, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-ctx.Done():
		return TriggerEvent{}, false
	}
}

// OnLifecycle registers a lifecycle subscriber.
func (b *MessageBus) OnLifecycle(fn func(LifecycleEvent)) {
	b.mu.Lock()
	b.lifecycle = append(b.lifecycle, fn)
	b.mu.Unlock()
}

// PublishLifecycle notifies subscribers synchronously.
func (b *MessageBus) PublishLifecycle(ev LifecycleEvent) {
	b.mu.RLock()
	subs := append([]func(LifecycleEvent){}, b.lifecycle...)
	b.mu.RUnlock()

	slog.Info("channel lifecycle", "channel", ev.Channel, "kind", ev.Kind, "error", ev.Err)
	for _, fn := range subs {
		fn(ev)
	}
}
