// Package channels connects chat platforms to the orchestrator via the message bus.
//
// A channel owns its platform connection: it decodes group messages into
// bus.TriggerEvent values, publishes them in arrival order, reports connection
// changes as lifecycle events, and delivers replies.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "onebot").
	Name() string

	// Start connects and begins publishing inbound events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// SelfID returns the bot's own user ID on the platform ("" until known).
	SelfID() string

	// SendReply posts content to a group, quoting replyTo when non-empty.
	// Returns the platform message ID of the sent message.
	SendReply(ctx context.Context, groupID, content, replyTo string) (string, error)

	// IsRunning returns whether the channel is connected.
	IsRunning() bool
}

// BaseChannel provides shared functionality for channel implementations.
type BaseChannel struct {
	name    string
	bus     bus.MessageRouter
	running atomic.Bool
	selfID  atomic.Value // string
}

// NewBaseChannel creates a new BaseChannel.
func NewBaseChannel(name string, router bus.MessageRouter, selfID string) *BaseChannel {
	c := &BaseChannel{name: name, bus: router}
	c.selfID.Store(selfID)
	return c
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state and publishes the matching lifecycle event.
func (c *BaseChannel) SetRunning(running bool, cause error) {
	if c.running.Swap(running) == running {
		return
	}
	ev := bus.LifecycleEvent{Channel: c.name, Kind: bus.LifecycleConnected}
	if !running {
		ev.Kind = bus.LifecycleDisconnected
	}
	if cause != nil {
		ev.Err = cause.Error()
	}
	c.bus.PublishLifecycle(ev)
}

func (c *BaseChannel) SelfID() string {
	v, _ := c.selfID.Load().(string)
	return v
}

// SetSelfID records the bot's platform ID once learned from the connection.
func (c *BaseChannel) SetSelfID(id string) {
	if id != "" {
		c.selfID.Store(id)
	}
}

// HandleMessage publishes an inbound group message. Messages sent by the bot
// itself are dropped here so they never reach history twice.
func (c *BaseChannel) HandleMessage(ev bus.TriggerEvent) {
	if ev.UserID != "" && ev.UserID == c.SelfID() {
		return
	}
	ev.Channel = c.name
	c.bus.PublishInbound(ev)
}
