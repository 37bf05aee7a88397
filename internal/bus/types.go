package bus

import (
	"context"
	"strings"
	"time"
)

// SegmentType identifies one piece of a group message.
type SegmentType string

const (
	SegmentText    SegmentType = "text"
	SegmentMention SegmentType = "mention" // Target holds the mentioned user ID
	SegmentQuote   SegmentType = "quote"   // Target holds the quoted message ID
	SegmentImage   SegmentType = "image"   // URL (remote) or File (platform file token)
)

// Segment is one element of a message body.
type Segment struct {
	Type   SegmentType `json:"type"`
	Text   string      `json:"text,omitempty"`
	Target string      `json:"target,omitempty"`
	URL    string      `json:"url,omitempty"`
	File   string      `json:"file,omitempty"`
}

// TriggerEvent is an inbound group message as delivered by a chat channel.
type TriggerEvent struct {
	Channel   string    `json:"channel"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	Nickname  string    `json:"nickname,omitempty"`
	Segments  []Segment `json:"segments"`
	Time      time.Time `json:"time"`
}

// Text concatenates the plain-text segments.
func (e TriggerEvent) Text() string {
	var sb strings.Builder
	for _, s := range e.Segments {
		if s.Type == SegmentText {
			sb.WriteString(s.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// Mentions reports whether the message @-mentions the given user.
func (e TriggerEvent) Mentions(userID string) bool {
	if userID == "" {
		return false
	}
	for _, s := range e.Segments {
		if s.Type == SegmentMention && s.Target == userID {
			return true
		}
	}
	return false
}

// HasQuote reports whether the message replies to (quotes) another message.
func (e TriggerEvent) HasQuote() bool {
	for _, s := range e.Segments {
		if s.Type == SegmentQuote {
			return true
		}
	}
	return false
}

// QuotedMessageID returns the ID of the quoted message, or "".
func (e TriggerEvent) QuotedMessageID() string {
	for _, s := range e.Segments {
		if s.Type == SegmentQuote {
			return s.Target
		}
	}
	return ""
}

// Images returns the image segments in message order.
func (e TriggerEvent) Images() []Segment {
	var out []Segment
	for _, s := range e.Segments {
		if s.Type == SegmentImage {
			out = append(out, s)
		}
	}
	return out
}

// Render flattens the message into the text form stored in history.
// Mentions render as "@id", quotes as a "[reply:id]" prefix, images as "[image]".
func (e TriggerEvent) Render() string {
	var sb strings.Builder
	for _, s := range e.Segments {
		switch s.Type {
		case SegmentText:
			sb.WriteString(s.Text)
		case SegmentMention:
			sb.WriteString("@" + s.Target + " ")
		case SegmentQuote:
			sb.WriteString("[reply:" + s.Target + "] ")
		case SegmentImage:
			sb.WriteString("[image]")
		}
	}
	return strings.TrimSpace(sb.String())
}

// LifecycleKind is the kind of a channel lifecycle notification.
type LifecycleKind string

const (
	LifecycleConnected    LifecycleKind = "connected"
	LifecycleDisconnected LifecycleKind = "disconnected"
)

// LifecycleEvent reports a channel connection change.
type LifecycleEvent struct {
	Channel string        `json:"channel"`
	Kind    LifecycleKind `json:"kind"`
	Err     string        `json:"error,omitempty"`
}

// MessageRouter abstracts inbound routing between channels and the orchestrator.
type MessageRouter interface {
	PublishInbound(ev TriggerEvent)
	ConsumeInbound(ctx context.Context) (TriggerEvent, bool)
	PublishLifecycle(ev LifecycleEvent)
}
