package onebot

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
)

// frame is any JSON object received over the OneBot v11 WebSocket:
// either an event (post_type set) or an action response (echo set).
type frame struct {
	// Event fields
	PostType      string          `json:"post_type,omitempty"`
	MessageType   string          `json:"message_type,omitempty"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	SubType       string          `json:"sub_type,omitempty"`
	Time          int64           `json:"time,omitempty"`
	SelfID        json.Number     `json:"self_id,omitempty"`
	GroupID       json.Number     `json:"group_id,omitempty"`
	UserID        json.Number     `json:"user_id,omitempty"`
	MessageID     json.Number     `json:"message_id,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	RawMessage    string          `json:"raw_message,omitempty"`
	Sender        *sender         `json:"sender,omitempty"`

	// Action response fields
	Status  string          `json:"status,omitempty"`
	RetCode int             `json:"retcode,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo,omitempty"`
	Wording string          `json:"wording,omitempty"`
}

type sender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card"` // group card overrides nickname when set
}

// segment is a OneBot message segment.
type segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// UnmarshalJSON tolerates numeric data values (some implementations send "qq": 123).
func (s *segment) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type string                     `json:"type"`
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Type = raw.Type
	s.Data = make(map[string]string, len(raw.Data))
	for k, v := range raw.Data {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			s.Data[k] = str
			continue
		}
		s.Data[k] = strings.Trim(string(v), `"`)
	}
	return nil
}

type action struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type sendGroupMsgParams struct {
	GroupID json.Number `json:"group_id"`
	Message []segment   `json:"message"`
}

type sendMsgResult struct {
	MessageID json.Number `json:"message_id"`
}

func (f *frame) isGroupMessage() bool {
	return f.PostType == "message" && f.MessageType == "group"
}

func (f *frame) isLifecycleConnect() bool {
	return f.PostType == "meta_event" && f.MetaEventType == "lifecycle" && f.SubType == "connect"
}

// toTriggerEvent converts a group message event. Unknown segment types
// (face, record, forward, ...) are skipped.
func (f *frame) toTriggerEvent() (bus.TriggerEvent, bool) {
	if !f.isGroupMessage() || f.GroupID == "" || f.UserID == "" {
		return bus.TriggerEvent{}, false
	}

	ev := bus.TriggerEvent{
		GroupID:   f.GroupID.String(),
		UserID:    f.UserID.String(),
		MessageID: f.MessageID.String(),
		Time:      time.Now(),
	}
	if f.Time > 0 {
		ev.Time = time.Unix(f.Time, 0)
	}
	if f.Sender != nil {
		ev.Nickname = f.Sender.Card
		if ev.Nickname == "" {
			ev.Nickname = f.Sender.Nickname
		}
	}

	ev.Segments = decodeMessage(f.Message, f.RawMessage)
	return ev, true
}

// decodeMessage accepts both message formats. The string format is split
// into segments by its CQ codes.
func decodeMessage(msg json.RawMessage, raw string) []bus.Segment {
	var segs []segment
	if len(msg) > 0 && msg[0] == '[' {
		if err := json.Unmarshal(msg, &segs); err != nil {
			segs = nil
		}
	}
	if segs == nil {
		text := raw
		if text == "" && len(msg) > 0 {
			_ = json.Unmarshal(msg, &text)
		}
		if text == "" {
			return nil
		}
		segs = parseCQ(text)
	}

	out := make([]bus.Segment, 0, len(segs))
	for _, s := range segs {
		switch s.Type {
		case "text":
			out = append(out, bus.Segment{Type: bus.SegmentText, Text: s.Data["text"]})
		case "at":
			out = append(out, bus.Segment{Type: bus.SegmentMention, Target: s.Data["qq"]})
		case "reply":
			out = append(out, bus.Segment{Type: bus.SegmentQuote, Target: s.Data["id"]})
		case "image":
			out = append(out, bus.Segment{Type: bus.SegmentImage, URL: s.Data["url"], File: s.Data["file"]})
		}
	}
	return out
}

var (
	cqTextUnescaper  = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
	cqParamUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
)

// parseCQ splits a string-format message such as
// "[CQ:reply,id=5][CQ:at,qq=10001] hi" into segments. Malformed codes are
// kept as text.
func parseCQ(s string) []segment {
	var out []segment
	addText := func(t string) {
		if t != "" {
			out = append(out, segment{Type: "text", Data: map[string]string{"text": cqTextUnescaper.Replace(t)}})
		}
	}
	for s != "" {
		start := strings.Index(s, "[CQ:")
		if start < 0 {
			addText(s)
			break
		}
		end := strings.IndexByte(s[start:], ']')
		if end < 0 {
			addText(s)
			break
		}
		end += start
		addText(s[:start])

		fields := strings.Split(s[start+len("[CQ:"):end], ",")
		seg := segment{Type: fields[0], Data: make(map[string]string, len(fields)-1)}
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if ok {
				seg.Data[k] = cqParamUnescaper.Replace(v)
			}
		}
		out = append(out, seg)
		s = s[end+1:]
	}
	return out
}

// buildReply builds the outgoing segments, quoting replyTo when set.
func buildReply(content, replyTo string) []segment {
	var segs []segment
	if replyTo != "" {
		segs = append(segs, segment{Type: "reply", Data: map[string]string{"id": replyTo}})
	}
	segs = append(segs, segment{Type: "text", Data: map[string]string{"text": content}})
	return segs
}
