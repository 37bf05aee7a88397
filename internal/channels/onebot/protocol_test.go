package onebot

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
)

func TestToTriggerEvent_ArrayFormat(t *testing.T) {
	raw := `{
		"post_type": "message", "message_type": "group", "time": 1700000000,
		"self_id": 10000, "group_id": 123456, "user_id": 42, "message_id": -98765,
		"sender": {"nickname": "alice", "card": "Alice (ops)"},
		"message": [
			{"type": "reply", "data": {"id": "555"}},
			{"type": "at", "data": {"qq": 10000}},
			{"type": "text", "data": {"text": " hello"}},
			{"type": "face", "data": {"id": "1"}},
			{"type": "image", "data": {"file": "abc.jpg", "url": "https://img.example/abc.jpg"}}
		]
	}`

	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev, ok := f.toTriggerEvent()
	if !ok {
		t.Fatal("expected a trigger event")
	}

	if ev.GroupID != "123456" || ev.UserID != "42" || ev.MessageID != "-98765" {
		t.Errorf("ids = %s/%s/%s", ev.GroupID, ev.UserID, ev.MessageID)
	}
	if ev.Nickname != "Alice (ops)" {
		t.Errorf("Nickname = %q, want group card", ev.Nickname)
	}
	if !ev.Mentions("10000") {
		t.Error("numeric at target should decode as a mention")
	}
	if ev.QuotedMessageID() != "555" {
		t.Errorf("QuotedMessageID = %q", ev.QuotedMessageID())
	}
	if ev.Text() != "hello" {
		t.Errorf("Text = %q", ev.Text())
	}
	imgs := ev.Images()
	if len(imgs) != 1 || imgs[0].URL != "https://img.example/abc.jpg" {
		t.Errorf("Images = %+v", imgs)
	}
	if len(ev.Segments) != 4 {
		t.Errorf("face segment should be skipped, got %d segments", len(ev.Segments))
	}
}

func TestToTriggerEvent_StringFormat(t *testing.T) {
	raw := `{"post_type":"message","message_type":"group","group_id":"1","user_id":"2","message_id":"3","message":"plain text","raw_message":"plain text"}`
	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatal(err)
	}
	ev, ok := f.toTriggerEvent()
	if !ok {
		t.Fatal("expected a trigger event")
	}
	if len(ev.Segments) != 1 || ev.Segments[0].Type != bus.SegmentText || ev.Text() != "plain text" {
		t.Errorf("Segments = %+v", ev.Segments)
	}
}

func TestToTriggerEvent_StringFormatCQCodes(t *testing.T) {
	raw := `{"post_type":"message","message_type":"group","group_id":1,"user_id":2,"message_id":3,` +
		`"message":"[CQ:reply,id=77][CQ:at,qq=10001] look &#91;here&#93;[CQ:image,file=a.jpg,url=http://x/a.jpg?a=1&amp;b=2]"}`
	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatal(err)
	}
	ev, ok := f.toTriggerEvent()
	if !ok {
		t.Fatal("expected a trigger event")
	}
	if !ev.Mentions("10001") {
		t.Error("CQ at code not decoded as a mention")
	}
	if !ev.HasQuote() {
		t.Error("CQ reply code not decoded as a quote")
	}
	if got := ev.Text(); !strings.Contains(got, "look [here]") {
		t.Errorf("Text = %q", got)
	}
	imgs := ev.Images()
	if len(imgs) != 1 || imgs[0].URL != "http://x/a.jpg?a=1&b=2" || imgs[0].File != "a.jpg" {
		t.Errorf("Images = %+v", imgs)
	}
}

func TestParseCQ_MalformedKeptAsText(t *testing.T) {
	segs := parseCQ("hi [CQ:at,qq=1")
	if len(segs) != 1 || segs[0].Type != "text" || segs[0].Data["text"] != "hi [CQ:at,qq=1" {
		t.Errorf("segments = %+v", segs)
	}
}

func TestToTriggerEvent_IgnoresNonGroup(t *testing.T) {
	tests := []string{
		`{"post_type":"message","message_type":"private","user_id":2,"message":[]}`,
		`{"post_type":"meta_event","meta_event_type":"heartbeat"}`,
		`{"post_type":"notice","notice_type":"group_increase","group_id":1}`,
	}
	for _, raw := range tests {
		var f frame
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			t.Fatal(err)
		}
		if _, ok := f.toTriggerEvent(); ok {
			t.Errorf("expected %s to be ignored", raw)
		}
	}
}

func TestBuildReply(t *testing.T) {
	segs := buildReply("hi", "77")
	if len(segs) != 2 || segs[0].Type != "reply" || segs[0].Data["id"] != "77" || segs[1].Data["text"] != "hi" {
		t.Errorf("buildReply = %+v", segs)
	}
	if segs := buildReply("hi", ""); len(segs) != 1 {
		t.Errorf("no quote expected, got %+v", segs)
	}

	data, err := json.Marshal(action{
		Action: "send_group_msg",
		Params: sendGroupMsgParams{GroupID: "123", Message: buildReply("x", "")},
		Echo:   "e1",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action":"send_group_msg","params":{"group_id":123,"message":[{"type":"text","data":{"text":"x"}}]},"echo":"e1"}`
	if string(data) != want {
		t.Errorf("action json = %s\nwant %s", data, want)
	}
}
