package inbound

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dingbridge/internal/domain"
	"dingbridge/internal/stream"
)

func delivery(data, headerID string) stream.Delivery {
	return stream.Delivery{
		Epoch:      3,
		ReceivedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Frame: stream.Frame{
			Type:    stream.FrameCallback,
			Headers: stream.Headers{MessageID: headerID},
			Data:    data,
		},
	}
}

func TestDecode_FlatEnvelope(t *testing.T) {
	data := `{"msgId":"m1","conversationId":"cid-1","conversationType":"2","conversationTitle":"研发群",
		"senderId":"u1","senderNick":"小明","text":{"content":"  北京天气怎么样 "},"createAt":1767225600000}`
	msg, err := Decode(delivery(data, "hdr"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID != "m1" || msg.ConversationID != "cid-1" || msg.SenderID != "u1" {
		t.Errorf("unexpected identity fields: %+v", msg)
	}
	if msg.Text != "北京天气怎么样" {
		t.Errorf("Text = %q", msg.Text)
	}
	if !msg.Conversation().IsGroup() || msg.ConversationTitle != "研发群" {
		t.Errorf("conversation = %+v", msg.Conversation())
	}
	if msg.Epoch != 3 {
		t.Errorf("Epoch = %d, want 3", msg.Epoch)
	}
	if got := msg.Timestamp.UnixMilli(); got != 1767225600000 {
		t.Errorf("Timestamp = %d", got)
	}
}

func TestDecode_RequestContract(t *testing.T) {
	data := `{"input":"讲个笑话","sender_id":"u2","sender_nick":"老王","conversation_id":"cid-2","conversation_type":"1"}`
	msg, err := Decode(delivery(data, "hdr-2"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID != "hdr-2" {
		t.Errorf("ID should fall back to header messageId, got %q", msg.ID)
	}
	if msg.Text != "讲个笑话" || msg.SenderNick != "老王" || msg.ConversationType != domain.ConversationPrivate {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Timestamp != msg.ReceivedAt {
		t.Errorf("Timestamp should default to ReceivedAt")
	}
}

func TestDecode_GraphWrapper(t *testing.T) {
	inner := `{"input":"上海天气","sender_id":"u3","conversation_id":"cid-3","conversation_type":"2","conversation_title":"群","msgType":"text"}`
	wrapped, _ := json.Marshal(map[string]string{"body": inner})
	msg, err := Decode(delivery(string(wrapped), "hdr-3"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID != "hdr-3" || msg.Text != "上海天气" || msg.ConversationTitle != "群" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		id    string
		field string
	}{
		{"empty data", "", "h", "data"},
		{"not json", "{oops", "h", "data"},
		{"bad body", `{"body":"{nope"}`, "h", "body"},
		{"missing id", `{"conversationId":"c","senderId":"u","text":"hi"}`, "", "msgId"},
		{"missing conversation", `{"msgId":"m","senderId":"u","text":"hi"}`, "", "conversationId"},
		{"missing sender", `{"msgId":"m","conversationId":"c","text":"hi"}`, "", "senderId"},
		{"blank text", `{"msgId":"m","conversationId":"c","senderId":"u","text":"   "}`, "", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(delivery(tt.data, tt.id))
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestDecode_StringTimestamp(t *testing.T) {
	data := `{"msgId":"m","conversationId":"c","senderId":"u","text":"hi","timestamp":"1700000000000"}`
	msg, err := Decode(delivery(data, ""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
}
