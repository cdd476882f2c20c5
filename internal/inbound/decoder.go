// Package inbound turns stream frames into validated, de-duplicated messages.
package inbound

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"dingbridge/internal/domain"
	"dingbridge/internal/stream"
)

var errMissing = errors.New("required field missing")

// envelope accepts the flat platform envelope, the graph request contract
// and the graph wrapper whose body is a JSON string.
type envelope struct {
	MsgID             string    `json:"msgId"`
	ConversationID    string    `json:"conversationId"`
	ConversationType  string    `json:"conversationType"`
	ConversationTitle string    `json:"conversationTitle"`
	SenderID          string    `json:"senderId"`
	SenderStaffID     string    `json:"senderStaffId"`
	SenderNick        string    `json:"senderNick"`
	Text              textField `json:"text"`
	CreateAt          millis    `json:"createAt"`
	Timestamp         millis    `json:"timestamp"`

	MessageID              string `json:"message_id"`
	Input                  string `json:"input"`
	SenderIDSnake          string `json:"sender_id"`
	SenderNickSnake        string `json:"sender_nick"`
	ConversationIDSnake    string `json:"conversation_id"`
	ConversationTypeSnake  string `json:"conversation_type"`
	ConversationTitleSnake string `json:"conversation_title"`

	Body string `json:"body"`
}

// textField is either a plain string or the robot form {"content": "..."}.
type textField string

func (t *textField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = textField(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = textField(obj.Content)
	return nil
}

// millis is a unix millisecond timestamp sent as a number or a string.
type millis int64

func (m *millis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*m = millis(n)
	return nil
}

// Decode parses a delivered frame into an InboundMessage. Malformed data and
// missing required fields yield *domain.ValidationError.
func Decode(d stream.Delivery) (domain.InboundMessage, error) {
	data := strings.TrimSpace(d.Frame.Data)
	if data == "" {
		return domain.InboundMessage{}, &domain.ValidationError{Op: "decode", Field: "data", Err: errMissing}
	}

	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return domain.InboundMessage{}, &domain.ValidationError{Op: "decode", Field: "data", Err: err}
	}
	if env.Body != "" {
		var inner envelope
		if err := json.Unmarshal([]byte(env.Body), &inner); err != nil {
			return domain.InboundMessage{}, &domain.ValidationError{Op: "decode", Field: "body", Err: err}
		}
		env = inner
	}

	received := d.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	ts := received
	if n := first64(env.Timestamp, env.CreateAt); n > 0 {
		ts = time.UnixMilli(n)
	}

	msg := domain.InboundMessage{
		ID:                first(env.MsgID, env.MessageID, d.Frame.Headers.MessageID),
		ConversationID:    first(env.ConversationID, env.ConversationIDSnake),
		ConversationType:  first(env.ConversationType, env.ConversationTypeSnake),
		ConversationTitle: first(env.ConversationTitle, env.ConversationTitleSnake),
		SenderID:          first(env.SenderID, env.SenderIDSnake, env.SenderStaffID),
		SenderNick:        first(env.SenderNick, env.SenderNickSnake),
		Text:              strings.TrimSpace(first(string(env.Text), env.Input)),
		Timestamp:         ts,
		ReceivedAt:        received,
		Epoch:             d.Epoch,
	}

	for _, req := range []struct{ field, value string }{
		{"msgId", msg.ID},
		{"conversationId", msg.ConversationID},
		{"senderId", msg.SenderID},
		{"text", msg.Text},
	} {
		if req.value == "" {
			return domain.InboundMessage{}, &domain.ValidationError{Op: "decode", Field: req.field, Err: errMissing}
		}
	}
	return msg, nil
}

func first(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func first64(vals ...millis) int64 {
	for _, v := range vals {
		if v > 0 {
			return int64(v)
		}
	}
	return 0
}
