package stream

import "encoding/json"

// Frame types on the DingTalk stream.
const (
	FrameSystem   = "SYSTEM"
	FrameEvent    = "EVENT"
	FrameCallback = "CALLBACK"
)

// System topics.
const (
	TopicPing       = "ping"
	TopicDisconnect = "disconnect"
)

// Frame is a message read from the stream.
type Frame struct {
	SpecVersion string  `json:"specVersion,omitempty"`
	Type        string  `json:"type"`
	Headers     Headers `json:"headers"`
	Data        string  `json:"data"`
}

type Headers struct {
	Topic        string `json:"topic,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	Time         string `json:"time,omitempty"`
	AppID        string `json:"appId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Ack is written back for every SYSTEM ping and every delivered frame.
type Ack struct {
	Code    int        `json:"code"`
	Headers AckHeaders `json:"headers"`
	Message string     `json:"message"`
	Data    string     `json:"data"`
}

type AckHeaders struct {
	MessageID   string `json:"messageId"`
	ContentType string `json:"contentType"`
}

const (
	AckOK    = 200
	AckLater = 400 // platform will redeliver
	AckError = 500
)

// NewAck builds an ACK for f. A nil body encodes as an empty object.
func NewAck(f Frame, code int, message string, body any) Ack {
	data := "{}"
	if body != nil {
		if b, err := json.Marshal(body); err == nil {
			data = string(b)
		}
	}
	return Ack{
		Code:    code,
		Headers: AckHeaders{MessageID: f.Headers.MessageID, ContentType: "application/json"},
		Message: message,
		Data:    data,
	}
}

// pingAck echoes the ping payload as the protocol requires.
func pingAck(f Frame) Ack {
	data := f.Data
	if data == "" {
		data = "{}"
	}
	return Ack{
		Code:    AckOK,
		Headers: AckHeaders{MessageID: f.Headers.MessageID, ContentType: "application/json"},
		Message: "OK",
		Data:    data,
	}
}
