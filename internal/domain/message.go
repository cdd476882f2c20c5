package domain

import "time"

// InboundMessage is a decoded, validated platform message. It is never
// mutated after the decoder builds it.
type InboundMessage struct {
	ID                string
	ConversationID    string
	ConversationType  string
	ConversationTitle string
	SenderID          string
	SenderNick        string
	Text              string
	Timestamp         time.Time
	ReceivedAt        time.Time
	Epoch             uint64 // stream epoch the frame arrived on
}

// ConversationContext is the read-only conversation metadata attached to a message.
type ConversationContext struct {
	ID    string
	Type  string
	Title string
}

// Conversation types as sent by the platform.
const (
	ConversationPrivate = "1"
	ConversationGroup   = "2"
)

func (m InboundMessage) Conversation() ConversationContext {
	return ConversationContext{ID: m.ConversationID, Type: m.ConversationType, Title: m.ConversationTitle}
}

// IsGroup reports whether the message came from a group conversation.
func (c ConversationContext) IsGroup() bool {
	return c.Type != "" && c.Type != ConversationPrivate
}

// Reply content types.
const (
	ContentText     = "text"
	ContentMarkdown = "markdown"
)

// OutboundReply is a final agent answer addressed to a conversation.
type OutboundReply struct {
	Receiver    string   `json:"receiver"`
	Content     string   `json:"content"`
	ContentType string   `json:"contentType"`
	AtUserIDs   []string `json:"atUserIds,omitempty"`
}
