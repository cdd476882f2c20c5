package domain

import "slices"

// Predicate decides whether an agent is responsible for a message.
type Predicate func(msg InboundMessage) bool

// AgentDefinition is a registered agent. Definitions are immutable once the
// router holding them is built; reloads replace the router wholesale.
type AgentDefinition struct {
	Name        string
	Instruction string   // text/template rendered per turn
	Tools       []string // declared tool names, in order
	Reply       string   // ContentText or ContentMarkdown
	Match       Predicate
}

// Declares reports whether tool is in the agent's declared tool set.
func (a AgentDefinition) Declares(tool string) bool {
	return slices.Contains(a.Tools, tool)
}

// ReplyType returns the reply content type, defaulting to plain text.
func (a AgentDefinition) ReplyType() string {
	if a.Reply == ContentMarkdown {
		return ContentMarkdown
	}
	return ContentText
}
