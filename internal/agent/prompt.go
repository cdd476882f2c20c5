package agent

import (
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"dingbridge/internal/domain"
)

// PromptData is the data an agent instruction template is rendered with.
type PromptData struct {
	Agent        string
	Conversation domain.ConversationContext
	SenderID     string
	SenderNick   string
	Now          string
}

// PromptBuilder renders agent instructions and caches parsed templates by
// their source text, so hot-reloaded definitions get fresh templates.
type PromptBuilder struct {
	cache  sync.Map // instruction -> *template.Template
	now    func() time.Time
	logger *slog.Logger
}

func NewPromptBuilder(logger *slog.Logger) *PromptBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptBuilder{now: time.Now, logger: logger}
}

// System renders the agent's instruction for msg. A template that fails to
// parse or execute falls back to the raw instruction text.
func (p *PromptBuilder) System(agent domain.AgentDefinition, msg domain.InboundMessage) string {
	if !strings.Contains(agent.Instruction, "{{") {
		return agent.Instruction
	}
	tmpl, err := p.template(agent.Instruction)
	if err != nil {
		p.logger.Warn("invalid instruction template", "agent", agent.Name, "err", err)
		return agent.Instruction
	}

	var b strings.Builder
	err = tmpl.Execute(&b, PromptData{
		Agent:        agent.Name,
		Conversation: msg.Conversation(),
		SenderID:     msg.SenderID,
		SenderNick:   msg.SenderNick,
		Now:          p.now().Format("2006-01-02 15:04"),
	})
	if err != nil {
		p.logger.Warn("instruction template failed", "agent", agent.Name, "err", err)
		return agent.Instruction
	}
	return b.String()
}

func (p *PromptBuilder) template(src string) (*template.Template, error) {
	if t, ok := p.cache.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("instruction").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	p.cache.Store(src, t)
	return t, nil
}
