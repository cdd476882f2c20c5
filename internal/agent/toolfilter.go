package agent

import (
	"fmt"

	"dingbridge/internal/domain"
)

// ToolFilter restricts a turn to the tools its agent declares.
type ToolFilter struct {
	agent domain.AgentDefinition
	defs  []domain.ToolDefinition
}

// NewToolFilter builds the filter for agent. defs are the registry
// definitions of its declared tools; declared names missing from the
// registry are still declared but never offered to the planner.
func NewToolFilter(agent domain.AgentDefinition, defs []domain.ToolDefinition) *ToolFilter {
	tf := &ToolFilter{agent: agent}
	for _, d := range defs {
		if agent.Declares(d.Name) {
			tf.defs = append(tf.defs, d)
		}
	}
	return tf
}

// Definitions returns what the planner is offered, in declaration order.
func (tf *ToolFilter) Definitions() []domain.ToolDefinition {
	return tf.defs
}

// Check returns a *domain.DispatchError when name is outside the declared set.
func (tf *ToolFilter) Check(name string) error {
	if tf.agent.Declares(name) {
		return nil
	}
	return &domain.DispatchError{
		Op:  "tool call",
		Err: fmt.Errorf("agent %s requested undeclared tool %q", tf.agent.Name, name),
	}
}
