package domain

// ToolCall is a single tool invocation requested by an agent.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// ArgumentsError is set when the planner sent arguments that could not
	// be decoded. Arguments is then empty and the call must not run.
	ArgumentsError error `json:"-"`
}

// ToolResult carries exactly the fields declared by the tool's output schema.
type ToolResult struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
}

// ToolDefinition describes a tool to a planner in OpenAI-compatible form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
