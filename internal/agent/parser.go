package agent

import (
	"encoding/json"
	"strings"

	"dingbridge/internal/domain"

	"github.com/google/uuid"
)

// extractToolCallsFromContent recovers tool calls that a model wrote as JSON
// text instead of using structured tool calls. Accepted shapes:
//   - a bare object `{"name":"getWeather","arguments":{...}}` or an array of them
//   - the same inside a ```json fence
//   - the same surrounded by prose ("好的。\n{...}\n马上查询。")
func extractToolCallsFromContent(content string) []domain.ToolCall {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	if calls := parseToolJSON(content); len(calls) > 0 {
		return calls
	}
	if start, end := findJSONBounds(content); start >= 0 && end > start {
		if calls := parseToolJSON(content[start:end]); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// findJSONBounds locates the first balanced JSON object or array in s and
// returns [start, end). It returns (-1, -1) when there is none.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}
	openCh, closeCh := s[start], byte('}')
	if openCh == '[' {
		closeCh = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch ch {
			case '\\':
				i++
			case '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

type textCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

func (c textCall) toolCall() domain.ToolCall {
	args := c.Arguments
	if args == nil {
		args = c.Parameters
	}
	if args == nil {
		args = map[string]any{}
	}
	return domain.ToolCall{ID: uuid.NewString(), Name: normalizeToolName(c.Name), Arguments: args}
}

func parseToolJSON(raw string) []domain.ToolCall {
	text := raw
	var single textCall
	if err := json.Unmarshal([]byte(text), &single); err != nil {
		text = sanitizeJSONEscapes(raw)
		_ = json.Unmarshal([]byte(text), &single)
	}
	if single.Name != "" {
		return []domain.ToolCall{single.toolCall()}
	}

	var multi []textCall
	if err := json.Unmarshal([]byte(text), &multi); err != nil {
		return nil
	}
	var calls []domain.ToolCall
	for _, c := range multi {
		if c.Name != "" {
			calls = append(calls, c.toolCall())
		}
	}
	return calls
}

var toolAliases = map[string]string{
	"getweather":  "getWeather",
	"get_weather": "getWeather",
	"get-weather": "getWeather",
	"weather":     "getWeather",
	"gettime":     "get_time",
	"get-time":    "get_time",
	"telljoke":    "tell_joke",
	"tell-joke":   "tell_joke",
	"joke":        "tell_joke",
	"listtools":   "list_tools",
	"list-tools":  "list_tools",
}

// normalizeToolName maps the spellings models commonly invent to the
// registered tool names.
func normalizeToolName(name string) string {
	if mapped, ok := toolAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return mapped
	}
	return name
}

// stripRolePrefix removes a leaked "assistant" role prefix from content.
func stripRolePrefix(content string) string {
	for _, p := range []string{"assistant\n", "Assistant\n", "assistant:\n", "Assistant:\n", "assistant: ", "Assistant: "} {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// sanitizeJSONEscapes drops the backslash from escape sequences JSON does
// not allow (\% or \Y), which some models produce.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
