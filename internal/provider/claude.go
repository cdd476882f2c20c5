package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dingbridge/internal/domain"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultClaudeMaxTokens = 2048

// Claude implements domain.Provider on the Anthropic Messages API.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

type ClaudeConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultClaudeMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	system, msgs := toClaudeMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := toClaudeTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("claude: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{Provider: "claude", Status: apiErr.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("claude: %w", err)
	}

	out := &domain.ChatResponse{
		FinishReason: string(resp.StopReason),
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tb := block.AsToolUse()
			call := domain.ToolCall{ID: tb.ID, Name: tb.Name, Arguments: map[string]any{}}
			raw, err := json.Marshal(tb.Input)
			if err == nil {
				err = json.Unmarshal(raw, &call.Arguments)
			}
			if err != nil {
				c.logger.Warn("claude: unparseable tool input", "tool", tb.Name, "err", err)
				call.Arguments = map[string]any{}
				call.ArgumentsError = &domain.ValidationError{Op: "tool arguments", Field: tb.Name, Err: err}
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	out.Content = text.String()
	if out.FinishReason == "tool_use" {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}

// toClaudeMessages lifts system messages into the system prompt and merges
// consecutive tool results into one user turn, as the API requires.
func toClaudeMessages(messages []domain.Message) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "tool":
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, isErrorPayload(m.Content)))
		case "assistant":
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out
}

func toClaudeTools(defs []domain.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema anthropic.ToolInputSchemaParam
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: empty tool param", d.Name)
		}
		param.OfTool.Description = anthropic.String(d.Description)
		tools = append(tools, param)
	}
	return tools, nil
}

// isErrorPayload reports whether a tool message carries the structured
// {"error": {...}} text the runtime produces for failed calls.
func isErrorPayload(content string) bool {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	return json.Unmarshal([]byte(content), &payload) == nil && len(payload.Error) > 0
}
