package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dingbridge/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements domain.Provider for OpenAI-compatible chat completion
// APIs, including DashScope's compatible mode for Qwen models.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

type OpenAIConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		oc.BaseURL = cfg.APIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	oc.HTTPClient = cfg.HTTPClient
	return &OpenAI{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}

	msgs, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("openai: convert messages: %w", err)
	}
	creq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		Tools:     toOpenAITools(req.Tools),
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		creq.Temperature = float32(req.Temperature)
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}

	choice := resp.Choices[0]
	out := &domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	for _, tc := range choice.Message.ToolCalls {
		call := domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]any{}}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
				o.logger.Warn("openai: unparseable tool arguments", "tool", tc.Function.Name, "err", err)
				call.Arguments = map[string]any{}
				call.ArgumentsError = &domain.ValidationError{Op: "tool arguments", Field: tc.Function.Name, Err: err}
			}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func toOpenAIMessages(messages []domain.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case "system":
			msg.Role = openai.ChatMessageRoleSystem
		case "user":
			msg.Role = openai.ChatMessageRoleUser
		case "assistant":
			msg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, err
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		case "tool":
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.ToolName
		default:
			return nil, fmt.Errorf("unknown role %q", m.Role)
		}
		out = append(out, msg)
	}
	return out, nil
}

func toOpenAITools(defs []domain.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		}
	}
	return tools
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: "openai", Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &StatusError{Provider: "openai", Status: reqErr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("openai: %w", err)
}
