// Package agent runs one bounded reasoning turn per message: plan with an
// LLM, call declared tools, observe their results, and answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dingbridge/internal/domain"
	"dingbridge/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxIterations = 6
	defaultTurnTimeout   = 30 * time.Second
	defaultFallback      = "抱歉，我暂时无法回答这个问题，请稍后再试。"
)

// Phase is the state of a turn.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseToolCall
	PhaseObserving
	PhaseDone
	PhaseError
)

var phaseNames = [...]string{"planning", "tool_call", "observing", "done", "error"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Fallback reasons reported in Outcome.Reason.
const (
	ReasonBudget     = "budget_exhausted"
	ReasonTimeout    = "turn_timeout"
	ReasonPlanner    = "planner_error"
	ReasonUndeclared = "undeclared_tool"
	ReasonEmpty      = "empty_answer"
)

// ToolInvoker is the tool layer as seen by the runtime.
type ToolInvoker interface {
	Invoke(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error)
	Definitions(names []string) []domain.ToolDefinition
}

// Outcome is the result of a turn. Text is always set: either the agent's
// answer or the fallback message.
type Outcome struct {
	Text       string
	Fallback   bool
	Reason     string // set when Fallback is true
	Phase      Phase  // PhaseDone or PhaseError
	Iterations int
	ToolCalls  int
	Err        error
}

// Runtime executes agent turns. It holds no per-conversation state; the
// dispatcher guarantees one turn per conversation at a time.
type Runtime struct {
	provider      domain.Provider
	tools         ToolInvoker
	prompt        *PromptBuilder
	maxIterations int
	turnTimeout   time.Duration
	maxTokens     int
	fallback      string
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	logger        *slog.Logger
}

type RuntimeConfig struct {
	Provider      domain.Provider
	Tools         ToolInvoker
	MaxIterations int           // K, planner calls per turn
	TurnTimeout   time.Duration // whole-turn deadline
	MaxTokens     int           // 0 uses the provider default
	Fallback      string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if strings.TrimSpace(cfg.Fallback) == "" {
		cfg.Fallback = defaultFallback
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		prompt:        NewPromptBuilder(cfg.Logger),
		maxIterations: cfg.MaxIterations,
		turnTimeout:   cfg.TurnTimeout,
		maxTokens:     cfg.MaxTokens,
		fallback:      cfg.Fallback,
		metrics:       cfg.Metrics,
		tracer:        otel.Tracer("dingbridge/agent"),
		logger:        cfg.Logger,
	}
}

// turn is the mutable state of one Run call.
type turn struct {
	agent    domain.AgentDefinition
	msg      domain.InboundMessage
	filter   *ToolFilter
	messages []domain.Message
	phase    Phase
	out      Outcome
	logger   *slog.Logger
}

func (t *turn) enter(p Phase) {
	t.logger.Debug("turn phase", "from", t.phase.String(), "to", p.String(), "iteration", t.out.Iterations)
	t.phase = p
}

// Run executes one turn of agent for msg. It never returns an error: every
// failure path ends in the fallback text, with the cause in Outcome.Err.
func (r *Runtime) Run(ctx context.Context, msg domain.InboundMessage, agent domain.AgentDefinition) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.name", agent.Name),
		attribute.String("message.id", msg.ID),
		attribute.String("conversation.id", msg.ConversationID),
	))
	defer span.End()

	t := &turn{
		agent:  agent,
		msg:    msg,
		filter: NewToolFilter(agent, r.tools.Definitions(agent.Tools)),
		messages: []domain.Message{
			{Role: "system", Content: r.prompt.System(agent, msg)},
			{Role: "user", Content: msg.Text},
		},
		phase:  PhasePlanning,
		logger: r.logger.With("agent", agent.Name, "conversation", msg.ConversationID, "msg_id", msg.ID),
	}

	r.loop(ctx, t)

	t.out.Phase = t.phase
	outcome := "answer"
	if t.out.Fallback {
		outcome = "fallback"
		t.out.Text = r.fallback
		span.SetStatus(codes.Error, t.out.Reason)
		if t.out.Err != nil {
			span.RecordError(t.out.Err)
		}
		t.logger.Warn("turn fell back", "reason", t.out.Reason, "iterations", t.out.Iterations, "err", t.out.Err)
	} else {
		t.logger.Info("turn completed", "iterations", t.out.Iterations, "tool_calls", t.out.ToolCalls, "duration", time.Since(start))
	}
	span.SetAttributes(
		attribute.Int("agent.iterations", t.out.Iterations),
		attribute.Int("agent.tool_calls", t.out.ToolCalls),
		attribute.String("agent.outcome", outcome),
	)
	r.metrics.Turn(agent.Name, outcome, time.Since(start).Seconds())
	return t.out
}

func (r *Runtime) loop(ctx context.Context, t *turn) {
	for t.out.Iterations < r.maxIterations {
		t.out.Iterations++
		t.enter(PhasePlanning)

		resp, err := r.plan(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				r.fail(t, ReasonTimeout, err)
			} else {
				r.fail(t, ReasonPlanner, err)
			}
			return
		}

		if !resp.HasToolCalls() {
			text := strings.TrimSpace(stripRolePrefix(resp.Content))
			if text == "" {
				r.fail(t, ReasonEmpty, nil)
				return
			}
			t.out.Text = text
			t.enter(PhaseDone)
			return
		}

		t.enter(PhaseToolCall)
		t.messages = append(t.messages, domain.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			if err := t.filter.Check(call.Name); err != nil {
				r.fail(t, ReasonUndeclared, err)
				return
			}
			t.out.ToolCalls++
			result := r.invoke(ctx, t, call)
			if ctx.Err() != nil {
				r.fail(t, ReasonTimeout, ctx.Err())
				return
			}
			t.enter(PhaseObserving)
			t.messages = append(t.messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}
	r.fail(t, ReasonBudget, fmt.Errorf("no answer after %d iterations", r.maxIterations))
}

func (r *Runtime) fail(t *turn, reason string, err error) {
	t.out.Fallback = true
	t.out.Reason = reason
	t.out.Err = err
	t.enter(PhaseError)
}

// plan asks the provider for the next step. Calls without an ID get one, so
// tool results can always be correlated.
func (r *Runtime) plan(ctx context.Context, t *turn) (*domain.ChatResponse, error) {
	ctx, span := r.tracer.Start(ctx, "agent.plan", trace.WithAttributes(
		attribute.Int("agent.iteration", t.out.Iterations),
		attribute.String("planner.provider", r.provider.Name()),
	))
	defer span.End()

	start := time.Now()
	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Messages:  t.messages,
		Tools:     t.filter.Definitions(),
		MaxTokens: r.maxTokens,
	})
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.Planner(r.provider.Name(), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("planner returned no response")
	}

	if !resp.HasToolCalls() && resp.Content != "" {
		if extracted := extractToolCallsFromContent(resp.Content); len(extracted) > 0 {
			t.logger.Info("extracted tool calls from content text", "count", len(extracted))
			resp.ToolCalls = extracted
			resp.Content = ""
		}
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = uuid.NewString()
		}
	}
	span.SetAttributes(attribute.Int("planner.tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

// invoke runs one declared tool call and renders the observation fed back to
// the planner: the result fields on success, a structured error otherwise.
func (r *Runtime) invoke(ctx context.Context, t *turn, call domain.ToolCall) string {
	if call.ArgumentsError != nil {
		t.logger.Info("tool call rejected", "tool", call.Name, "call_id", call.ID, "err", call.ArgumentsError)
		return ErrorObservation(call.ArgumentsError)
	}
	res, err := r.tools.Invoke(ctx, call)
	if err != nil {
		t.logger.Info("tool call failed", "tool", call.Name, "call_id", call.ID, "kind", domain.Kind(err), "err", err)
		return ErrorObservation(err)
	}
	b, err := json.Marshal(res.Fields)
	if err != nil {
		return ErrorObservation(&domain.ValidationError{Op: "tool output", Field: call.Name, Err: err})
	}
	return string(b)
}

// ErrorObservation renders err as {"error": {"kind": ..., "message": ...}}.
func ErrorObservation(err error) string {
	payload := map[string]any{
		"kind":    domain.Kind(err),
		"message": err.Error(),
	}
	var te *domain.ToolExecutionError
	if errors.As(err, &te) && te.Timeout {
		payload["timeout"] = true
	}
	b, _ := json.Marshal(map[string]any{"error": payload})
	return string(b)
}
