package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dingbridge/internal/domain"
	"dingbridge/internal/tool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedPlanner answers each Chat with the next step of script, repeating
// the last step once the script runs out.
type scriptedPlanner struct {
	mu       sync.Mutex
	script   []func(req domain.ChatRequest) (*domain.ChatResponse, error)
	requests []domain.ChatRequest
}

func (p *scriptedPlanner) Name() string { return "scripted" }

func (p *scriptedPlanner) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	step := p.script[min(n, len(p.script)-1)]
	p.mu.Unlock()
	return step(req)
}

func (p *scriptedPlanner) seen() []domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRequest(nil), p.requests...)
}

func callTool(name string, args map[string]any) func(domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{ToolCalls: []domain.ToolCall{{ID: "call-" + name, Name: name, Arguments: args}}}, nil
	}
}

func answer(text string) func(domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Content: text}, nil
	}
}

func lastToolMessage(t *testing.T, req domain.ChatRequest) map[string]any {
	t.Helper()
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "tool" {
			var v map[string]any
			require.NoError(t, json.Unmarshal([]byte(req.Messages[i].Content), &v))
			return v
		}
	}
	t.Fatal("no tool message in request")
	return nil
}

func builtinRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry(tool.RegistryConfig{Logger: testLogger()})
	require.NoError(t, tool.RegisterBuiltins(r, nil))
	return r
}

var weatherAgent = domain.AgentDefinition{
	Name:        "weather",
	Instruction: "你是天气助手。",
	Tools:       []string{"getWeather"},
}

var beijing = domain.InboundMessage{ID: "m1", ConversationID: "c1", SenderID: "u1", Text: "北京天气怎么样"}

func TestRun_WeatherAnswer(t *testing.T) {
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		callTool("getWeather", map[string]any{"city": "北京"}),
		answer("北京今天晴，22°C，湿度40%，北风。"),
	}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: builtinRegistry(t), Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	assert.False(t, out.Fallback)
	assert.Equal(t, PhaseDone, out.Phase)
	assert.Equal(t, "北京今天晴，22°C，湿度40%，北风。", out.Text)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, 1, out.ToolCalls)

	reqs := planner.seen()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "getWeather", reqs[0].Tools[0].Name)
	assert.Equal(t, "system", reqs[0].Messages[0].Role)
	assert.Equal(t, "你是天气助手。", reqs[0].Messages[0].Content)

	obs := lastToolMessage(t, reqs[1])
	assert.Equal(t, map[string]any{
		"location": "北京", "day": "今天", "text": "晴",
		"temperature": float64(22), "humidity": float64(40), "wind_direction": "北",
	}, obs)
}

func TestRun_DoubleTimeoutFallsBack(t *testing.T) {
	var calls atomic.Int32
	reg := tool.NewRegistry(tool.RegistryConfig{Logger: testLogger()})
	require.NoError(t, reg.Register(tool.Spec{
		Name:       "getWeather",
		Output:     `{"type":"object","properties":{"text":{"type":"string"}}}`,
		Idempotent: true,
		Timeout:    10 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		callTool("getWeather", map[string]any{"city": "北京"}),
	}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: reg, MaxIterations: 3, Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	assert.True(t, out.Fallback)
	assert.Equal(t, ReasonBudget, out.Reason)
	assert.Equal(t, PhaseError, out.Phase)
	assert.Equal(t, defaultFallback, out.Text)
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, int32(6), calls.Load(), "each call is tried twice")

	reqs := planner.seen()
	require.Len(t, reqs, 3)
	errObs := lastToolMessage(t, reqs[1])["error"].(map[string]any)
	assert.Equal(t, domain.KindToolExec, errObs["kind"])
	assert.Equal(t, true, errObs["timeout"])
}

func TestRun_TurnTimeoutCancelsToolAndFallsBack(t *testing.T) {
	cancelled := make(chan struct{})
	reg := tool.NewRegistry(tool.RegistryConfig{Logger: testLogger()})
	require.NoError(t, reg.Register(tool.Spec{
		Name:    "getWeather",
		Output:  `{"type":"object","properties":{"text":{"type":"string"}}}`,
		Timeout: 5 * time.Second,
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		},
	}))
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		callTool("getWeather", map[string]any{"city": "北京"}),
	}}
	rt := NewRuntime(RuntimeConfig{
		Provider: planner, Tools: reg, TurnTimeout: 50 * time.Millisecond,
		Fallback: "稍后再试", Logger: testLogger(),
	})

	start := time.Now()
	out := rt.Run(context.Background(), beijing, weatherAgent)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, out.Fallback)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.Equal(t, "稍后再试", out.Text)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight tool was not cancelled")
	}
}

type countingTools struct {
	inner ToolInvoker
	calls atomic.Int32
}

func (c *countingTools) Invoke(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	c.calls.Add(1)
	return c.inner.Invoke(ctx, call)
}

func (c *countingTools) Definitions(names []string) []domain.ToolDefinition {
	return c.inner.Definitions(names)
}

func TestRun_UndeclaredToolIsDispatchErrorThenFallback(t *testing.T) {
	tools := &countingTools{inner: builtinRegistry(t)}
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		callTool("tell_joke", nil),
	}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: tools, Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	assert.True(t, out.Fallback)
	assert.Equal(t, ReasonUndeclared, out.Reason)
	assert.True(t, domain.IsDispatch(out.Err))
	assert.Equal(t, int32(0), tools.calls.Load(), "undeclared tool must not run")
	assert.Equal(t, 1, out.Iterations)
}

func TestRun_PlannerErrorFallsBack(t *testing.T) {
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		func(domain.ChatRequest) (*domain.ChatResponse, error) { return nil, errors.New("503 overloaded") },
	}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: builtinRegistry(t), Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	assert.True(t, out.Fallback)
	assert.Equal(t, ReasonPlanner, out.Reason)
	assert.ErrorContains(t, out.Err, "503")
}

func TestRun_ToolErrorsBecomeContext(t *testing.T) {
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		callTool("getWeather", map[string]any{}),
		callTool("getWeather", map[string]any{"city": "火星"}),
		answer("暂不支持该城市。"),
	}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: builtinRegistry(t), Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	require.False(t, out.Fallback)
	assert.Equal(t, "暂不支持该城市。", out.Text)

	reqs := planner.seen()
	require.Len(t, reqs, 3)
	first := lastToolMessage(t, reqs[1])["error"].(map[string]any)
	assert.Equal(t, domain.KindValidation, first["kind"])
	second := lastToolMessage(t, reqs[2])["error"].(map[string]any)
	assert.Equal(t, domain.KindToolExec, second["kind"])
	assert.Contains(t, second["message"], "unknown city")
}

func TestRun_UndecodableArgumentsBecomeValidationObservation(t *testing.T) {
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		func(domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{ToolCalls: []domain.ToolCall{{
				ID:             "call-bad",
				Name:           "getWeather",
				Arguments:      map[string]any{},
				ArgumentsError: &domain.ValidationError{Op: "tool arguments", Field: "getWeather", Err: errors.New("unexpected end of JSON input")},
			}}}, nil
		},
		answer("请告诉我城市名称。"),
	}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: builtinRegistry(t), Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	require.False(t, out.Fallback)
	assert.Equal(t, 1, out.ToolCalls)

	obs := lastToolMessage(t, planner.seen()[1])["error"].(map[string]any)
	assert.Equal(t, domain.KindValidation, obs["kind"])
	assert.Contains(t, obs["message"], "tool arguments")
}

func TestRun_ToolCallsRecoveredFromContent(t *testing.T) {
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){
		answer("```json\n{\"name\": \"get_weather\", \"arguments\": {\"city\": \"上海\"}}\n```"),
		answer("上海多云。"),
	}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: builtinRegistry(t), Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	require.False(t, out.Fallback)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, "上海", lastToolMessage(t, planner.seen()[1])["location"])
}

func TestRun_EmptyAnswerFallsBack(t *testing.T) {
	planner := &scriptedPlanner{script: []func(domain.ChatRequest) (*domain.ChatResponse, error){answer("  ")}}
	rt := NewRuntime(RuntimeConfig{Provider: planner, Tools: builtinRegistry(t), Logger: testLogger()})

	out := rt.Run(context.Background(), beijing, weatherAgent)
	assert.True(t, out.Fallback)
	assert.Equal(t, ReasonEmpty, out.Reason)
}

func TestErrorObservation(t *testing.T) {
	var v map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(ErrorObservation(&domain.ToolExecutionError{Tool: "x", Timeout: true, Err: tool.ErrTimeout})), &v))
	assert.Equal(t, domain.KindToolExec, v["error"]["kind"])
	assert.Equal(t, true, v["error"]["timeout"])

	require.NoError(t, json.Unmarshal([]byte(ErrorObservation(errors.New("plain"))), &v))
	assert.Equal(t, domain.KindUnknown, v["error"]["kind"])
	assert.Equal(t, "plain", v["error"]["message"])
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "planning", PhasePlanning.String())
	assert.Equal(t, "tool_call", PhaseToolCall.String())
	assert.Equal(t, "observing", PhaseObserving.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "error", PhaseError.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
