package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dingbridge/internal/domain"
	"dingbridge/internal/metrics"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxConcurrent = 16
	emptyObjectSchema    = `{"type":"object"}`
)

// ErrTimeout is wrapped by the ToolExecutionError for a timed out call.
var ErrTimeout = errors.New("tool call timed out")

// Handler executes a tool. It must honour ctx cancellation.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Spec declares a tool. Input and Output are JSON Schemas; Output must be
// an object schema with properties, which also defines the exact result fields.
type Spec struct {
	Name        string
	Description string
	Input       string
	Output      string
	Handler     Handler
	Idempotent  bool          // retried once on timeout
	Timeout     time.Duration // 0 uses the registry default
}

type registered struct {
	spec     Spec
	in       *jsonschema.Schema
	out      *jsonschema.Schema
	params   map[string]any
	declared map[string]bool
}

// Registry holds the tools and invokes them with schema checks, timeouts and
// a global concurrency limit.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered

	sem            chan struct{}
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	logger         *slog.Logger
}

type RegistryConfig struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		tools:          make(map[string]*registered),
		sem:            make(chan struct{}, cfg.MaxConcurrent),
		defaultTimeout: cfg.DefaultTimeout,
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer("dingbridge/tool"),
		logger:         cfg.Logger,
	}
}

// Register validates and adds a tool. Schemas are compiled here so a bad
// declaration fails at startup rather than on first call.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" {
		return errors.New("tool name is required")
	}
	if s.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", s.Name)
	}
	if s.Input == "" {
		s.Input = emptyObjectSchema
	}
	if s.Timeout <= 0 {
		s.Timeout = r.defaultTimeout
	}

	in, err := jsonschema.CompileString(s.Name+".input.json", s.Input)
	if err != nil {
		return fmt.Errorf("tool %s: input schema: %w", s.Name, err)
	}
	out, err := jsonschema.CompileString(s.Name+".output.json", s.Output)
	if err != nil {
		return fmt.Errorf("tool %s: output schema: %w", s.Name, err)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(s.Input), &params); err != nil {
		return fmt.Errorf("tool %s: input schema: %w", s.Name, err)
	}
	declared, err := outputFields(s.Output)
	if err != nil {
		return fmt.Errorf("tool %s: output schema: %w", s.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[s.Name]; dup {
		return fmt.Errorf("tool %s already registered", s.Name)
	}
	r.tools[s.Name] = &registered{spec: s, in: in, out: out, params: params, declared: declared}
	r.logger.Debug("registered tool", "name", s.Name)
	return nil
}

func outputFields(schema string) (map[string]bool, error) {
	var decl struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(schema), &decl); err != nil {
		return nil, err
	}
	if decl.Type != "object" || len(decl.Properties) == 0 {
		return nil, errors.New("must be an object schema with properties")
	}
	fields := make(map[string]bool, len(decl.Properties))
	for name := range decl.Properties {
		fields[name] = true
	}
	return fields, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns planner-facing definitions for names, in that order.
// Unknown names are skipped.
func (r *Registry) Definitions(names []string) []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDefinition, 0, len(names))
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			continue
		}
		defs = append(defs, domain.ToolDefinition{
			Name:        t.spec.Name,
			Description: t.spec.Description,
			Parameters:  t.params,
		})
	}
	return defs
}

// Invoke runs call. Only results that pass the output schema are returned.
//
// Errors: *domain.ValidationError for bad input or output,
// *domain.ToolExecutionError for handler failures and timeouts, and
// *domain.DispatchError for unknown tools.
func (r *Registry) Invoke(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return domain.ToolResult{}, &domain.DispatchError{Op: "invoke", Err: fmt.Errorf("unknown tool %q", call.Name)}
	}

	ctx, span := r.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	start := time.Now()
	res, status, err := r.invoke(ctx, t, call)
	r.metrics.Tool(call.Name, status, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		r.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "status", status, "err", err)
		return domain.ToolResult{}, err
	}
	r.logger.Debug("tool call succeeded", "tool", call.Name, "call_id", call.ID, "duration", time.Since(start))
	return res, nil
}

func (r *Registry) invoke(ctx context.Context, t *registered, call domain.ToolCall) (domain.ToolResult, string, error) {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(t.in, args); err != nil {
		return domain.ToolResult{}, "invalid_input", &domain.ValidationError{Op: "tool input", Field: t.spec.Name, Err: err}
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return domain.ToolResult{}, "cancelled", &domain.ToolExecutionError{Tool: t.spec.Name, Err: ctx.Err()}
	}

	out, err := r.call(ctx, t, args)
	if errors.Is(err, ErrTimeout) && t.spec.Idempotent {
		r.logger.Info("retrying idempotent tool after timeout", "tool", t.spec.Name, "call_id", call.ID)
		out, err = r.call(ctx, t, args)
	}
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return domain.ToolResult{}, "timeout", &domain.ToolExecutionError{Tool: t.spec.Name, Timeout: true, Err: err}
		}
		return domain.ToolResult{}, "error", &domain.ToolExecutionError{Tool: t.spec.Name, Err: err}
	}

	fields := make(map[string]any, len(t.declared))
	for k, v := range out {
		if t.declared[k] {
			fields[k] = v
		}
	}
	if err := validate(t.out, fields); err != nil {
		return domain.ToolResult{}, "invalid_output", &domain.ValidationError{Op: "tool output", Field: t.spec.Name, Err: err}
	}
	return domain.ToolResult{CallID: call.ID, Name: t.spec.Name, Fields: fields}, "ok", nil
}

// call runs the handler once under the tool's timeout. A handler that ignores
// ctx is abandoned when the deadline passes.
func (r *Registry) call(ctx context.Context, t *registered, args map[string]any) (map[string]any, error) {
	cctx, cancel := context.WithTimeout(ctx, t.spec.Timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		out, err := t.spec.Handler(cctx, args)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && cctx.Err() != nil && ctx.Err() == nil {
			return nil, ErrTimeout
		}
		return res.out, res.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

// validate checks v against schema after normalising it to plain JSON values.
func validate(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return schema.Validate(decoded)
}

// ArgString returns args[key] as a string, or "" when absent.
func ArgString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
