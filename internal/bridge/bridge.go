// Package bridge assembles the message pipeline: stream deliveries are
// decoded, deduplicated and queued; workers run agent turns and send the
// replies.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dingbridge/internal/agent"
	"dingbridge/internal/bus"
	"dingbridge/internal/dispatch"
	"dingbridge/internal/domain"
	"dingbridge/internal/inbound"
	"dingbridge/internal/metrics"
	"dingbridge/internal/stream"
)

// Runner runs one agent turn.
type Runner interface {
	Run(ctx context.Context, msg domain.InboundMessage, agent domain.AgentDefinition) agent.Outcome
}

// Sender delivers a reply.
type Sender interface {
	Emit(ctx context.Context, reply domain.OutboundReply) error
}

// CredentialSetter is anything that caches credentials and must follow a
// config reload, e.g. auth.TokenSource.
type CredentialSetter interface {
	SetCredentials(domain.Credentials)
}

// Bridge owns the stream manager and the dispatcher and connects them to the
// agent runtime and the reply emitter.
type Bridge struct {
	manager    *stream.Manager
	dispatcher *dispatch.Dispatcher
	gate       *inbound.Gate
	runtime    Runner
	emitter    Sender
	tokens     []CredentialSetter

	events  *bus.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger

	stats counters

	mu    sync.Mutex
	creds domain.Credentials
}

type Config struct {
	// Stream configures the connection manager. Its Handler is replaced
	// by the bridge.
	Stream    stream.ManagerConfig
	Gate      *inbound.Gate
	Router    *dispatch.Router
	Workers   int
	QueueSize int
	Runtime   Runner
	Emitter   Sender
	// Tokens receive new credentials on reload.
	Tokens  []CredentialSetter
	Events  *bus.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gate == nil {
		cfg.Gate = inbound.NewGate(inbound.GateConfig{Logger: cfg.Logger})
	}
	b := &Bridge{
		gate:    cfg.Gate,
		runtime: cfg.Runtime,
		emitter: cfg.Emitter,
		tokens:  cfg.Tokens,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		creds:   cfg.Stream.Credentials,
	}
	b.dispatcher = dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Router:    cfg.Router,
		Turn:      b.runTurn,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger.With("component", "dispatch"),
	})

	sc := cfg.Stream
	sc.Handler = b.Handle
	if sc.Events == nil {
		sc.Events = cfg.Events
	}
	if sc.Metrics == nil {
		sc.Metrics = cfg.Metrics
	}
	if sc.Logger == nil {
		sc.Logger = cfg.Logger.With("component", "stream")
	}
	b.manager = stream.NewManager(sc)
	return b
}

// Run starts the workers and the stream supervisor and blocks until ctx is
// cancelled and every in-flight turn has returned.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.dispatcher.Run(ctx)
	}()

	err := b.manager.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle is the stream handler. It decodes, deduplicates and queues the
// delivery and returns the ACK; it never waits for agent work.
func (b *Bridge) Handle(ctx context.Context, d stream.Delivery) stream.Ack {
	msg, err := inbound.Decode(d)
	if err != nil {
		b.stats.errors.Add(1)
		b.metrics.Message("invalid")
		b.logger.Warn("frame dropped: invalid message",
			"frame_id", d.Frame.Headers.MessageID, "epoch", d.Epoch, "err", err)
		b.dropped(d.Frame.Headers.MessageID, "invalid", err)
		// ACKed so the platform does not redeliver a frame we can never read.
		return stream.NewAck(d.Frame, stream.AckOK, "OK", nil)
	}

	if err := b.gate.Admit(ctx, msg.ID); err != nil {
		b.stats.duplicates.Add(1)
		b.metrics.Message("duplicate")
		b.logger.Debug("duplicate message dropped", "msg_id", msg.ID, "epoch", d.Epoch)
		return stream.NewAck(d.Frame, stream.AckOK, "OK", nil)
	}

	b.stats.received.Add(1)
	b.stats.lastMessage.Store(msg.ReceivedAt.UnixNano())
	b.metrics.Message("accepted")
	b.events.Emit(bus.Event{
		Type:   bus.EventMessageReceived,
		Source: "bridge",
		Payload: map[string]any{
			"msg_id":       msg.ID,
			"conversation": msg.ConversationID,
			"sender":       msg.SenderID,
			"epoch":        msg.Epoch,
		},
	})

	if err := b.dispatcher.Submit(msg); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			// Let the platform redeliver once the backlog drains.
			b.gate.Forget(msg.ID)
			b.dropped(msg.ID, "queue_full", err)
			return stream.NewAck(d.Frame, stream.AckLater, "busy", nil)
		}
		b.stats.errors.Add(1)
		b.dropped(msg.ID, "no_route", err)
	}
	return stream.NewAck(d.Frame, stream.AckOK, "OK", nil)
}

func (b *Bridge) dropped(id, reason string, err error) {
	b.events.Emit(bus.Event{
		Type:    bus.EventMessageDropped,
		Source:  "bridge",
		Payload: map[string]any{"msg_id": id, "reason": reason, "kind": domain.Kind(err), "error": err.Error()},
	})
}

// runTurn is the dispatcher's TurnFunc.
func (b *Bridge) runTurn(ctx context.Context, msg domain.InboundMessage, def domain.AgentDefinition) {
	logger := b.logger.With("msg_id", msg.ID, "conversation", msg.ConversationID, "agent", def.Name)
	start := time.Now()

	out := b.runtime.Run(ctx, msg, def)
	if out.Reason == agent.ReasonTimeout {
		b.stats.timeouts.Add(1)
	}
	if ctx.Err() != nil {
		// Shutting down. The message is not recorded as processed so a
		// redelivery after restart is answered.
		logger.Warn("turn abandoned on shutdown", "reason", out.Reason)
		return
	}

	reply := domain.OutboundReply{
		Receiver:    msg.ConversationID,
		Content:     out.Text,
		ContentType: def.ReplyType(),
	}
	if msg.Conversation().IsGroup() {
		reply.AtUserIDs = []string{msg.SenderID}
	}

	err := b.emitter.Emit(ctx, reply)
	switch {
	case err == nil:
		b.stats.processed.Add(1)
	case domain.IsAuth(err):
		b.stats.errors.Add(1)
		logger.Error("reply failed: credentials rejected", "err", err)
	default:
		b.stats.errors.Add(1)
		logger.Warn("reply dropped", "kind", domain.Kind(err), "err", err)
	}
	b.gate.Complete(ctx, msg.ID)

	b.events.Emit(bus.Event{
		Type:   bus.EventTurnCompleted,
		Source: "bridge",
		Payload: map[string]any{
			"msg_id":       msg.ID,
			"conversation": msg.ConversationID,
			"agent":        def.Name,
			"fallback":     out.Fallback,
			"reason":       out.Reason,
			"iterations":   out.Iterations,
			"delivered":    err == nil,
		},
	})
	logger.Info("turn finished",
		"fallback", out.Fallback,
		"reason", out.Reason,
		"iterations", out.Iterations,
		"tool_calls", out.ToolCalls,
		"delivered", err == nil,
		"duration", time.Since(start),
	)
}

// Ready implements metrics.Health.
func (b *Bridge) Ready() bool { return b.manager.Ready() }

// Status implements metrics.Health.
func (b *Bridge) Status() any { return b.Stats() }
