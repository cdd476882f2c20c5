// Package dispatch routes decoded messages to agents and runs turns on a
// bounded worker pool, one turn per conversation at a time.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dingbridge/internal/domain"
	"dingbridge/internal/metrics"
)

const defaultWorkers = 8

// ErrQueueFull is wrapped in the DispatchError returned when the backlog is
// at QueueSize.
var ErrQueueFull = errors.New("dispatch queue full")

// TurnFunc runs one agent turn. It is called from a worker goroutine.
type TurnFunc func(ctx context.Context, msg domain.InboundMessage, agent domain.AgentDefinition)

type Dispatcher struct {
	router  atomic.Pointer[Router]
	turn    TurnFunc
	queue   *Serializer
	workers int
	limit   int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type DispatcherConfig struct {
	Router    *Router
	Turn      TurnFunc
	Workers   int
	QueueSize int // 0 means unbounded
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Router == nil {
		cfg.Router = NewRouter(nil, nil, cfg.Logger)
	}
	d := &Dispatcher{
		turn:    cfg.Turn,
		queue:   NewSerializer(),
		workers: cfg.Workers,
		limit:   cfg.QueueSize,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	d.router.Store(cfg.Router)
	return d
}

// SetRouter swaps the routing table. Queued jobs keep the agent they were
// routed to.
func (d *Dispatcher) SetRouter(r *Router) {
	d.router.Store(r)
	d.logger.Info("router replaced", "agents", r.Agents())
}

// Submit routes msg and queues it behind any in-flight turn for the same
// conversation. It never blocks on agent work. A routing failure is
// returned as *domain.DispatchError and the message is dropped.
func (d *Dispatcher) Submit(msg domain.InboundMessage) error {
	agent, err := d.router.Load().Route(msg)
	if err != nil {
		d.logger.Warn("message dropped: no route",
			"msg_id", msg.ID, "conversation", msg.ConversationID, "err", err)
		return err
	}
	if d.limit > 0 && d.queue.Depth() >= d.limit {
		d.logger.Warn("message rejected: queue full", "msg_id", msg.ID, "queued", d.limit)
		return &domain.DispatchError{Op: "enqueue", Err: ErrQueueFull}
	}
	d.queue.Push(msg.ConversationID, Job{Msg: msg, Agent: agent, Enqueued: time.Now()})
	d.metrics.SetQueueDepth(d.queue.Depth())
	return nil
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight turn has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	d.logger.Info("dispatcher started", "workers", d.workers)
	wg.Wait()
	if n := d.queue.Depth(); n > 0 {
		d.logger.Warn("dispatcher stopped with queued messages", "queued", n)
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		key, job, ok := d.queue.Next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.queue.Ready():
				continue
			}
		}
		d.metrics.SetQueueDepth(d.queue.Depth())
		d.logger.Debug("turn starting", "conversation", key, "msg_id", job.Msg.ID,
			"agent", job.Agent.Name, "waited", time.Since(job.Enqueued))
		d.turn(ctx, job.Msg, job.Agent)
		d.queue.Done(key)
	}
}

// Depth is the number of queued messages not yet picked up by a worker.
func (d *Dispatcher) Depth() int { return d.queue.Depth() }
