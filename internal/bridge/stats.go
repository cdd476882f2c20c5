package bridge

import (
	"sync/atomic"
	"time"

	"dingbridge/internal/bus"
	"dingbridge/internal/stream"
)

type counters struct {
	received    atomic.Int64
	processed   atomic.Int64
	duplicates  atomic.Int64
	errors      atomic.Int64
	timeouts    atomic.Int64
	lastMessage atomic.Int64 // unix nanos
}

// Stats is the pipeline snapshot served on /status.
type Stats struct {
	MessagesReceived  int64          `json:"messages_received"`
	MessagesProcessed int64          `json:"messages_processed"`
	Duplicates        int64          `json:"duplicates"`
	Errors            int64          `json:"errors"`
	Timeouts          int64          `json:"timeouts"`
	LastMessageTime   *time.Time     `json:"last_message_time"`
	State             string         `json:"state"`
	Epoch             uint64         `json:"epoch"`
	QueueDepth        int            `json:"queue_depth"`
	DedupEntries      int            `json:"dedup_entries"`
	Session           stream.Session `json:"session"`
	LastAlert         *Alert         `json:"last_alert,omitempty"`
}

// Alert is the most recent operator alert raised by the stream manager.
type Alert struct {
	Reason string    `json:"reason"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

func (b *Bridge) Stats() Stats {
	sess := b.manager.Snapshot()
	s := Stats{
		MessagesReceived:  b.stats.received.Load(),
		MessagesProcessed: b.stats.processed.Load(),
		Duplicates:        b.stats.duplicates.Load(),
		Errors:            b.stats.errors.Load(),
		Timeouts:          b.stats.timeouts.Load(),
		State:             sess.StateName,
		Epoch:             sess.Epoch,
		QueueDepth:        b.dispatcher.Depth(),
		DedupEntries:      b.gate.Size(),
		Session:           sess,
	}
	if n := b.stats.lastMessage.Load(); n > 0 {
		t := time.Unix(0, n)
		s.LastMessageTime = &t
	}
	if b.events != nil {
		if ev, ok := b.events.Latest(bus.EventStreamAlert); ok {
			a := &Alert{At: ev.Timestamp}
			a.Reason, _ = ev.Payload["reason"].(string)
			a.Error, _ = ev.Payload["error"].(string)
			s.LastAlert = a
		}
	}
	return s
}
