package dispatch

import (
	"sync"
	"time"

	"dingbridge/internal/domain"
)

// Job is one routed message waiting for its turn.
type Job struct {
	Msg      domain.InboundMessage
	Agent    domain.AgentDefinition
	Enqueued time.Time
}

// Serializer queues jobs per conversation and hands out at most one job per
// conversation at a time. Conversations become ready in the order their
// first pending job arrived.
type Serializer struct {
	mu      sync.Mutex
	pending map[string][]Job
	active  map[string]bool
	ready   []string
	depth   int

	notify chan struct{}
}

func NewSerializer() *Serializer {
	return &Serializer{
		pending: make(map[string][]Job),
		active:  make(map[string]bool),
		notify:  make(chan struct{}, 1),
	}
}

// Push appends j to the queue for key.
func (s *Serializer) Push(key string, j Job) {
	s.mu.Lock()
	wasEmpty := len(s.pending[key]) == 0
	s.pending[key] = append(s.pending[key], j)
	s.depth++
	if wasEmpty && !s.active[key] {
		s.ready = append(s.ready, key)
	}
	s.mu.Unlock()
	s.signal()
}

// Next claims the oldest ready conversation and returns its next job. The
// caller must call Done(key) when the job finishes.
func (s *Serializer) Next() (string, Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return "", Job{}, false
	}
	key := s.ready[0]
	s.ready = s.ready[1:]
	s.active[key] = true

	q := s.pending[key]
	j := q[0]
	q[0] = Job{}
	if len(q) == 1 {
		delete(s.pending, key)
	} else {
		s.pending[key] = q[1:]
	}
	s.depth--

	if len(s.ready) > 0 {
		s.signal()
	}
	return key, j, true
}

// Done releases key; its next job, if any, becomes ready.
func (s *Serializer) Done(key string) {
	s.mu.Lock()
	delete(s.active, key)
	more := len(s.pending[key]) > 0
	if more {
		s.ready = append(s.ready, key)
	}
	s.mu.Unlock()
	if more {
		s.signal()
	}
}

// Ready is signalled whenever a job may be available.
func (s *Serializer) Ready() <-chan struct{} { return s.notify }

// Depth returns the number of queued, unclaimed jobs.
func (s *Serializer) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

func (s *Serializer) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
