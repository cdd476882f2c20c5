package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dingbridge/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, conv, text string) domain.InboundMessage {
	return domain.InboundMessage{ID: id, ConversationID: conv, SenderID: "u", Text: text}
}

func keywordAgent(name, kw string) domain.AgentDefinition {
	return domain.AgentDefinition{
		Name:  name,
		Match: func(m domain.InboundMessage) bool { return strings.Contains(m.Text, kw) },
	}
}

func TestRouter_FirstMatchWins(t *testing.T) {
	def := domain.AgentDefinition{Name: "assistant"}
	r := NewRouter([]domain.AgentDefinition{
		keywordAgent("weather", "天气"),
		keywordAgent("weather-2", "天气"),
		{Name: "no-predicate"},
	}, &def, nil)

	a, err := r.Route(msg("1", "c", "北京天气"))
	require.NoError(t, err)
	assert.Equal(t, "weather", a.Name)

	a, err = r.Route(msg("2", "c", "你好"))
	require.NoError(t, err)
	assert.Equal(t, "assistant", a.Name)

	assert.Equal(t, []string{"weather", "weather-2", "assistant"}, r.Agents())
}

func TestRouter_NoMatchNoDefault(t *testing.T) {
	r := NewRouter([]domain.AgentDefinition{keywordAgent("weather", "天气")}, nil, nil)
	_, err := r.Route(msg("1", "c", "hello"))
	require.Error(t, err)
	assert.True(t, domain.IsDispatch(err))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestSerializer_OneJobPerKey(t *testing.T) {
	s := NewSerializer()
	s.Push("a", Job{Msg: msg("a1", "a", "")})
	s.Push("a", Job{Msg: msg("a2", "a", "")})
	s.Push("b", Job{Msg: msg("b1", "b", "")})
	assert.Equal(t, 3, s.Depth())

	k, j, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "a", k)
	assert.Equal(t, "a1", j.Msg.ID)

	k, j, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, "b", k, "a is busy so b is next")
	assert.Equal(t, "b1", j.Msg.ID)

	_, _, ok = s.Next()
	assert.False(t, ok, "a2 waits for a1")

	s.Done("a")
	k, j, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, "a", k)
	assert.Equal(t, "a2", j.Msg.ID)
	assert.Equal(t, 0, s.Depth())
}

type turnRecorder struct {
	mu        sync.Mutex
	inFlight  map[string]int
	overlap   bool
	order     map[string][]string
	maxGlobal int
	global    int
	done      sync.WaitGroup
}

func newTurnRecorder(n int) *turnRecorder {
	r := &turnRecorder{inFlight: map[string]int{}, order: map[string][]string{}}
	r.done.Add(n)
	return r
}

func (r *turnRecorder) turn(ctx context.Context, m domain.InboundMessage, _ domain.AgentDefinition) {
	defer r.done.Done()
	r.mu.Lock()
	r.inFlight[m.ConversationID]++
	if r.inFlight[m.ConversationID] > 1 {
		r.overlap = true
	}
	r.global++
	if r.global > r.maxGlobal {
		r.maxGlobal = r.global
	}
	r.order[m.ConversationID] = append(r.order[m.ConversationID], m.ID)
	r.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	r.mu.Lock()
	r.inFlight[m.ConversationID]--
	r.global--
	r.mu.Unlock()
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() { wg.Wait(); close(ch) }()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("turns did not finish")
	}
}

func TestDispatcher_NoOverlappingTurnsPerConversation(t *testing.T) {
	const convs, perConv = 5, 20
	rec := newTurnRecorder(convs * perConv)
	def := domain.AgentDefinition{Name: "assistant"}
	d := NewDispatcher(DispatcherConfig{
		Router:  NewRouter(nil, &def, nil),
		Turn:    rec.turn,
		Workers: 4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { d.Run(ctx); close(stopped) }()
	defer func() { cancel(); <-stopped }()

	for i := 0; i < perConv; i++ {
		for c := 0; c < convs; c++ {
			conv := fmt.Sprintf("conv-%d", c)
			require.NoError(t, d.Submit(msg(fmt.Sprintf("%s-%02d", conv, i), conv, "hi")))
		}
	}
	waitGroup(t, &rec.done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(t, rec.overlap, "two turns overlapped in one conversation")
	assert.LessOrEqual(t, rec.maxGlobal, 4)
	for c := 0; c < convs; c++ {
		conv := fmt.Sprintf("conv-%d", c)
		ids := rec.order[conv]
		require.Len(t, ids, perConv)
		for i, id := range ids {
			assert.Equal(t, fmt.Sprintf("%s-%02d", conv, i), id, "FIFO order within a conversation")
		}
	}
}

func TestDispatcher_ConversationsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	def := domain.AgentDefinition{Name: "assistant"}
	d := NewDispatcher(DispatcherConfig{
		Router: NewRouter(nil, &def, nil),
		Turn: func(ctx context.Context, m domain.InboundMessage, _ domain.AgentDefinition) {
			started <- m.ConversationID
			<-release
		},
		Workers: 2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { d.Run(ctx); close(stopped) }()
	defer func() { cancel(); <-stopped }()
	defer close(release)

	require.NoError(t, d.Submit(msg("1", "a", "x")))
	require.NoError(t, d.Submit(msg("2", "b", "x")))

	seen := map[string]bool{}
	for range 2 {
		select {
		case c := <-started:
			seen[c] = true
		case <-time.After(2 * time.Second):
			t.Fatal("second conversation blocked by the first")
		}
	}
	assert.True(t, seen["a"] && seen["b"])
}

func TestDispatcher_DropsUnroutable(t *testing.T) {
	called := false
	d := NewDispatcher(DispatcherConfig{
		Router: NewRouter([]domain.AgentDefinition{keywordAgent("weather", "天气")}, nil, nil),
		Turn:   func(context.Context, domain.InboundMessage, domain.AgentDefinition) { called = true },
	})
	err := d.Submit(msg("1", "c", "hello"))
	assert.True(t, domain.IsDispatch(err))
	assert.Equal(t, 0, d.Depth())
	assert.False(t, called)
}

func TestDispatcher_SetRouter(t *testing.T) {
	got := make(chan string, 1)
	d := NewDispatcher(DispatcherConfig{
		Router: NewRouter(nil, nil, nil),
		Turn: func(_ context.Context, _ domain.InboundMessage, a domain.AgentDefinition) {
			got <- a.Name
		},
		Workers: 1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { d.Run(ctx); close(stopped) }()
	defer func() { cancel(); <-stopped }()

	assert.Error(t, d.Submit(msg("1", "c", "天气")))

	d.SetRouter(NewRouter([]domain.AgentDefinition{keywordAgent("weather", "天气")}, nil, nil))
	require.NoError(t, d.Submit(msg("2", "c", "天气")))
	select {
	case name := <-got:
		assert.Equal(t, "weather", name)
	case <-time.After(2 * time.Second):
		t.Fatal("turn not run")
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	def := domain.AgentDefinition{Name: "assistant"}
	d := NewDispatcher(DispatcherConfig{
		Router:    NewRouter(nil, &def, nil),
		Turn:      func(context.Context, domain.InboundMessage, domain.AgentDefinition) {},
		QueueSize: 2,
	})
	require.NoError(t, d.Submit(msg("1", "a", "x")))
	require.NoError(t, d.Submit(msg("2", "b", "x")))

	err := d.Submit(msg("3", "c", "x"))
	assert.True(t, domain.IsDispatch(err))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, d.Depth())
}
