package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dingbridge/internal/auth"
	"dingbridge/internal/bus"
	"dingbridge/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (s *staticToken) Token(context.Context) (string, error) { return s.token, s.err }
func (s *staticToken) Invalidate()                          { s.invalidated.Add(1) }

// replyAPI answers with statuses[i] for the i-th request, then 200.
type replyAPI struct {
	srv      *httptest.Server
	mu       sync.Mutex
	statuses []int
	bodies   []domain.OutboundReply
	tokens   []string
}

func newReplyAPI(t *testing.T, statuses ...int) *replyAPI {
	t.Helper()
	api := &replyAPI{statuses: statuses}
	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body domain.OutboundReply
		_ = json.NewDecoder(r.Body).Decode(&body)
		api.mu.Lock()
		n := len(api.bodies)
		api.bodies = append(api.bodies, body)
		api.tokens = append(api.tokens, r.Header.Get(tokenHeader))
		status := http.StatusOK
		if n < len(api.statuses) {
			status = api.statuses[n]
		}
		api.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":true}`))
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *replyAPI) requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bodies)
}

func newEmitter(url string, creds domain.CredentialProvider, events *bus.EventBus) *Emitter {
	return New(Config{
		URL:         url,
		Credentials: creds,
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		Events:      events,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

var reply = domain.OutboundReply{Receiver: "cid-1", Content: "北京今天晴", ContentType: domain.ContentMarkdown, AtUserIDs: []string{"u1"}}

func TestEmit_PostsReplyWithToken(t *testing.T) {
	api := newReplyAPI(t)
	events := bus.NewEventBus(nil)
	e := newEmitter(api.srv.URL, &staticToken{token: "tok"}, events)

	require.NoError(t, e.Emit(context.Background(), reply))
	require.Equal(t, 1, api.requests())
	assert.Equal(t, reply, api.bodies[0])
	assert.Equal(t, "tok", api.tokens[0])

	ev, ok := events.Latest(bus.EventReplySent)
	require.True(t, ok)
	assert.Equal(t, "cid-1", ev.Payload["receiver"])
}

func TestEmit_RetriesTransientFailures(t *testing.T) {
	api := newReplyAPI(t, http.StatusBadGateway, http.StatusTooManyRequests)
	e := newEmitter(api.srv.URL, &staticToken{token: "tok"}, nil)

	require.NoError(t, e.Emit(context.Background(), reply))
	assert.Equal(t, 3, api.requests())
}

func TestEmit_GivesUpAfterMaxAttempts(t *testing.T) {
	api := newReplyAPI(t, 500, 500, 500, 500, 500)
	e := newEmitter(api.srv.URL, &staticToken{token: "tok"}, nil)

	err := e.Emit(context.Background(), reply)
	var de *domain.DeliveryError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, 500, de.Status)
	assert.Equal(t, 4, api.requests())
}

func TestEmit_ClientErrorIsNotRetried(t *testing.T) {
	api := newReplyAPI(t, http.StatusBadRequest)
	events := bus.NewEventBus(nil)
	e := newEmitter(api.srv.URL, &staticToken{token: "tok"}, events)

	err := e.Emit(context.Background(), reply)
	require.True(t, domain.IsDelivery(err))
	assert.Equal(t, 1, api.requests())

	ev, ok := events.Latest(bus.EventReplyFailed)
	require.True(t, ok)
	assert.Equal(t, domain.KindDelivery, ev.Payload["kind"])
}

func TestEmit_UnauthorizedInvalidatesToken(t *testing.T) {
	api := newReplyAPI(t, http.StatusUnauthorized)
	creds := &staticToken{token: "stale"}
	e := newEmitter(api.srv.URL, creds, nil)

	assert.True(t, domain.IsDelivery(e.Emit(context.Background(), reply)))
	assert.Equal(t, int32(1), creds.invalidated.Load())
}

func TestEmit_RejectedCredentialsAreAuthErrorWithoutRequest(t *testing.T) {
	api := newReplyAPI(t)
	e := newEmitter(api.srv.URL, &staticToken{err: &domain.AuthError{Op: "access token", Err: errors.New("status 401")}}, nil)

	err := e.Emit(context.Background(), reply)
	assert.True(t, domain.IsAuth(err))
	assert.Equal(t, 0, api.requests())
}

func TestEmit_TokenOutageIsDeliveryErrorAfterRetries(t *testing.T) {
	api := newReplyAPI(t)
	e := newEmitter(api.srv.URL, &staticToken{err: errors.New("dial tcp: refused")}, nil)

	err := e.Emit(context.Background(), reply)
	assert.False(t, domain.IsAuth(err))
	var de *domain.DeliveryError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, 0, api.requests())
}

func TestEmit_TokenEndpointRecoversFromServerError(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tokenCalls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"fresh","expireIn":7200}`))
	}))
	defer tokenSrv.Close()

	api := newReplyAPI(t)
	src := auth.NewTokenSource(auth.TokenSourceConfig{
		APIBase:     tokenSrv.URL,
		Credentials: domain.Credentials{ClientID: "id", ClientSecret: "secret"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	e := newEmitter(api.srv.URL, src, nil)

	require.NoError(t, e.Emit(context.Background(), reply))
	assert.Equal(t, int32(2), tokenCalls.Load())
	require.Equal(t, 1, api.requests())
	assert.Equal(t, "fresh", api.tokens[0])
}

func TestEmit_NetworkErrorsRetriedThenDeliveryError(t *testing.T) {
	api := newReplyAPI(t)
	url := api.srv.URL
	api.srv.Close()

	e := newEmitter(url, &staticToken{token: "tok"}, nil)
	err := e.Emit(context.Background(), reply)
	var de *domain.DeliveryError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, 0, de.Status)
}

func TestEmit_CancelledContext(t *testing.T) {
	api := newReplyAPI(t, 503, 503, 503, 503)
	e := New(Config{
		URL: api.srv.URL, Credentials: &staticToken{token: "tok"},
		MaxAttempts: 4, BaseBackoff: time.Second,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Emit(ctx, reply)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, api.requests())
}

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := retryPolicy{maxAttempts: 10, base: 100 * time.Millisecond, maxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		nominal := min(100*time.Millisecond<<(attempt-1), time.Second)
		d := p.delay(attempt)
		assert.GreaterOrEqual(t, d, nominal)
		assert.LessOrEqual(t, d, nominal+nominal/2)
	}
}
