// Package emitter delivers final agent replies to the platform reply API.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dingbridge/internal/bus"
	"dingbridge/internal/domain"
	"dingbridge/internal/metrics"
)

const (
	tokenHeader        = "x-acs-dingtalk-access-token"
	defaultMaxAttempts = 4
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 10 * time.Second
)

// invalidator is implemented by credential providers that cache tokens.
type invalidator interface {
	Invalidate()
}

// Emitter POSTs OutboundReply bodies to the reply URL.
type Emitter struct {
	url    string
	creds  domain.CredentialProvider
	client *http.Client
	policy retryPolicy

	events  *bus.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Config struct {
	URL         string
	Credentials domain.CredentialProvider
	HTTPClient  *http.Client
	MaxAttempts int
	BaseBackoff time.Duration
	Events      *bus.EventBus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func New(cfg Config) *Emitter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Emitter{
		url:     cfg.URL,
		creds:   cfg.Credentials,
		client:  cfg.HTTPClient,
		policy:  retryPolicy{maxAttempts: cfg.MaxAttempts, base: cfg.BaseBackoff, maxDelay: maxBackoff},
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Emit delivers reply.
//
// Errors: *domain.AuthError when the credentials are rejected (not retried),
// *domain.DeliveryError for a non-retryable 4xx or when every attempt
// failed, or ctx.Err() when cancelled. Token endpoint outages are retried
// like reply failures.
func (e *Emitter) Emit(ctx context.Context, reply domain.OutboundReply) error {
	if reply.ContentType == "" {
		reply.ContentType = domain.ContentText
	}
	err := e.emit(ctx, reply)
	if err != nil {
		e.metrics.Reply("failed")
		e.events.Emit(bus.Event{
			Type:   bus.EventReplyFailed,
			Source: "emitter",
			Payload: map[string]any{
				"receiver": reply.Receiver,
				"kind":     domain.Kind(err),
				"error":    err.Error(),
			},
		})
		return err
	}
	e.metrics.Reply("sent")
	e.events.Emit(bus.Event{
		Type:    bus.EventReplySent,
		Source:  "emitter",
		Payload: map[string]any{"receiver": reply.Receiver, "content_type": reply.ContentType},
	})
	return nil
}

func (e *Emitter) emit(ctx context.Context, reply domain.OutboundReply) error {
	token, err := e.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	start := time.Now()
	resp, attempts, err := doWithRetry(ctx, e.client, e.policy, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(tokenHeader, token)
		return req, nil
	}, e.logger.With("receiver", reply.Receiver))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status := 0
		var re *retryableError
		if errors.As(err, &re) {
			status = re.statusCode
		}
		return &domain.DeliveryError{Status: status, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := e.creds.(invalidator); ok {
				inv.Invalidate()
			}
		}
		return &domain.DeliveryError{Status: resp.StatusCode, Err: fmt.Errorf("reply rejected: %s", raw)}
	}

	e.logger.Info("reply sent",
		"receiver", reply.Receiver,
		"content_type", reply.ContentType,
		"attempts", attempts,
		"duration", time.Since(start),
	)
	return nil
}

// token obtains the access token. Failures other than *domain.AuthError are
// transient and retried under the reply policy.
func (e *Emitter) token(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.policy.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := e.policy.delay(attempt - 1)
			e.logger.Warn("retrying access token", "attempt", attempt, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		token, err := e.creds.Token(ctx)
		if err == nil {
			return token, nil
		}
		if domain.IsAuth(err) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", &domain.DeliveryError{Err: fmt.Errorf("access token unavailable after %d attempts: %w", e.policy.maxAttempts, lastErr)}
}
