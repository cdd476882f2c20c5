// Package auth mints and caches the DingTalk app access token used for
// platform API calls.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"dingbridge/internal/domain"
)

const (
	DefaultAPIBase       = "https://api.dingtalk.com"
	accessTokenPath      = "/v1.0/oauth2/accessToken"
	defaultRefreshBefore = 5 * time.Minute
)

// TokenSource implements domain.CredentialProvider with the app-key token
// exchange. Tokens are cached until RefreshBefore ahead of their expiry.
type TokenSource struct {
	apiBase       string
	client        *http.Client
	refreshBefore time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	creds   domain.Credentials
	token   string
	expires time.Time
}

type TokenSourceConfig struct {
	APIBase       string
	Credentials   domain.Credentials
	HTTPClient    *http.Client
	RefreshBefore time.Duration
	Logger        *slog.Logger
}

func NewTokenSource(cfg TokenSourceConfig) *TokenSource {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = defaultRefreshBefore
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenSource{
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		client:        cfg.HTTPClient,
		refreshBefore: cfg.RefreshBefore,
		logger:        cfg.Logger,
		now:           time.Now,
		creds:         cfg.Credentials,
	}
}

// Token returns a valid access token, fetching a new one when the cached
// token is missing or about to expire. Rejected or missing credentials
// yield *domain.AuthError.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires.Add(-s.refreshBefore)) {
		return s.token, nil
	}
	if s.creds.Empty() {
		return "", &domain.AuthError{Op: "access token", Err: errors.New("client id and secret are required")}
	}

	token, ttl, err := s.fetch(ctx, s.creds)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = s.now().Add(ttl)
	s.logger.Info("access token refreshed", "expires_in", ttl)
	return token, nil
}

// SetCredentials replaces the app credentials and drops the cached token.
func (s *TokenSource) SetCredentials(c domain.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == s.creds {
		return
	}
	s.creds = c
	s.token = ""
}

// Invalidate drops the cached token so the next Token call refetches.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

func (s *TokenSource) fetch(ctx context.Context, c domain.Credentials) (string, time.Duration, error) {
	body, err := json.Marshal(map[string]string{"appKey": c.ClientID, "appSecret": c.ClientSecret})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+accessTokenPath, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("access token request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", 0, &domain.AuthError{Op: "access token", Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	case resp.StatusCode >= 300:
		return "", 0, fmt.Errorf("access token: status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int64  `json:"expireIn"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, fmt.Errorf("decode access token: %w", err)
	}
	if out.AccessToken == "" {
		return "", 0, &domain.AuthError{Op: "access token", Err: errors.New("empty token in response")}
	}
	ttl := time.Duration(out.ExpireIn) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return out.AccessToken, ttl, nil
}
