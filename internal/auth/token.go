// Package auth exchanges the long-lived refresh token for short-lived
// broker access tokens and serves them to every caller that needs one.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrAuthFailed marks a refresh that failed after every retry. It is
// fatal to dependent components.
var ErrAuthFailed = errors.New("auth: token refresh failed")

// Tokens are refreshed when less than this remains before expiry.
const refreshMargin = 60 * time.Second

// Token is a bearer access token and its expiry instant.
type Token struct {
	Value  string
	Expiry time.Time
}

func (t Token) valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.Expiry.Add(-refreshMargin))
}

// Source owns the cached access token. Concurrent callers that arrive
// during a refresh all wait for the same exchange.
type Source struct {
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string

	httpClient *http.Client
	retries    int
	retryDelay time.Duration
	backoff    float64
	logger     *zap.Logger

	mu     sync.Mutex
	cached Token
	group  singleflight.Group
}

func NewSource(tokenURL, clientID, clientSecret, refreshToken string, retries int, retryDelay time.Duration, backoff float64, logger *zap.Logger) *Source {
	return &Source{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		retries:      retries,
		retryDelay:   retryDelay,
		backoff:      backoff,
		logger:       logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a valid access token, refreshing first when the cached
// one is missing or inside the safety margin.
func (s *Source) Token(ctx context.Context) (Token, error) {
	now := time.Now()

	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()

	if cached.valid(now) {
		return cached, nil
	}

	return s.refresh(ctx)
}

// ForceRefresh discards the cached token and performs a fresh exchange.
// Used after the broker rejects a request with 401.
func (s *Source) ForceRefresh(ctx context.Context) (Token, error) {
	s.mu.Lock()
	s.cached = Token{}
	s.mu.Unlock()
	return s.refresh(ctx)
}

func (s *Source) refresh(ctx context.Context) (Token, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a caller that queued behind a
		// completed refresh should not trigger another exchange.
		s.mu.Lock()
		cached := s.cached
		s.mu.Unlock()
		if cached.valid(time.Now()) {
			return cached, nil
		}

		tok, err := s.exchange(ctx)
		if err != nil {
			return Token{}, err
		}

		s.mu.Lock()
		s.cached = tok
		s.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// exchange performs the refresh-token grant with bounded retries.
func (s *Source) exchange(ctx context.Context) (Token, error) {
	var lastErr error

	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(s.retryDelay) * pow(s.backoff, attempt-1))
			s.logger.Warn("retrying token refresh",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return Token{}, fmt.Errorf("%w: %v", ErrAuthFailed, ctx.Err())
			case <-time.After(delay):
			}
		}

		tok, retryable, err := s.exchangeOnce(ctx)
		if err == nil {
			s.logger.Info("access token refreshed",
				zap.Time("expiry", tok.Expiry))
			return tok, nil
		}

		lastErr = err
		if !retryable {
			break
		}
	}

	return Token{}, fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
}

func (s *Source) exchangeOnce(ctx context.Context) (Token, bool, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"refresh_token": {s.refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Token{}, true, fmt.Errorf("posting token request: %w", err)
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Token{}, true, fmt.Errorf("reading token response: %w", readErr)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Token{}, true, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		// Bad credentials or revoked refresh token; retrying cannot help.
		return Token{}, false, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, false, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, false, errors.New("token response missing access_token")
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 1200 // broker default: 20-minute tokens
	}

	return Token{
		Value:  tr.AccessToken,
		Expiry: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, false, nil
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
