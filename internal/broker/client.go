// Package broker is the typed request layer over the broker's market
// data REST API. All endpoint payloads stay string-typed here; the
// validate package turns them into internal records.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zerogex/zerogex/internal/auth"
	"github.com/zerogex/zerogex/internal/market"
)

// API is the broker surface the ingestion components consume.
type API interface {
	Quotes(ctx context.Context, symbols []string) ([]Quote, error)
	Bars(ctx context.Context, req BarsRequest) ([]Bar, error)
	LatestBar(ctx context.Context, symbol string, interval int) (*Bar, error)
	Expirations(ctx context.Context, underlying string) ([]Expiration, error)
	Strikes(ctx context.Context, underlying, expiration string) ([][]string, error)
	OptionChain(ctx context.Context, symbols []string) ([]Quote, error)
	Clock() ClockInfo
	SymbolSearch(ctx context.Context, query string) ([]SymbolDetail, error)
	MarketDepth(ctx context.Context, symbols []string) ([]DepthLevel, error)
}

// Client implements API against the live broker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     *auth.Source
	limiter    *rate.Limiter
	clock      *market.Clock
	retryCount int
	retryDelay time.Duration
	backoff    float64
	logger     *zap.Logger
}

var _ API = (*Client)(nil)

func NewClient(baseURL string, tokens *auth.Source, clock *market.Clock, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, backoff float64, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		clock:      clock,
		retryCount: retryCount,
		retryDelay: retryDelay,
		backoff:    backoff,
		logger:     logger,
	}
}

// get performs one API call with the retry policy: transient failures
// (network, 5xx, 429) are retried with exponential backoff, a 429
// honours the Retry-After hint, and a single 401 triggers one forced
// token refresh plus one replay outside the retry budget.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	c.logger.Debug("requesting", zap.String("url", reqURL))

	var (
		lastErr    error
		refreshed  bool
		retryAfter time.Duration
	)

	for attempt := 0; attempt < c.retryCount; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.retryDelay) * powf(c.backoff, attempt-1))
			if retryAfter > 0 {
				delay = retryAfter
				retryAfter = 0
			}
			c.logger.Debug("retrying request",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, hint, err := c.do(ctx, reqURL, out)
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			// Stale token: force one refresh and replay immediately,
			// without consuming a retry attempt.
			refreshed = true
			if _, rerr := c.tokens.ForceRefresh(ctx); rerr != nil {
				return rerr
			}
			attempt--
		case status == http.StatusTooManyRequests:
			retryAfter = hint
		case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			return err
		case status == http.StatusOK:
			// Undecodable body: a permanent rejection, not retried.
			return err
		}
	}

	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// do runs a single HTTP exchange. The returned status is zero for
// transport-level failures; the duration is the Retry-After hint when
// the broker advertised one.
func (c *Client) do(ctx context.Context, reqURL string, out any) (int, time.Duration, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("executing request: %w", err)
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.StatusCode, 0, fmt.Errorf("reading response: %w", readErr)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, 0, &APIError{StatusCode: resp.StatusCode, Body: "undecodable body: " + err.Error()}
		}
		return resp.StatusCode, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")), ErrRateLimited

	case resp.StatusCode >= 500:
		return resp.StatusCode, 0, fmt.Errorf("server error: %d", resp.StatusCode)

	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, 0, &APIError{StatusCode: resp.StatusCode, Body: string(body)}

	default:
		return resp.StatusCode, 0, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Quotes fetches snapshot quotes for one or more symbols.
func (c *Client) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	var resp quotesResponse
	endpoint := "marketdata/quotes/" + url.PathEscape(strings.Join(symbols, ","))
	if err := c.get(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Quotes, nil
}

// Bars fetches historical OHLCV bars for the requested window.
func (c *Client) Bars(ctx context.Context, req BarsRequest) ([]Bar, error) {
	params := url.Values{}
	params.Set("interval", strconv.Itoa(req.Interval))
	params.Set("unit", string(req.Unit))
	params.Set("sessiontemplate", "USEQPreAndPost")
	if req.BarsBack > 0 {
		params.Set("barsback", strconv.Itoa(req.BarsBack))
	}
	if req.FirstDate != "" {
		params.Set("firstdate", req.FirstDate)
	}
	if req.LastDate != "" {
		params.Set("lastdate", req.LastDate)
	}

	var resp barsResponse
	endpoint := "marketdata/barcharts/" + url.PathEscape(req.Symbol)
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

// LatestBar is the per-tick form of the bar stream: the most recently
// completed bar, or nil when the broker is between bars.
func (c *Client) LatestBar(ctx context.Context, symbol string, interval int) (*Bar, error) {
	bars, err := c.Bars(ctx, BarsRequest{
		Symbol:   symbol,
		Interval: interval,
		Unit:     UnitMinute,
		BarsBack: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return &bars[0], nil
}

// Expirations lists available expiration dates, ascending.
func (c *Client) Expirations(ctx context.Context, underlying string) ([]Expiration, error) {
	var resp expirationsResponse
	endpoint := "marketdata/options/expirations/" + url.PathEscape(underlying)
	if err := c.get(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Expirations, nil
}

// Strikes lists available strikes for one expiration. Rows come back as
// one-element string tuples, passed through raw.
func (c *Client) Strikes(ctx context.Context, underlying, expiration string) ([][]string, error) {
	params := url.Values{}
	if expiration != "" {
		params.Set("expiration", expiration)
	}
	var resp strikesResponse
	endpoint := "marketdata/options/strikes/" + url.PathEscape(underlying)
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}
	return resp.Strikes, nil
}

// OptionChain fetches quotes for the given option symbols. The broker
// serves options through the same quotes endpoint as equities.
func (c *Client) OptionChain(ctx context.Context, symbols []string) ([]Quote, error) {
	return c.Quotes(ctx, symbols)
}

// Clock reports the current market session. The broker exposes no clock
// endpoint, so the session is derived from the NYSE calendar.
func (c *Client) Clock() ClockInfo {
	now := time.Now()
	return ClockInfo{
		Session: c.clock.Session(now),
		Now:     now.In(c.clock.Location()).Format(time.RFC3339),
	}
}

// SymbolSearch looks up symbols by name or description. Diagnostics only.
func (c *Client) SymbolSearch(ctx context.Context, query string) ([]SymbolDetail, error) {
	params := url.Values{}
	params.Set("search", query)
	var resp symbolSearchResponse
	if err := c.get(ctx, "marketdata/symbols/search", params, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// MarketDepth fetches level-2 quotes. Diagnostics only.
func (c *Client) MarketDepth(ctx context.Context, symbols []string) ([]DepthLevel, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	var resp depthResponse
	endpoint := "marketdata/marketdepth/quotes/" + url.PathEscape(strings.Join(symbols, ","))
	if err := c.get(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Quotes, nil
}

func powf(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
