package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/auth"
	"github.com/zerogex/zerogex/internal/market"
)

// newTestClient wires a client against an API stub and a token stub.
func newTestClient(t *testing.T, apiHandler http.HandlerFunc) (*Client, *int32) {
	t.Helper()

	var tokenCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": map[bool]string{true: "tok-1", false: "tok-2"}[n == 1],
			"expires_in":   1200,
		})
	}))
	t.Cleanup(tokenSrv.Close)

	apiSrv := httptest.NewServer(apiHandler)
	t.Cleanup(apiSrv.Close)

	logger := zap.NewNop()
	tokens := auth.NewSource(tokenSrv.URL, "id", "secret", "refresh", 3, 10*time.Millisecond, 2.0, logger)
	client := NewClient(apiSrv.URL, tokens, market.NewClock(), 100, 5*time.Second, 10*time.Millisecond, 3, 2.0, logger)
	return client, &tokenCalls
}

func TestQuotes_Success(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/marketdata/quotes/SPY" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Quotes": []map[string]string{{"Symbol": "SPY", "Last": "450.30", "Bid": "450.29", "Ask": "450.31"}},
		})
	})

	quotes, err := client.Quotes(context.Background(), []string{"SPY"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 1 || quotes[0].Last != "450.30" {
		t.Errorf("unexpected quotes: %+v", quotes)
	}
}

// A single 503 is retried per backoff and succeeds on attempt two.
func TestOptionChain_TransientServerErrorRetried(t *testing.T) {
	var attempts int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Quotes": []map[string]string{{"Symbol": "SPY 260321C450", "Last": "12.10"}},
		})
	})

	quotes, err := client.OptionChain(context.Background(), []string{"SPY 260321C450"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("want 1 quote, got %d", len(quotes))
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("want 2 attempts, got %d", n)
	}
}

func TestGet_RateLimitHonoursRetryAfter(t *testing.T) {
	var attempts int32
	var second atomic.Int64
	start := time.Now()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		second.Store(int64(time.Since(start)))
		json.NewEncoder(w).Encode(map[string]any{"Quotes": []map[string]string{}})
	})

	if _, err := client.Quotes(context.Background(), []string{"SPY"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Duration(second.Load()); elapsed < time.Second {
		t.Errorf("replay after %s ignored the Retry-After hint", elapsed)
	}
}

func TestGet_PermanentClientErrorFailsFast(t *testing.T) {
	var attempts int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Expirations(context.Background(), "NOPE")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("4xx must not retry, got %d attempts", n)
	}
}

// A 401 triggers exactly one forced refresh and one replay, outside the
// normal retry budget.
func TestGet_UnauthorizedForcesOneRefresh(t *testing.T) {
	var attempts int32
	client, tokenCalls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-2" {
			t.Errorf("replay did not carry refreshed token: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"Quotes": []map[string]string{}})
	})

	if _, err := client.Quotes(context.Background(), []string{"SPY"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(tokenCalls); n != 2 {
		t.Errorf("want initial fetch + one forced refresh, got %d token calls", n)
	}
}

func TestGet_PersistentUnauthorizedSurfaces(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Quotes(context.Background(), []string{"SPY"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 APIError after single replay, got %v", err)
	}
}

func TestBars_RequestShape(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("interval") != "1" || q.Get("unit") != "Minute" || q.Get("barsback") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Bars": []map[string]string{{
				"TimeStamp": "2026-03-18T18:30:00Z",
				"Open":      "450.00", "High": "450.40", "Low": "449.80", "Close": "450.30",
				"UpVolume": "125000", "DownVolume": "98000",
			}},
		})
	})

	bar, err := client.LatestBar(context.Background(), "SPY", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bar == nil || bar.Close != "450.30" {
		t.Errorf("unexpected bar: %+v", bar)
	}
}

func TestLatestBar_EmptyMeansBetweenBars(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"Bars": []map[string]string{}})
	})

	bar, err := client.LatestBar(context.Background(), "SPY", 1)
	if err != nil {
		t.Fatal(err)
	}
	if bar != nil {
		t.Errorf("want nil bar, got %+v", bar)
	}
}

func TestStrikes_PassthroughTuples(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("expiration"); got != "03-20-2026" {
			t.Errorf("expiration = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"Strikes": [][]string{{"450"}, {"451"}}})
	})

	rows, err := client.Strikes(context.Background(), "SPY", "03-20-2026")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0][0] != "450" {
		t.Errorf("unexpected strikes: %v", rows)
	}
}

func TestClock_ReportsSession(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	info := client.Clock()
	switch info.Session {
	case market.SessionPreOpen, market.SessionRegular, market.SessionAfterHours, market.SessionClosed:
	default:
		t.Errorf("unknown session %q", info.Session)
	}
	if info.Now == "" {
		t.Error("clock timestamp empty")
	}
}
