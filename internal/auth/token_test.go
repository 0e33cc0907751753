package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newTestSource(url string) *Source {
	logger := zap.NewNop()
	return NewSource(url, "client-id", "client-secret", "refresh-token", 3, 10*time.Millisecond, 2.0, logger)
}

func TestToken_RefreshAndCache(t *testing.T) {
	var calls int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)

		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("refresh_token") != "refresh-token" {
			t.Errorf("refresh_token = %q", r.Form.Get("refresh_token"))
		}

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_in":   1200,
		})
	})

	s := newTestSource(server.URL)

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Value != "tok-1" {
		t.Errorf("token = %q", tok.Value)
	}

	// Second call inside the validity window uses the cache.
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 refresh, got %d", n)
	}
}

func TestToken_RefreshesInsideExpiryMargin(t *testing.T) {
	var calls int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		// 30s TTL is inside the 60s safety margin: always stale.
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 30})
	})

	s := newTestSource(server.URL)

	for i := 0; i < 2; i++ {
		if _, err := s.Token(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 refreshes for margin-expired tokens, got %d", n)
	}
}

func TestToken_SingleFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 1200})
	})

	s := newTestSource(server.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Token(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}

	// Give the callers time to pile onto the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 refresh for 8 concurrent callers, got %d", n)
	}
}

func TestToken_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 1200})
	})

	s := newTestSource(server.URL)

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Value != "tok" {
		t.Errorf("token = %q", tok.Value)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestToken_BadCredentialsFailFast(t *testing.T) {
	var calls int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	s := newTestSource(server.URL)

	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("want ErrAuthFailed, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("4xx should not retry, got %d attempts", n)
	}
}

func TestToken_ExhaustedRetriesIsAuthError(t *testing.T) {
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	s := newTestSource(server.URL)

	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("want ErrAuthFailed, got %v", err)
	}
}

func TestForceRefreshDiscardsCache(t *testing.T) {
	var calls int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": map[int32]string{1: "tok-1", 2: "tok-2"}[n],
			"expires_in":   1200,
		})
	})

	s := newTestSource(server.URL)

	if _, err := s.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	tok, err := s.ForceRefresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.Value != "tok-2" {
		t.Errorf("force refresh returned stale token %q", tok.Value)
	}
}
