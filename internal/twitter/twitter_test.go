package twitter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const payload = `{"data":[{"id":"1","text":"gm"}],"meta":{"result_count":1}}`

func TestGateSpacing(t *testing.T) {
	t.Parallel()

	g := NewGate(MinInterval)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	g.now = func() time.Time { return now }

	if err := g.Allow(); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}

	now = t0.Add(3 * time.Second)
	err := g.Allow()
	var rl *RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.Seconds() != 7 {
		t.Fatalf("retry after %d seconds, want 7", rl.Seconds())
	}

	now = t0.Add(3200 * time.Millisecond)
	if err := g.Allow(); !errors.As(err, &rl) || rl.Seconds() != 7 {
		t.Fatalf("expected a 7 second wait after rounding up, got %v", err)
	}

	// Rejected calls do not push the next slot back.
	now = t0.Add(11 * time.Second)
	if err := g.Allow(); err != nil {
		t.Fatalf("call after the interval rejected: %v", err)
	}
}

func TestTweetsWithBearerToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/2/users/42/tweets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if r.URL.Query().Get("max_results") != "10" {
			t.Errorf("max_results = %q", r.URL.Query().Get("max_results"))
		}
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	c := NewClient(Options{BearerToken: "tok", UserID: "42", BaseURL: srv.URL})
	feed, err := c.Tweets(context.Background())
	if err != nil {
		t.Fatalf("Tweets returned error: %v", err)
	}
	if string(feed.Payload) != payload || feed.Cached {
		t.Fatalf("unexpected feed %+v", feed)
	}

	_, err = c.Tweets(context.Background())
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Seconds() < 9 || rl.Seconds() > 10 {
		t.Fatalf("expected a ~10 second wait, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("rate limited call reached upstream: %d hits", hits.Load())
	}
}

func TestTweetsFallsBackToCache(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"title":"Service Unavailable"}`)
			return
		}
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	c := NewClient(Options{BearerToken: "tok", UserID: "42", BaseURL: srv.URL, Interval: time.Nanosecond})
	if _, err := c.Tweets(context.Background()); err != nil {
		t.Fatalf("Tweets returned error: %v", err)
	}
	fail.Store(true)
	time.Sleep(time.Millisecond)
	feed, err := c.Tweets(context.Background())
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if !feed.Cached || feed.Err == nil || string(feed.Payload) != payload {
		t.Fatalf("unexpected fallback feed %+v", feed)
	}
}

func TestTweetsErrorWithoutCache(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Options{BearerToken: "tok", UserID: "42", BaseURL: srv.URL})
	_, err := c.Tweets(context.Background())
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Seconds() != 30 {
		t.Fatalf("expected upstream 30 second wait, got %v", err)
	}
}

func TestTweetsNotConfigured(t *testing.T) {
	t.Parallel()

	for _, opts := range []Options{{}, {BearerToken: "tok"}, {APIKey: "k", UserID: "42"}} {
		c := NewClient(opts)
		if c.Configured() {
			t.Fatalf("%+v should not be configured", opts)
		}
		if _, err := c.Tweets(context.Background()); !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("expected ErrNotConfigured, got %v", err)
		}
	}
}

func TestTweetsWithClientCredentials(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			if !ok || user != "key" || pass != "secret" {
				t.Errorf("token request auth = %q %q %v", user, pass, ok)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"access_token":"apptoken","token_type":"bearer","expires_in":3600}`)
		case "/2/users/42/tweets":
			if got := r.Header.Get("Authorization"); got != "Bearer apptoken" {
				t.Errorf("authorization = %q", got)
			}
			_, _ = io.WriteString(w, payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "key", APISecret: "secret", UserID: "42", BaseURL: srv.URL, Interval: time.Nanosecond})
	if _, err := c.Tweets(context.Background()); err != nil {
		t.Fatalf("Tweets returned error: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := c.Tweets(context.Background()); err != nil {
		t.Fatalf("second Tweets returned error: %v", err)
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("token fetched %d times, want 1", tokenCalls.Load())
	}
}
