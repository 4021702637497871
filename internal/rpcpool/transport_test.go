package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"walletai-backend/internal/rpcpool/rpctest"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type statsSpy struct {
	mu          sync.Mutex
	successes   int
	failures    int
	limitedTill time.Time
}

func (s *statsSpy) UpdateEndpointStats(_ string, success bool, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.successes++
	} else {
		s.failures++
	}
}

func (s *statsSpy) MarkRateLimited(_ string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limitedTill = until
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func postRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://rpc.test", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return req
}

func TestRetryTransportRetriesRetryableStatus(t *testing.T) {
	t.Parallel()

	var calls int
	var bodies []string
	spy := &statsSpy{}
	rt := &RetryTransport{
		Endpoint:  "http://rpc.test",
		Stats:     spy,
		BaseDelay: time.Millisecond,
		Base: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			calls++
			b, _ := io.ReadAll(req.Body)
			bodies = append(bodies, string(b))
			if calls < 3 {
				return response(http.StatusServiceUnavailable, "busy"), nil
			}
			return response(http.StatusOK, `{"ok":true}`), nil
		}),
	}

	resp, err := rt.RoundTrip(postRequest(t, `{"method":"getBalance"}`))
	if err != nil {
		t.Fatalf("RoundTrip returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	for _, b := range bodies {
		if b != `{"method":"getBalance"}` {
			t.Fatalf("body not replayed on retry: %q", b)
		}
	}
	if spy.failures != 2 || spy.successes != 1 {
		t.Fatalf("unexpected stats: %+v", spy)
	}
}

func TestRetryTransportGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	var calls int
	rt := &RetryTransport{
		Endpoint:  "http://rpc.test",
		Attempts:  5,
		BaseDelay: time.Millisecond,
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls++
			return response(http.StatusBadGateway, "down"), nil
		}),
	}
	resp, err := rt.RoundTrip(postRequest(t, "{}"))
	if err != nil {
		t.Fatalf("RoundTrip returned error: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected last status to surface, got %d", resp.StatusCode)
	}
	if calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", calls)
	}
}

func TestRetryTransportDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls int
	spy := &statsSpy{}
	rt := &RetryTransport{
		Endpoint:  "http://rpc.test",
		Stats:     spy,
		BaseDelay: time.Millisecond,
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls++
			return response(http.StatusBadRequest, "nope"), nil
		}),
	}
	if _, err := rt.RoundTrip(postRequest(t, "{}")); err != nil {
		t.Fatalf("RoundTrip returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if spy.failures != 1 {
		t.Fatalf("expected failure to be recorded")
	}
}

func TestRetryTransportMarksRateLimited(t *testing.T) {
	t.Parallel()

	var calls int
	spy := &statsSpy{}
	rt := &RetryTransport{
		Endpoint:  "http://rpc.test",
		Stats:     spy,
		BaseDelay: time.Millisecond,
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				resp := response(http.StatusTooManyRequests, "slow down")
				resp.Header.Set("Retry-After", "0.01")
				return resp, nil
			}
			return response(http.StatusOK, "{}"), nil
		}),
	}
	start := time.Now()
	if _, err := rt.RoundTrip(postRequest(t, "{}")); err != nil {
		t.Fatalf("RoundTrip returned error: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected Retry-After to be honoured")
	}
	if spy.limitedTill.IsZero() {
		t.Fatalf("expected endpoint to be marked rate limited")
	}
}

func TestRetryTransportStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	rt := &RetryTransport{
		Endpoint:  "http://rpc.test",
		BaseDelay: time.Hour,
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			cancel()
			return response(http.StatusServiceUnavailable, ""), nil
		}),
	}
	req := postRequest(t, "{}").WithContext(ctx)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestCreateOptimalConnectionUsesBestEndpoint(t *testing.T) {
	t.Parallel()

	srv := rpctest.NewServer(t, map[string]rpctest.Handler{
		"getBalance": func([]json.RawMessage) (any, *rpctest.Error) {
			return rpctest.Value(2_500_000_000), nil
		},
	})
	reg := NewRegistry([]Endpoint{
		{URL: "http://127.0.0.1:1", Priority: 9, Weight: 1},
		{URL: srv.URL, Priority: 1, Weight: 1},
	}, nil)

	conn := reg.CreateOptimalConnection()
	if conn.Endpoint != srv.URL {
		t.Fatalf("expected best endpoint %s, got %s", srv.URL, conn.Endpoint)
	}
	if conn.Commitment != rpc.CommitmentConfirmed {
		t.Fatalf("expected confirmed commitment, got %s", conn.Commitment)
	}
	if conn.ConfirmTimeout != DefaultConfirmTimeout {
		t.Fatalf("expected 60s confirm timeout, got %v", conn.ConfirmTimeout)
	}

	out, err := conn.GetBalance(context.Background(), solana.NewWallet().PublicKey(), rpc.CommitmentConfirmed)
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if out.Value != 2_500_000_000 {
		t.Fatalf("unexpected balance %d", out.Value)
	}
	for _, ep := range reg.Snapshot() {
		if ep.URL == srv.URL && ep.FailCount != 0 {
			t.Fatalf("expected no failures recorded for %s, got %d", ep.URL, ep.FailCount)
		}
	}
}

func TestConfirmSignature(t *testing.T) {
	t.Parallel()

	var polls int
	var mu sync.Mutex
	srv := rpctest.NewServer(t, map[string]rpctest.Handler{
		"getSignatureStatuses": func([]json.RawMessage) (any, *rpctest.Error) {
			mu.Lock()
			defer mu.Unlock()
			polls++
			if polls < 2 {
				return rpctest.Value([]any{nil}), nil
			}
			return rpctest.Value([]any{map[string]any{"slot": 5, "confirmations": 1, "err": nil, "confirmationStatus": "confirmed"}}), nil
		},
	})
	reg := NewRegistry([]Endpoint{{URL: srv.URL, Priority: 1, Weight: 1}}, nil)
	conn := reg.CreateConnectionWithOptions(ConnectionOptions{PollInterval: time.Millisecond})

	if err := conn.ConfirmSignature(context.Background(), solana.Signature{}); err != nil {
		t.Fatalf("ConfirmSignature returned error: %v", err)
	}
}

func TestConfirmSignatureReportsOnChainFailure(t *testing.T) {
	t.Parallel()

	srv := rpctest.NewServer(t, map[string]rpctest.Handler{
		"getSignatureStatuses": func([]json.RawMessage) (any, *rpctest.Error) {
			return rpctest.Value([]any{map[string]any{
				"slot": 5, "confirmations": nil,
				"err":                map[string]any{"InstructionError": []any{0, "Custom"}},
				"confirmationStatus": "confirmed",
			}}), nil
		},
	})
	reg := NewRegistry([]Endpoint{{URL: srv.URL, Priority: 1, Weight: 1}}, nil)
	conn := reg.CreateConnectionWithOptions(ConnectionOptions{PollInterval: time.Millisecond})

	err := conn.ConfirmSignature(context.Background(), solana.Signature{})
	if _, ok := err.(*TxFailedError); !ok {
		t.Fatalf("expected *TxFailedError, got %v", err)
	}
}

func TestConfirmSignatureTimesOut(t *testing.T) {
	t.Parallel()

	srv := rpctest.NewServer(t, map[string]rpctest.Handler{
		"getSignatureStatuses": func([]json.RawMessage) (any, *rpctest.Error) {
			return rpctest.Value([]any{nil}), nil
		},
	})
	reg := NewRegistry([]Endpoint{{URL: srv.URL, Priority: 1, Weight: 1}}, nil)
	conn := reg.CreateConnectionWithOptions(ConnectionOptions{
		PollInterval:   time.Millisecond,
		ConfirmTimeout: 20 * time.Millisecond,
	})
	if err := conn.ConfirmSignature(context.Background(), solana.Signature{}); err != ErrConfirmTimeout {
		t.Fatalf("expected ErrConfirmTimeout, got %v", err)
	}
}
