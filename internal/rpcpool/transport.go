package rpcpool

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"walletai-backend/internal/metrics"
)

const (
	DefaultAttempts   = 5
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMultiplier = 2.0
)

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatsRecorder receives per-attempt outcomes.
type StatsRecorder interface {
	UpdateEndpointStats(endpoint string, success bool, responseTime time.Duration)
	MarkRateLimited(endpoint string, until time.Time)
}

// RetryTransport retries retryable statuses with exponential backoff and
// reports every attempt to the registry.
type RetryTransport struct {
	Endpoint   string
	Stats      StatsRecorder
	Base       http.RoundTripper
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	Logger     *zap.Logger
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := t.BaseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	mult := t.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(req.Context(), delay); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * mult)
			if req, err = rewind(req); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err = t.base().RoundTrip(req)
		elapsed := time.Since(start)
		metrics.RPCLatencySeconds.WithLabelValues(t.Endpoint).Observe(elapsed.Seconds())

		if err != nil {
			t.record(false, elapsed, "error")
			if req.Context().Err() != nil {
				return nil, err
			}
			t.logger().Debug("rpc attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if !replayable(req) {
				break
			}
			continue
		}
		if !retryableStatus[resp.StatusCode] {
			t.record(resp.StatusCode < 400, elapsed, strconv.Itoa(resp.StatusCode))
			return resp, nil
		}

		t.record(false, elapsed, strconv.Itoa(resp.StatusCode))
		if resp.StatusCode == http.StatusTooManyRequests && t.Stats != nil {
			if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				t.Stats.MarkRateLimited(t.Endpoint, time.Now().Add(wait))
				if wait > delay {
					delay = wait
				}
			}
		}
		t.logger().Debug("rpc attempt got retryable status", zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
		if attempt == attempts-1 || !replayable(req) {
			return resp, nil
		}
		resp.Body.Close()
		resp = nil
	}
	if resp != nil {
		return resp, nil
	}
	return nil, fmt.Errorf("rpc %s: %w", t.Endpoint, err)
}

func (t *RetryTransport) record(success bool, elapsed time.Duration, outcome string) {
	metrics.RPCRequestsTotal.WithLabelValues(t.Endpoint, outcome).Inc()
	if t.Stats != nil {
		t.Stats.UpdateEndpointStats(t.Endpoint, success, elapsed)
	}
}

func (t *RetryTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RetryTransport) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter accepts delta-seconds, including fractional values.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
