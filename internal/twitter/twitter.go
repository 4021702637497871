// Package twitter proxies a user's recent tweets from the Twitter API v2,
// spacing upstream calls and serving the last good payload when the API
// fails.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"walletai-backend/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultBaseURL = "https://api.twitter.com"
	// MinInterval is the shortest gap allowed between upstream calls.
	MinInterval = 10 * time.Second

	maxResults = 10
)

var (
	ErrNotConfigured = errors.New("twitter credentials are not configured")
	ErrRateLimited   = errors.New("twitter requests are rate limited")
)

// RateLimitError tells the caller how long to wait before trying again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: wait %d seconds before retrying", e.Seconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Seconds rounds the wait up to whole seconds.
func (e *RateLimitError) Seconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// Gate admits one call per interval. A rejected call does not consume the
// next slot.
type Gate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	now     func() time.Time
}

func NewGate(interval time.Duration) *Gate {
	return &Gate{limiter: rate.NewLimiter(rate.Every(interval), 1), now: time.Now}
}

func (g *Gate) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	r := g.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitError{RetryAfter: MinInterval}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &RateLimitError{RetryAfter: d}
	}
	return nil
}

type Options struct {
	BearerToken string
	// APIKey and APISecret fetch an app-only token when no bearer token is
	// given.
	APIKey    string
	APISecret string
	UserID    string
	BaseURL   string
	TokenURL  string
	Interval  time.Duration
	Logger    *zap.Logger
}

// Feed is a tweets payload as returned by the API, plus where it came from.
type Feed struct {
	Payload   jsoniter.RawMessage
	FetchedAt time.Time
	Cached    bool
	// Err is the upstream failure a cached feed stands in for.
	Err error
}

type Client struct {
	http   *http.Client
	base   string
	userID string
	gate   *Gate
	logger *zap.Logger

	mu   sync.Mutex
	last *Feed
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = MinInterval
	}
	c := &Client{base: base, userID: opts.UserID, gate: NewGate(interval), logger: logger.Named("twitter")}

	ctx := context.Background()
	switch {
	case opts.BearerToken != "":
		c.http = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.BearerToken, TokenType: "Bearer"}))
	case opts.APIKey != "" && opts.APISecret != "":
		tokenURL := opts.TokenURL
		if tokenURL == "" {
			tokenURL = base + "/oauth2/token"
		}
		cc := clientcredentials.Config{
			ClientID:     opts.APIKey,
			ClientSecret: opts.APISecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		c.http = cc.Client(ctx)
	}
	if c.http != nil {
		c.http.Timeout = 15 * time.Second
	}
	return c
}

func (c *Client) Configured() bool {
	return c.http != nil && c.userID != ""
}

// Tweets returns the user's latest tweets. Calls closer together than the
// gate interval fail with *RateLimitError. An upstream failure falls back to
// the last good payload when there is one.
func (c *Client) Tweets(ctx context.Context) (*Feed, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if err := c.gate.Allow(); err != nil {
		return nil, err
	}
	payload, err := c.fetch(ctx)
	if err != nil {
		c.mu.Lock()
		last := c.last
		c.mu.Unlock()
		if last != nil {
			c.logger.Warn("serving cached tweets", zap.Error(err))
			metrics.UpstreamFallbackTotal.WithLabelValues("twitter").Inc()
			out := *last
			out.Cached = true
			out.Err = err
			return &out, nil
		}
		return nil, err
	}
	feed := &Feed{Payload: payload, FetchedAt: time.Now().UTC()}
	c.mu.Lock()
	c.last = feed
	c.mu.Unlock()
	return feed, nil
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("tweet.fields", "created_at,public_metrics,entities")
	endpoint := fmt.Sprintf("%s/2/users/%s/tweets?%s", c.base, url.PathEscape(c.userID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitter request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read twitter response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp.Header, time.Now())}
	case resp.StatusCode != http.StatusOK:
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("twitter status %d: %s", resp.StatusCode, msg)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("twitter returned invalid JSON")
	}
	return body, nil
}

// retryAfter reads Retry-After or the x-rate-limit-reset epoch.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return MinInterval
}
