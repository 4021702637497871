// Package rpcpool keeps a scored pool of Solana RPC endpoints and hands out
// connections against the best one.
package rpcpool

import (
	"math"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"walletai-backend/internal/metrics"
)

const (
	failRecencyWindow  = 30 * time.Second
	maxRateLimitWeight = 100.0
	responseTimeDecay  = 0.7
)

// Endpoint is one RPC URL plus the telemetry the registry scores it by.
// ResponseTime is a moving average in milliseconds.
type Endpoint struct {
	URL              string    `json:"url"`
	Priority         int       `json:"priority"`
	Weight           int       `json:"weight"`
	RateLimitPerMin  int       `json:"rateLimitPerMin,omitempty"`
	FailCount        int       `json:"failCount"`
	LastUsed         time.Time `json:"lastUsed"`
	LastFailed       time.Time `json:"lastFailed"`
	ResponseTime     float64   `json:"responseTime"`
	RateLimitedUntil time.Time `json:"rateLimitedUntil,omitempty"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	seed      []Endpoint
	endpoints []*Endpoint
	now       func() time.Time
	logger    *zap.Logger
}

// DefaultEndpoints turns an ordered URL list into endpoint configs. Earlier
// URLs get better priority; the public mainnet endpoint gets a per-minute
// budget because it throttles aggressively.
func DefaultEndpoints(urls []string) []Endpoint {
	out := make([]Endpoint, 0, len(urls))
	for i, u := range urls {
		ep := Endpoint{URL: u, Priority: i + 1, Weight: 1}
		if parsed, err := url.Parse(u); err == nil && parsed.Host == "api.mainnet-beta.solana.com" {
			ep.RateLimitPerMin = 100
		}
		out = append(out, ep)
	}
	return out
}

func NewRegistry(endpoints []Endpoint, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints([]string{"https://api.mainnet-beta.solana.com"})
	}
	r := &Registry{
		seed:   append([]Endpoint(nil), endpoints...),
		now:    time.Now,
		logger: logger.Named("RpcRegistry"),
	}
	r.Reset()
	return r
}

// Reset drops all telemetry and restores the configured endpoints.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = make([]*Endpoint, 0, len(r.seed))
	for _, ep := range r.seed {
		e := Endpoint{URL: ep.URL, Priority: ep.Priority, Weight: ep.Weight, RateLimitPerMin: ep.RateLimitPerMin}
		r.endpoints = append(r.endpoints, &e)
	}
}

// GetBestEndpoint returns the URL with the lowest score and stamps its
// LastUsed. Endpoints inside a rate-limit window are skipped; if every
// endpoint is inside one, the least-bad endpoint is returned anyway.
func (r *Registry) GetBestEndpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	best := r.pickLocked(now, true)
	if best == nil {
		best = r.pickLocked(now, false)
		metrics.RPCPoolExhaustedTotal.Inc()
		r.logger.Warn("all rpc endpoints are rate limited, using least-bad endpoint", zap.String("url", best.URL))
	}
	best.LastUsed = now
	return best.URL
}

func (r *Registry) pickLocked(now time.Time, skipLimited bool) *Endpoint {
	var best *Endpoint
	bestScore := math.Inf(1)
	for _, ep := range r.endpoints {
		if skipLimited && ep.RateLimitedUntil.After(now) {
			continue
		}
		s := score(ep, now)
		if s < bestScore {
			best, bestScore = ep, s
		}
	}
	return best
}

// score is priority - weight + 2*failCount + failRecencyPenalty + rateLimitPenalty.
// Lower is better.
func score(ep *Endpoint, now time.Time) float64 {
	s := float64(ep.Priority-ep.Weight) + 2*float64(ep.FailCount)
	if !ep.LastFailed.IsZero() {
		since := now.Sub(ep.LastFailed).Seconds()
		s += math.Max(0, failRecencyWindow.Seconds()-since)
	}
	if ep.RateLimitPerMin > 0 && !ep.LastUsed.IsZero() {
		minInterval := 60000.0 / float64(ep.RateLimitPerMin)
		elapsed := float64(now.Sub(ep.LastUsed).Milliseconds())
		if elapsed < minInterval {
			s += math.Min(maxRateLimitWeight, minInterval/math.Max(elapsed, 1))
		}
	}
	return s
}

// UpdateEndpointStats records the outcome of one call. Unknown URLs are ignored.
func (r *Registry) UpdateEndpointStats(endpoint string, success bool, responseTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := r.findLocked(endpoint)
	if ep == nil {
		return
	}
	if success {
		if ep.FailCount > 0 {
			ep.FailCount--
		}
		if responseTime > 0 {
			ms := float64(responseTime.Milliseconds())
			if ep.ResponseTime == 0 {
				ep.ResponseTime = ms
			} else {
				ep.ResponseTime = responseTimeDecay*ep.ResponseTime + (1-responseTimeDecay)*ms
			}
		}
		return
	}
	ep.FailCount++
	ep.LastFailed = r.now()
}

// MarkRateLimited keeps the endpoint out of rotation until the given time.
func (r *Registry) MarkRateLimited(endpoint string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep := r.findLocked(endpoint); ep != nil && until.After(ep.RateLimitedUntil) {
		ep.RateLimitedUntil = until
	}
}

// Snapshot returns a copy of every endpoint's current state.
func (r *Registry) Snapshot() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	return out
}

func (r *Registry) findLocked(endpoint string) *Endpoint {
	for _, ep := range r.endpoints {
		if ep.URL == endpoint {
			return ep
		}
	}
	return nil
}
