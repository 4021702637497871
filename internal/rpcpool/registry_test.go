package rpcpool

import (
	"math"
	"testing"
	"time"
)

func newTestRegistry(now time.Time, eps ...Endpoint) *Registry {
	r := NewRegistry(eps, nil)
	r.now = func() time.Time { return now }
	return r
}

func TestScoreMonotonicInFailCount(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	for fails := 0; fails < 20; fails++ {
		for since := 0; since < 60; since += 7 {
			a := &Endpoint{Priority: 1, Weight: 1, FailCount: fails, LastFailed: now.Add(-time.Duration(since) * time.Second)}
			b := *a
			b.FailCount = fails + 1
			if score(&b, now) < score(a, now) {
				t.Fatalf("higher failCount scored better: fails=%d since=%ds", fails, since)
			}
		}
	}
}

func TestFailRecencyPenaltyDecays(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	fresh := &Endpoint{Priority: 1, Weight: 1, LastFailed: now}
	older := &Endpoint{Priority: 1, Weight: 1, LastFailed: now.Add(-20 * time.Second)}
	stale := &Endpoint{Priority: 1, Weight: 1, LastFailed: now.Add(-45 * time.Second)}

	if got := score(fresh, now); got != 30 {
		t.Fatalf("fresh failure score = %v, want 30", got)
	}
	if got := score(older, now); got != 10 {
		t.Fatalf("20s-old failure score = %v, want 10", got)
	}
	if got := score(stale, now); got != 0 {
		t.Fatalf("stale failure score = %v, want 0", got)
	}
}

func TestRateLimitPenaltyOnlyInsideInterval(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	// 60 per minute => 1000ms minimum interval
	hot := &Endpoint{Priority: 1, Weight: 1, RateLimitPerMin: 60, LastUsed: now.Add(-100 * time.Millisecond)}
	cool := &Endpoint{Priority: 1, Weight: 1, RateLimitPerMin: 60, LastUsed: now.Add(-2 * time.Second)}
	hotter := &Endpoint{Priority: 1, Weight: 1, RateLimitPerMin: 60, LastUsed: now.Add(-10 * time.Millisecond)}

	if score(cool, now) != 0 {
		t.Fatalf("expected no penalty outside the interval")
	}
	if score(hot, now) <= 0 {
		t.Fatalf("expected penalty inside the interval")
	}
	if score(hotter, now) <= score(hot, now) {
		t.Fatalf("more recent use should be penalised more")
	}
}

func TestGetBestEndpointPrefersLowestScore(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(now,
		Endpoint{URL: "https://a", Priority: 1, Weight: 1},
		Endpoint{URL: "https://b", Priority: 2, Weight: 1},
	)
	if got := r.GetBestEndpoint(); got != "https://a" {
		t.Fatalf("expected a, got %s", got)
	}

	r.UpdateEndpointStats("https://a", false, 0)
	if got := r.GetBestEndpoint(); got != "https://b" {
		t.Fatalf("expected b after a failed, got %s", got)
	}
	for _, ep := range r.Snapshot() {
		if ep.URL == "https://b" && !ep.LastUsed.Equal(now) {
			t.Fatalf("expected lastUsed stamped on b")
		}
	}
}

func TestGetBestEndpointSkipsRateLimited(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(now,
		Endpoint{URL: "https://a", Priority: 1, Weight: 1},
		Endpoint{URL: "https://b", Priority: 5, Weight: 1},
	)
	r.MarkRateLimited("https://a", now.Add(time.Minute))
	if got := r.GetBestEndpoint(); got != "https://b" {
		t.Fatalf("expected b while a is rate limited, got %s", got)
	}
}

func TestGetBestEndpointNeverFailsWhenAllLimited(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(now,
		Endpoint{URL: "https://a", Priority: 1, Weight: 1},
		Endpoint{URL: "https://b", Priority: 2, Weight: 1},
	)
	r.MarkRateLimited("https://a", now.Add(time.Minute))
	r.MarkRateLimited("https://b", now.Add(time.Minute))
	if got := r.GetBestEndpoint(); got != "https://a" {
		t.Fatalf("expected least-bad endpoint a, got %s", got)
	}
}

func TestUpdateEndpointStats(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(now, Endpoint{URL: "https://a", Priority: 1, Weight: 1})

	r.UpdateEndpointStats("https://a", true, 100*time.Millisecond)
	r.UpdateEndpointStats("https://a", true, 200*time.Millisecond)
	r.UpdateEndpointStats("https://a", false, 0)
	r.UpdateEndpointStats("https://a", false, 0)
	r.UpdateEndpointStats("https://a", true, 0)
	r.UpdateEndpointStats("https://unknown", false, 0)

	ep := r.Snapshot()[0]
	if math.Abs(ep.ResponseTime-130) > 1e-9 {
		t.Fatalf("responseTime = %v, want 130", ep.ResponseTime)
	}
	if ep.FailCount != 1 {
		t.Fatalf("failCount = %d, want 1", ep.FailCount)
	}
	if !ep.LastFailed.Equal(now) {
		t.Fatalf("expected lastFailed stamped")
	}

	r.UpdateEndpointStats("https://a", true, 0)
	r.UpdateEndpointStats("https://a", true, 0)
	if got := r.Snapshot()[0].FailCount; got != 0 {
		t.Fatalf("failCount must floor at 0, got %d", got)
	}
}

func TestResetClearsTelemetry(t *testing.T) {
	t.Parallel()

	r := NewRegistry([]Endpoint{{URL: "https://a", Priority: 1, Weight: 1}}, nil)
	r.UpdateEndpointStats("https://a", false, 0)
	r.Reset()
	if ep := r.Snapshot()[0]; ep.FailCount != 0 || !ep.LastFailed.IsZero() {
		t.Fatalf("expected clean endpoint after reset, got %+v", ep)
	}
}

func TestDefaultEndpoints(t *testing.T) {
	t.Parallel()

	eps := DefaultEndpoints([]string{"https://api.mainnet-beta.solana.com", "https://rpc.example"})
	if eps[0].Priority != 1 || eps[1].Priority != 2 {
		t.Fatalf("unexpected priorities %+v", eps)
	}
	if eps[0].RateLimitPerMin == 0 || eps[1].RateLimitPerMin != 0 {
		t.Fatalf("expected rate limit only on public mainnet, got %+v", eps)
	}
	if got := NewRegistry(nil, nil).GetBestEndpoint(); got == "" {
		t.Fatalf("empty registry must still return an endpoint")
	}
}
