package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"walletai-backend/internal/metrics"
)

const (
	// TrendsTTL is how long a market snapshot is served without refetching.
	TrendsTTL = 2 * time.Minute

	sentimentThreshold = 2.0
	topMovers          = 5

	latestKey = "latest"
	staleKey  = "stale"
)

type Quote struct {
	Price              float64 `json:"price"`
	Volume24h          float64 `json:"volume_24h"`
	PercentChange1h    float64 `json:"percent_change_1h"`
	PercentChange24h   float64 `json:"percent_change_24h"`
	PercentChange7d    float64 `json:"percent_change_7d"`
	MarketCap          float64 `json:"market_cap"`
	MarketCapDominance float64 `json:"market_cap_dominance"`
	LastUpdated        string  `json:"last_updated,omitempty"`
}

type Coin struct {
	ID                int              `json:"id"`
	Name              string           `json:"name"`
	Symbol            string           `json:"symbol"`
	Slug              string           `json:"slug"`
	CMCRank           int              `json:"cmc_rank"`
	CirculatingSupply float64          `json:"circulating_supply"`
	Quote             map[string]Quote `json:"quote"`
}

// USD returns the coin's USD quote, or the zero Quote.
func (c Coin) USD() Quote { return c.Quote["USD"] }

type Status struct {
	Timestamp    string  `json:"timestamp"`
	ErrorCode    int     `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
	Elapsed      int     `json:"elapsed"`
	CreditCount  int     `json:"credit_count"`
}

type Mover struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	Price            float64 `json:"price"`
	PercentChange24h float64 `json:"percentChange24h"`
}

type Activity struct {
	TotalMarketCap   float64 `json:"totalMarketCap"`
	TotalVolume24h   float64 `json:"totalVolume24h"`
	AverageChange24h float64 `json:"averageChange24h"`
	Advancers        int     `json:"advancers"`
	Decliners        int     `json:"decliners"`
	CoinsTracked     int     `json:"coinsTracked"`
}

type Analytics struct {
	BTCDominance    float64  `json:"btcDominance"`
	MarketSentiment string   `json:"marketSentiment"`
	TopGainers      []Mover  `json:"topGainers"`
	TopLosers       []Mover  `json:"topLosers"`
	MarketActivity  Activity `json:"marketActivity"`
}

// Snapshot is the listings payload enriched with analytics.
type Snapshot struct {
	Status    Status    `json:"status"`
	Data      []Coin    `json:"data"`
	Analytics Analytics `json:"analytics"`
	CachedAt  time.Time `json:"cachedAt"`
}

func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.Data = append([]Coin(nil), s.Data...)
	if s.Status.ErrorMessage != nil {
		msg := *s.Status.ErrorMessage
		cp.Status.ErrorMessage = &msg
	}
	return &cp
}

// Analyze derives market analytics from a listing.
func Analyze(coins []Coin) Analytics {
	var a Analytics
	if len(coins) == 0 {
		a.MarketSentiment = "neutral"
		a.TopGainers = []Mover{}
		a.TopLosers = []Mover{}
		return a
	}

	var sumChange, btcCap float64
	for _, c := range coins {
		q := c.USD()
		a.MarketActivity.TotalMarketCap += q.MarketCap
		a.MarketActivity.TotalVolume24h += q.Volume24h
		sumChange += q.PercentChange24h
		switch {
		case q.PercentChange24h > 0:
			a.MarketActivity.Advancers++
		case q.PercentChange24h < 0:
			a.MarketActivity.Decliners++
		}
		if strings.EqualFold(c.Symbol, "BTC") {
			btcCap = q.MarketCap
			a.BTCDominance = q.MarketCapDominance
		}
	}
	a.MarketActivity.CoinsTracked = len(coins)
	a.MarketActivity.AverageChange24h = sumChange / float64(len(coins))
	if a.BTCDominance == 0 && btcCap > 0 && a.MarketActivity.TotalMarketCap > 0 {
		a.BTCDominance = btcCap / a.MarketActivity.TotalMarketCap * 100
	}

	switch avg := a.MarketActivity.AverageChange24h; {
	case avg > sentimentThreshold:
		a.MarketSentiment = "bullish"
	case avg < -sentimentThreshold:
		a.MarketSentiment = "bearish"
	default:
		a.MarketSentiment = "neutral"
	}

	sorted := append([]Coin(nil), coins...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].USD().PercentChange24h > sorted[j].USD().PercentChange24h
	})
	n := min(topMovers, len(sorted))
	a.TopGainers = make([]Mover, 0, n)
	a.TopLosers = make([]Mover, 0, n)
	for i := 0; i < n; i++ {
		a.TopGainers = append(a.TopGainers, toMover(sorted[i]))
		a.TopLosers = append(a.TopLosers, toMover(sorted[len(sorted)-1-i]))
	}
	return a
}

func toMover(c Coin) Mover {
	q := c.USD()
	return Mover{Symbol: c.Symbol, Name: c.Name, Price: q.Price, PercentChange24h: q.PercentChange24h}
}

// MarketCache keeps the last snapshot fresh for a TTL and retains it without
// expiry as the stale fallback.
type MarketCache struct {
	c *cache.Cache
}

func NewMarketCache(ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = TrendsTTL
	}
	return &MarketCache{c: cache.New(ttl, 2*ttl)}
}

func (m *MarketCache) Fresh() (*Snapshot, bool) { return m.get(latestKey) }

func (m *MarketCache) Stale() (*Snapshot, bool) { return m.get(staleKey) }

func (m *MarketCache) Store(s *Snapshot) {
	m.c.Set(latestKey, s, cache.DefaultExpiration)
	m.c.Set(staleKey, s, cache.NoExpiration)
}

// Seed installs a snapshot as the stale fallback only.
func (m *MarketCache) Seed(s *Snapshot) {
	m.c.Set(staleKey, s, cache.NoExpiration)
}

func (m *MarketCache) Reset() { m.c.Flush() }

func (m *MarketCache) get(key string) (*Snapshot, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Snapshot)
	return s, ok
}

// ListingSource fetches the raw CMC listings payload.
type ListingSource interface {
	Latest(ctx context.Context, limit int, convert string) ([]byte, error)
}

// SnapshotStore persists the last good snapshot across restarts.
type SnapshotStore interface {
	Read(v any) (bool, error)
	Write(v any) error
}

// Trends serves the enriched market snapshot behind a MarketCache.
type Trends struct {
	source    ListingSource
	cache     *MarketCache
	snapshots SnapshotStore
	limit     int
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

func NewTrends(source ListingSource, mc *MarketCache, snapshots SnapshotStore, logger *zap.Logger) *Trends {
	if mc == nil {
		mc = NewMarketCache(TrendsTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trends{
		source:    source,
		cache:     mc,
		snapshots: snapshots,
		limit:     100,
		logger:    logger.Named("market_trends"),
		now:       time.Now,
	}
}

// LoadSnapshot seeds the stale fallback from the persisted snapshot.
func (t *Trends) LoadSnapshot() error {
	if t.snapshots == nil {
		return nil
	}
	var s Snapshot
	ok, err := t.snapshots.Read(&s)
	if err != nil {
		return fmt.Errorf("read market snapshot: %w", err)
	}
	if ok {
		t.cache.Seed(&s)
		t.logger.Info("market snapshot loaded", zap.Time("cached_at", s.CachedAt), zap.Int("coins", len(s.Data)))
	}
	return nil
}

// Get returns the cached snapshot while fresh, otherwise refetches. When the
// upstream fails and a previous snapshot exists, that snapshot is returned
// with status.error_message set.
func (t *Trends) Get(ctx context.Context) (*Snapshot, error) {
	if s, ok := t.cache.Fresh(); ok {
		return s, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.cache.Fresh(); ok {
		return s, nil
	}

	s, err := t.fetch(ctx)
	if err != nil {
		stale, ok := t.cache.Stale()
		if !ok {
			return nil, err
		}
		t.logger.Warn("serving stale market data", zap.Error(err), zap.Time("cached_at", stale.CachedAt))
		metrics.UpstreamFallbackTotal.WithLabelValues("coinmarketcap").Inc()
		out := stale.clone()
		msg := "Using cached data due to API error: " + err.Error()
		out.Status.ErrorMessage = &msg
		return out, nil
	}

	t.cache.Store(s)
	if t.snapshots != nil {
		if err := t.snapshots.Write(s); err != nil {
			t.logger.Warn("persist market snapshot failed", zap.Error(err))
		}
	}
	return s, nil
}

func (t *Trends) fetch(ctx context.Context) (*Snapshot, error) {
	if t.source == nil {
		return nil, ErrNotConfigured
	}
	body, err := t.source.Latest(ctx, t.limit, "USD")
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode listings: %w", err)
	}
	if s.Status.ErrorCode != 0 {
		msg := ""
		if s.Status.ErrorMessage != nil {
			msg = *s.Status.ErrorMessage
		}
		return nil, errors.New("coinmarketcap error: " + msg)
	}
	s.Analytics = Analyze(s.Data)
	s.CachedAt = t.now()
	return &s, nil
}

// Loaded reports whether any snapshot, fresh or stale, is available.
func (t *Trends) Loaded() bool {
	_, ok := t.cache.Stale()
	return ok
}

// Current returns the most recent snapshot without fetching.
func (t *Trends) Current() (*Snapshot, bool) {
	return t.cache.Stale()
}

// Lookup finds a coin by symbol in the most recent snapshot.
func (t *Trends) Lookup(symbol string) (Coin, bool) {
	s, ok := t.cache.Stale()
	if !ok {
		return Coin{}, false
	}
	sym := normalizeSymbol(symbol)
	for _, c := range s.Data {
		if strings.EqualFold(c.Symbol, sym) {
			return c, true
		}
	}
	return Coin{}, false
}

// PriceUSD prices a symbol from the loaded snapshot. It never fetches.
func (t *Trends) PriceUSD(_ context.Context, symbol string) (float64, error) {
	if c, ok := t.Lookup(symbol); ok && c.USD().Price > 0 {
		return c.USD().Price, nil
	}
	return 0, fmt.Errorf("%w for %s in market snapshot", ErrNoPrice, symbol)
}
