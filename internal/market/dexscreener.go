package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"walletai-backend/internal/tokens"
)

const (
	dexCacheEntries = 512
	dexCacheTTL     = time.Minute
)

var stablecoinSymbols = map[string]struct{}{
	"USDC": {},
	"USDT": {},
	"DAI":  {},
}

type DexToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type DexLiquidity struct {
	USD   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

// Pair is one DEX Screener trading pair.
type Pair struct {
	ChainID     string             `json:"chainId"`
	DexID       string             `json:"dexId"`
	URL         string             `json:"url"`
	PairAddress string             `json:"pairAddress"`
	BaseToken   DexToken           `json:"baseToken"`
	QuoteToken  DexToken           `json:"quoteToken"`
	PriceNative string             `json:"priceNative"`
	PriceUSD    string             `json:"priceUsd"`
	Volume      map[string]float64 `json:"volume,omitempty"`
	PriceChange map[string]float64 `json:"priceChange,omitempty"`
	Liquidity   *DexLiquidity      `json:"liquidity,omitempty"`
	FDV         float64            `json:"fdv,omitempty"`
	MarketCap   float64            `json:"marketCap,omitempty"`
}

// Price parses PriceUSD, returning 0 when it is missing or malformed.
func (p Pair) Price() float64 {
	v, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil {
		return 0
	}
	return v
}

func (p Pair) liquidityUSD() float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.USD
}

type dexEntry struct {
	pairs    []Pair
	storedAt time.Time
}

// DexScreenerClient looks up token pairs by contract address.
type DexScreenerClient struct {
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache *lru.Cache[string, dexEntry]
}

func NewDexScreenerClient(baseURL string, logger *zap.Logger) *DexScreenerClient {
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New[string, dexEntry](dexCacheEntries)
	return &DexScreenerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &fasthttp.Client{Name: "walletai-dexscreener", MaxConnsPerHost: 16},
		timeout: 10 * time.Second,
		ttl:     dexCacheTTL,
		logger:  logger.Named("dexscreener"),
		now:     time.Now,
		cache:   cache,
	}
}

// TokenPairs returns every pair trading the token at address.
func (c *DexScreenerClient) TokenPairs(ctx context.Context, address string) ([]Pair, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("token address is required")
	}
	key := strings.ToLower(address)

	c.mu.Lock()
	entry, ok := c.cache.Get(key)
	c.mu.Unlock()
	if ok && c.now().Sub(entry.storedAt) <= c.ttl {
		return entry.pairs, nil
	}

	body, err := getJSON(ctx, c.client, "dexscreener", c.baseURL+"/latest/dex/tokens/"+address, nil, c.timeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		SchemaVersion string `json:"schemaVersion"`
		Pairs         []Pair `json:"pairs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode dexscreener pairs: %w", err)
	}

	c.mu.Lock()
	c.cache.Add(key, dexEntry{pairs: payload.Pairs, storedAt: c.now()})
	c.mu.Unlock()
	c.logger.Debug("token pairs fetched", zap.String("address", address), zap.Int("pairs", len(payload.Pairs)))
	return payload.Pairs, nil
}

// BestPair picks the pair quoting address against a stablecoin with the most
// liquidity, falling back to the most liquid pair overall.
func BestPair(pairs []Pair, address string) (Pair, bool) {
	var best, bestStable *Pair
	for i := range pairs {
		p := &pairs[i]
		if address != "" && !strings.EqualFold(p.BaseToken.Address, address) {
			continue
		}
		if p.Price() <= 0 {
			continue
		}
		if _, stable := stablecoinSymbols[strings.ToUpper(p.QuoteToken.Symbol)]; stable {
			if bestStable == nil || p.liquidityUSD() > bestStable.liquidityUSD() {
				bestStable = p
			}
		}
		if best == nil || p.liquidityUSD() > best.liquidityUSD() {
			best = p
		}
	}
	switch {
	case bestStable != nil:
		return *bestStable, true
	case best != nil:
		return *best, true
	}
	return Pair{}, false
}

// DexOracle prices known tokens through their mint's best DEX pair.
type DexOracle struct {
	Client *DexScreenerClient
}

func (o DexOracle) PriceUSD(ctx context.Context, symbol string) (float64, error) {
	tok, err := tokens.Lookup(symbol)
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %w", ErrNoPrice, symbol, err)
	}
	pairs, err := o.Client.TokenPairs(ctx, tok.Mint)
	if err != nil {
		return 0, err
	}
	best, ok := BestPair(pairs, tok.Mint)
	if !ok {
		return 0, fmt.Errorf("%w for %s on dexscreener", ErrNoPrice, symbol)
	}
	return best.Price(), nil
}
