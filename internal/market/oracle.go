package market

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Oracle prices a token symbol in US dollars.
type Oracle interface {
	PriceUSD(ctx context.Context, symbol string) (float64, error)
}

// StaticOracle serves fixed prices. It backs estimates when no live feed is
// configured.
type StaticOracle map[string]float64

// MockPrices are the reference prices used in offline mode.
func MockPrices() StaticOracle {
	return StaticOracle{
		"SOL":     150,
		"USDC":    1,
		"USDT":    1,
		"BONK":    0.00002,
		"JUP":     0.9,
		"RAY":     2.1,
		"WIF":     2.3,
		"PYTH":    0.4,
		"ORCA":    3.5,
		"MSOL":    180,
		"JITOSOL": 175,
	}
}

func (s StaticOracle) PriceUSD(_ context.Context, symbol string) (float64, error) {
	if p, ok := s[normalizeSymbol(symbol)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
}

// ChainOracle asks each oracle in turn and returns the first price found.
type ChainOracle []Oracle

func (c ChainOracle) PriceUSD(ctx context.Context, symbol string) (float64, error) {
	var errs []error
	for _, o := range c {
		p, err := o.PriceUSD(ctx, symbol)
		if err == nil && p > 0 {
			return p, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return 0, fmt.Errorf("%w for %s: %w", ErrNoPrice, symbol, errors.Join(errs...))
}

// coinGeckoIDs maps table symbols to CoinGecko coin ids.
var coinGeckoIDs = map[string]string{
	"SOL":     "solana",
	"USDC":    "usd-coin",
	"USDT":    "tether",
	"BONK":    "bonk",
	"JUP":     "jupiter-exchange-solana",
	"RAY":     "raydium",
	"WIF":     "dogwifcoin",
	"PYTH":    "pyth-network",
	"ORCA":    "orca",
	"MSOL":    "msol",
	"JITOSOL": "jito-staked-sol",
}

// CoinGeckoOracle reads the public simple/price endpoint.
type CoinGeckoOracle struct {
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewCoinGeckoOracle(baseURL string, logger *zap.Logger) *CoinGeckoOracle {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoinGeckoOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &fasthttp.Client{Name: "walletai-coingecko", MaxConnsPerHost: 16},
		timeout: 10 * time.Second,
		logger:  logger.Named("coingecko"),
	}
}

func (o *CoinGeckoOracle) PriceUSD(ctx context.Context, symbol string) (float64, error) {
	id, ok := coinGeckoIDs[normalizeSymbol(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w for %s: no coingecko id", ErrNoPrice, symbol)
	}
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	body, err := getJSON(ctx, o.client, "coingecko", o.baseURL+"/simple/price?"+q.Encode(), nil, o.timeout)
	if err != nil {
		o.logger.Debug("price lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, err
	}

	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode coingecko price: %w", err)
	}
	p, ok := payload[id]["usd"]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return p, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(s, "$")))
}
