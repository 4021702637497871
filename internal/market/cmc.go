package market

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// CMCClient proxies the CoinMarketCap Pro API.
type CMCClient struct {
	apiKey  string
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
}

func NewCMCClient(apiKey, baseURL string) *CMCClient {
	if baseURL == "" {
		baseURL = "https://pro-api.coinmarketcap.com"
	}
	return &CMCClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &fasthttp.Client{Name: "walletai-cmc", MaxConnsPerHost: 8},
		timeout: 15 * time.Second,
	}
}

func (c *CMCClient) Configured() bool { return c != nil && c.apiKey != "" }

// Latest returns the raw listings/latest payload.
func (c *CMCClient) Latest(ctx context.Context, limit int, convert string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 100
	}
	if convert == "" {
		convert = "USD"
	}
	q := url.Values{}
	q.Set("start", "1")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("convert", strings.ToUpper(convert))
	return c.get(ctx, "/v1/cryptocurrency/listings/latest", q)
}

// Info returns the raw v2 info payload for a symbol.
func (c *CMCClient) Info(ctx context.Context, symbol string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("symbol", normalizeSymbol(symbol))
	return c.get(ctx, "/v2/cryptocurrency/info", q)
}

func (c *CMCClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	headers := map[string]string{"X-CMC_PRO_API_KEY": c.apiKey}
	return getJSON(ctx, c.client, "coinmarketcap", c.baseURL+path+"?"+q.Encode(), headers, c.timeout)
}
