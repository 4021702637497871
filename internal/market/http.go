// Package market prices tokens and serves market data from CoinMarketCap,
// CoinGecko and DEX Screener.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNotConfigured = errors.New("market data provider is not configured")
	ErrRateLimited   = errors.New("market data provider rate limited the request")
	ErrNoPrice       = errors.New("no price available")
)

// UpstreamError is a non-2xx answer from a market data API.
type UpstreamError struct {
	Source string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s request failed with status %d: %s", e.Source, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	if e.Status == fasthttp.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// getJSON performs a GET honouring the context deadline, falling back to
// timeout when the context has none. It returns the raw body of a 200.
func getJSON(ctx context.Context, client *fasthttp.Client, source, url string, headers map[string]string, timeout time.Duration) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = client.DoDeadline(req, resp, deadline)
	} else {
		err = client.DoTimeout(req, resp, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%s request to %s: %w", source, url, err)
	}

	body := append([]byte(nil), resp.Body()...)
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, &UpstreamError{Source: source, Status: resp.StatusCode(), Body: truncate(string(body), 512)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
