// Package swap quotes, builds and submits token swaps routed through the
// Jupiter aggregator.
package swap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultJupiterBaseURL = "https://quote-api.jup.ag"
	// DefaultSlippageBps is 0.5%.
	DefaultSlippageBps = 50

	jupiterTimeout = 10 * time.Second
)

var ErrNoRoute = errors.New("no swap route found")

// APIError is a non-2xx answer from the aggregator.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jupiter %s status %d: %s", e.Op, e.Status, e.Body)
}

// Quote is a priced route. The raw response is kept so the swap request
// echoes it back unchanged.
type Quote struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SwapMode             string `json:"swapMode,omitempty"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
	RoutePlan            []any  `json:"routePlan,omitempty"`

	raw jsoniter.RawMessage
}

func (q Quote) MarshalJSON() ([]byte, error) {
	if len(q.raw) > 0 {
		return q.raw, nil
	}
	type plain Quote
	return json.Marshal(plain(q))
}

// OutAmountUnits parses the quoted output in the output mint's base units.
func (q *Quote) OutAmountUnits() (uint64, error) {
	return strconv.ParseUint(q.OutAmount, 10, 64)
}

// PriceImpact returns the impact as a fraction; 0.01 is one percent.
func (q *Quote) PriceImpact() float64 {
	v, err := strconv.ParseFloat(q.PriceImpactPct, 64)
	if err != nil {
		return 0
	}
	return v
}

type JupiterClient struct {
	base    string
	client  *fasthttp.Client
	timeout time.Duration
}

func NewJupiterClient(base string) *JupiterClient {
	if base == "" {
		base = DefaultJupiterBaseURL
	}
	return &JupiterClient{
		base:    strings.TrimRight(base, "/"),
		client:  &fasthttp.Client{Name: "walletai-backend", MaxIdleConnDuration: time.Minute},
		timeout: jupiterTimeout,
	}
}

// Quote asks for the best route. amount is in the input mint's base units.
func (j *JupiterClient) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))
	q.Set("onlyDirectRoutes", "false")

	body, err := j.do(ctx, "quote", fasthttp.MethodGet, j.base+"/v6/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out Quote
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode jupiter quote: %w", err)
	}
	if out.OutAmount == "" || out.OutAmount == "0" {
		return nil, ErrNoRoute
	}
	out.raw = body
	return &out, nil
}

// SwapTransaction returns the base64 unsigned transaction that performs
// quote for user.
func (j *JupiterClient) SwapTransaction(ctx context.Context, quote *Quote, user solana.PublicKey) (string, error) {
	payload := map[string]any{
		"userPublicKey":             user.String(),
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
		"quoteResponse":             quote,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	body, err := j.do(ctx, "swap", fasthttp.MethodPost, j.base+"/v6/swap", reqBody)
	if err != nil {
		return "", err
	}
	var sr struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("decode jupiter swap: %w", err)
	}
	if sr.SwapTransaction == "" {
		return "", fmt.Errorf("jupiter swap: empty transaction")
	}
	return sr.SwapTransaction, nil
}

func (j *JupiterClient) do(ctx context.Context, op, method, uri string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = j.client.DoDeadline(req, resp, deadline)
	} else {
		err = j.client.DoTimeout(req, resp, j.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("jupiter %s: %w", op, err)
	}
	out := append([]byte(nil), resp.Body()...)
	if resp.StatusCode() != fasthttp.StatusOK {
		msg := string(out)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &APIError{Op: op, Status: resp.StatusCode(), Body: msg}
	}
	return out, nil
}
