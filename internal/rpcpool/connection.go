package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	confirmPollInterval   = 500 * time.Millisecond
)

var ErrConfirmTimeout = errors.New("transaction was not confirmed in time")

// TxFailedError carries the meta.err of a transaction that landed but failed.
type TxFailedError struct {
	Signature solana.Signature
	Err       any
}

func (e *TxFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed on-chain: %v", e.Signature, e.Err)
}

// Connection is an RPC client bound to one endpoint with the pool's
// commitment and confirmation settings.
type Connection struct {
	*rpc.Client
	Endpoint       string
	Commitment     rpc.CommitmentType
	ConfirmTimeout time.Duration
	pollInterval   time.Duration
}

// ConnectionOptions tune CreateOptimalConnection. Zero values use the defaults.
type ConnectionOptions struct {
	Attempts       int
	BaseDelay      time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Transport      http.RoundTripper
}

// CreateOptimalConnection builds a confirmed-commitment connection against
// the best endpoint, with retries reported back to the registry.
func (r *Registry) CreateOptimalConnection() *Connection {
	return r.CreateConnectionWithOptions(ConnectionOptions{})
}

func (r *Registry) CreateConnectionWithOptions(opts ConnectionOptions) *Connection {
	endpoint := r.GetBestEndpoint()
	transport := &RetryTransport{
		Endpoint:   endpoint,
		Stats:      r,
		Base:       opts.Transport,
		Attempts:   opts.Attempts,
		BaseDelay:  opts.BaseDelay,
		Multiplier: DefaultMultiplier,
		Logger:     r.logger,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}
	client := rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient: httpClient,
	}))
	confirm := opts.ConfirmTimeout
	if confirm <= 0 {
		confirm = DefaultConfirmTimeout
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = confirmPollInterval
	}
	r.logger.Debug("rpc connection", zap.String("url", endpoint), zap.Duration("confirm_timeout", confirm))
	return &Connection{
		Client:         client,
		Endpoint:       endpoint,
		Commitment:     rpc.CommitmentConfirmed,
		ConfirmTimeout: confirm,
		pollInterval:   poll,
	}
}

// ConfirmSignature polls until the signature reaches confirmed commitment.
// It returns *TxFailedError when the transaction landed with meta.err set.
func (c *Connection) ConfirmSignature(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.GetSignatureStatuses(ctx, true, sig)
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return &TxFailedError{Signature: sig, Err: st.Err}
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrConfirmTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExplorerURL links a signature on Solscan.
func ExplorerURL(sig string) string {
	return "https://solscan.io/tx/" + sig
}
