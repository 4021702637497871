package swap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"walletai-backend/internal/intent"
	"walletai-backend/internal/metrics"
	"walletai-backend/internal/rpcpool"
	"walletai-backend/internal/signer"
	"walletai-backend/internal/tokens"
	"walletai-backend/internal/types"
	"walletai-backend/internal/wallet"
)

// NetworkFeeEstimate is the SOL kept aside for the base signature fee.
const NetworkFeeEstimate = 0.000005

var (
	ErrSwapInFlight      = errors.New("a swap is already in progress for this session")
	ErrInvalidSwap       = errors.New("invalid swap request")
	ErrWalletUnavailable = errors.New("wallet data is unavailable")
)

// InvalidError rejects a swap before anything is quoted or signed. Reason is
// written for the user.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return ErrInvalidSwap.Error() + ": " + e.Reason }

func (e *InvalidError) Is(target error) bool { return target == ErrInvalidSwap }

type State string

const (
	StateQuoted    State = "quoted"
	StateValidated State = "validated"
	StateBuilt     State = "built"
	StateSigned    State = "signed"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Aggregator quotes routes and builds the matching transactions.
type Aggregator interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error)
	SwapTransaction(ctx context.Context, quote *Quote, user solana.PublicKey) (string, error)
}

// WalletSource reads and refreshes the stored view of a wallet.
type WalletSource interface {
	Load(ctx context.Context, address string) (*wallet.WalletData, error)
	Refresh(ctx context.Context, address string) (*wallet.WalletData, error)
}

type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type Estimate struct {
	FromToken   string  `json:"fromToken"`
	ToToken     string  `json:"toToken"`
	FromAmount  float64 `json:"fromAmount"`
	ToAmount    float64 `json:"toAmount"`
	MinReceived float64 `json:"minReceived"`
	PriceImpact float64 `json:"priceImpact"`
	SlippageBps int     `json:"slippageBps"`
}

type Orchestrator struct {
	agg     Aggregator
	conns   wallet.ConnectionFactory
	wallets WalletSource
	logger  *zap.Logger

	// OnState, when set, observes every state transition.
	OnState func(sessionID string, s State)

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewOrchestrator(agg Aggregator, conns wallet.ConnectionFactory, wallets WalletSource, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		agg:      agg,
		conns:    conns,
		wallets:  wallets,
		logger:   logger.Named("swap"),
		inFlight: make(map[string]struct{}),
	}
}

type resolved struct {
	from, to tokens.Token
	amount   float64
	units    uint64
}

func resolve(in intent.Swap) (resolved, string) {
	if strings.TrimSpace(in.Amount) == "" || strings.TrimSpace(in.FromToken) == "" || strings.TrimSpace(in.ToToken) == "" {
		return resolved{}, "A swap needs an amount, a token to sell and a token to buy."
	}
	amount, err := intent.ParseAmount(in.Amount)
	if err != nil {
		return resolved{}, fmt.Sprintf("Amount %q must be a positive number.", in.Amount)
	}
	from, err := tokens.Lookup(in.FromToken)
	if err != nil {
		return resolved{}, fmt.Sprintf("I don't know the token %s.", in.FromToken)
	}
	to, err := tokens.Lookup(in.ToToken)
	if err != nil {
		return resolved{}, fmt.Sprintf("I don't know the token %s.", in.ToToken)
	}
	if from.Mint == to.Mint {
		return resolved{}, "You can't swap a token for itself."
	}
	units, err := tokens.ToBaseUnits(amount, from.Decimals)
	if err != nil {
		return resolved{}, fmt.Sprintf("Amount %s is too small for %s.", in.Amount, from.Symbol)
	}
	return resolved{from: from, to: to, amount: amount, units: units}, ""
}

// ValidateSwapRequest checks the intent against the wallet's balances
// without touching the network.
func (o *Orchestrator) ValidateSwapRequest(in intent.Swap, w *wallet.WalletData) Validation {
	r, reason := resolve(in)
	if reason != "" {
		return Validation{Reason: reason}
	}
	if w == nil {
		return Validation{Reason: "Wallet data is not available. Connect your wallet first."}
	}
	if r.from.Native() {
		need := r.amount + NetworkFeeEstimate
		if need > w.SolBalance {
			return Validation{Reason: fmt.Sprintf("Insufficient SOL balance: you have %s SOL but need %s SOL including the network fee.",
				trimFloat(w.SolBalance), trimFloat(need))}
		}
		return Validation{Valid: true}
	}
	held, _ := w.Holding(r.from.Symbol)
	if held.Balance < r.amount {
		return Validation{Reason: fmt.Sprintf("Insufficient %s balance: you have %s but tried to swap %s.",
			r.from.Symbol, trimFloat(held.Balance), trimFloat(r.amount))}
	}
	if w.SolBalance < NetworkFeeEstimate {
		return Validation{Reason: "Insufficient SOL balance to pay the network fee."}
	}
	return Validation{Valid: true}
}

// GetSwapEstimate quotes the intent at the default slippage.
func (o *Orchestrator) GetSwapEstimate(ctx context.Context, in intent.Swap) (*Estimate, error) {
	r, reason := resolve(in)
	if reason != "" {
		return nil, &InvalidError{Reason: reason}
	}
	q, err := o.agg.Quote(ctx, r.from.Mint, r.to.Mint, r.units, DefaultSlippageBps)
	if err != nil {
		return nil, fmt.Errorf("quote %s to %s: %w", r.from.Symbol, r.to.Symbol, err)
	}
	return estimateFrom(r, q)
}

func estimateFrom(r resolved, q *Quote) (*Estimate, error) {
	out, err := q.OutAmountUnits()
	if err != nil {
		return nil, fmt.Errorf("parse quote outAmount %q: %w", q.OutAmount, err)
	}
	est := &Estimate{
		FromToken:   r.from.Symbol,
		ToToken:     r.to.Symbol,
		FromAmount:  r.amount,
		ToAmount:    tokens.FromBaseUnits(out, r.to.Decimals),
		PriceImpact: q.PriceImpact(),
		SlippageBps: q.SlippageBps,
	}
	if floor, err := strconv.ParseUint(q.OtherAmountThreshold, 10, 64); err == nil {
		est.MinReceived = tokens.FromBaseUnits(floor, r.to.Decimals)
	}
	return est, nil
}

func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[sessionID]; busy {
		return false
	}
	o.inFlight[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.inFlight, sessionID)
	o.mu.Unlock()
}

// ExecuteSwap always starts from a fresh quote. Quote, build, sign and
// submit errors are returned; a transaction that lands with an error or is
// not confirmed in time yields Success false.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, sessionID string, in intent.Swap, w signer.Wallet) (types.TxResult, error) {
	if !o.acquire(sessionID) {
		return types.TxResult{}, ErrSwapInFlight
	}
	defer o.release(sessionID)

	res, err := o.execute(ctx, sessionID, in, w)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !res.Success:
		outcome = "failed"
	}
	metrics.ExecutionsTotal.WithLabelValues("swap", outcome).Inc()
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, sessionID string, in intent.Swap, w signer.Wallet) (types.TxResult, error) {
	log := o.logger.With(zap.String("session", sessionID))
	advance := func(s State) {
		log.Debug("swap state", zap.String("state", string(s)))
		if o.OnState != nil {
			o.OnState(sessionID, s)
		}
	}

	r, reason := resolve(in)
	if reason != "" {
		return types.TxResult{}, &InvalidError{Reason: reason}
	}
	owner := w.PublicKey()

	q, err := o.agg.Quote(ctx, r.from.Mint, r.to.Mint, r.units, DefaultSlippageBps)
	if err != nil {
		advance(StateFailed)
		return types.TxResult{}, fmt.Errorf("quote %s to %s: %w", r.from.Symbol, r.to.Symbol, err)
	}
	est, err := estimateFrom(r, q)
	if err != nil {
		advance(StateFailed)
		return types.TxResult{}, err
	}
	advance(StateQuoted)

	// Nothing is built or signed without a balance check.
	if o.wallets == nil {
		advance(StateFailed)
		return types.TxResult{}, fmt.Errorf("%w: no wallet source", ErrWalletUnavailable)
	}
	data, err := o.wallets.Load(ctx, owner.String())
	if err != nil {
		advance(StateFailed)
		log.Warn("wallet data unavailable, swap aborted", zap.Error(err))
		msg := "Wallet data is unavailable right now, so the balance could not be checked. Please try again."
		return types.TxResult{Success: false, Message: msg, Error: fmt.Errorf("%w: %v", ErrWalletUnavailable, err).Error()}, nil
	}
	if v := o.ValidateSwapRequest(in, data); !v.Valid {
		advance(StateFailed)
		return types.TxResult{Success: false, Message: v.Reason, Error: v.Reason}, nil
	}
	advance(StateValidated)

	encoded, err := o.agg.SwapTransaction(ctx, q, owner)
	if err != nil {
		advance(StateFailed)
		return types.TxResult{}, fmt.Errorf("build swap transaction: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		advance(StateFailed)
		return types.TxResult{}, fmt.Errorf("decode swap transaction: %w", err)
	}
	tx, format, err := DecodeSwapTransaction(raw)
	if err != nil {
		advance(StateFailed)
		return types.TxResult{}, err
	}
	log.Debug("swap transaction decoded", zap.Stringer("format", format))
	advance(StateBuilt)

	if err := w.SignTransaction(ctx, tx); err != nil {
		advance(StateFailed)
		return types.TxResult{}, fmt.Errorf("sign swap transaction: %w", err)
	}
	advance(StateSigned)

	conn := o.conns.CreateOptimalConnection()
	sig, err := conn.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: conn.Commitment,
	})
	if err != nil {
		advance(StateFailed)
		return types.TxResult{}, fmt.Errorf("submit swap transaction: %w", err)
	}
	advance(StateSubmitted)
	txID := sig.String()
	log.Info("swap submitted", zap.String("signature", txID), zap.String("endpoint", conn.Endpoint))

	if err := conn.ConfirmSignature(ctx, sig); err != nil {
		var failed *rpcpool.TxFailedError
		switch {
		case errors.As(err, &failed):
			advance(StateFailed)
			return types.TxResult{
				Success:     false,
				Message:     fmt.Sprintf("Swap of %s %s failed on-chain.", trimFloat(r.amount), r.from.Symbol),
				TxID:        txID,
				ExplorerURL: rpcpool.ExplorerURL(txID),
				Error:       err.Error(),
			}, nil
		case errors.Is(err, rpcpool.ErrConfirmTimeout):
			advance(StateFailed)
			return types.TxResult{
				Success:     false,
				Message:     "Swap was submitted but not confirmed in time. Check the explorer before retrying.",
				TxID:        txID,
				ExplorerURL: rpcpool.ExplorerURL(txID),
				Error:       err.Error(),
			}, nil
		default:
			advance(StateFailed)
			return types.TxResult{}, fmt.Errorf("confirm swap %s: %w", txID, err)
		}
	}
	advance(StateConfirmed)

	if o.wallets != nil {
		if _, err := o.wallets.Refresh(ctx, owner.String()); err != nil {
			log.Warn("wallet refresh after swap failed", zap.Error(err))
		}
	}
	return types.TxResult{
		Success: true,
		Message: fmt.Sprintf("Swapped %s %s for about %s %s.",
			trimFloat(r.amount), r.from.Symbol, trimFloat(est.ToAmount), r.to.Symbol),
		TxID:        txID,
		ExplorerURL: rpcpool.ExplorerURL(txID),
	}, nil
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
