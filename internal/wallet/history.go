package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"walletai-backend/internal/metrics"
	"walletai-backend/internal/rpcpool"
	"walletai-backend/internal/tokens"
)

const DefaultHistoryLimit = 10

var (
	jupiterProgram = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	raydiumProgram = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")

	errFailedTx = errors.New("transaction failed on-chain")
	errNoMeta   = errors.New("transaction has no meta")
)

type TxType string

const (
	TxSwap     TxType = "swap"
	TxTransfer TxType = "transfer"
	TxOther    TxType = "transaction"
)

type TxSummary struct {
	Signature string    `json:"signature"`
	Type      TxType    `json:"type"`
	Amount    float64   `json:"amount"`
	Fee       float64   `json:"fee"`
	Recipient string    `json:"recipient,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Slot      uint64    `json:"slot"`
	Status    string    `json:"status"`
}

// History is a page of recent transactions. Dropped counts entries left out
// because they failed on-chain or could not be parsed.
type History struct {
	Transactions []TxSummary `json:"transactions"`
	Dropped      int         `json:"dropped"`
}

// GetRecentTransactions lists signatures first, then fetches details in
// parallel. Failed or unparsable transactions are skipped and counted.
func (p *Provider) GetRecentTransactions(ctx context.Context, address string, limit int) (History, error) {
	owner, err := ParseAddress(address)
	if err != nil {
		return History{}, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	conn := p.conns.CreateOptimalConnection()
	sigs, err := conn.GetSignaturesForAddressWithOpts(ctx, owner, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: conn.Commitment,
	})
	if err != nil {
		return History{}, fmt.Errorf("get signatures for %s: %w", address, err)
	}

	results := make([]*TxSummary, len(sigs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.detailConcurrency)
	for i, s := range sigs {
		if s == nil || s.Err != nil {
			continue
		}
		i, s := i, s
		g.Go(func() error {
			sum, err := p.summarize(gctx, conn, owner, s.Signature)
			if err != nil {
				p.logger.Debug("dropping transaction from history",
					zap.String("signature", s.Signature.String()), zap.Error(err))
				return nil
			}
			results[i] = sum
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return History{}, err
	}

	h := History{Transactions: make([]TxSummary, 0, len(results))}
	for _, r := range results {
		if r == nil {
			h.Dropped++
			continue
		}
		h.Transactions = append(h.Transactions, *r)
	}
	sort.SliceStable(h.Transactions, func(i, j int) bool {
		a, b := h.Transactions[i], h.Transactions[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Slot > b.Slot
	})
	if h.Dropped > 0 {
		metrics.HistoryDroppedTotal.Add(float64(h.Dropped))
		p.logger.Info("history entries dropped", zap.String("address", address), zap.Int("dropped", h.Dropped))
	}
	return h, nil
}

func (p *Provider) summarize(ctx context.Context, conn *rpcpool.Connection, owner solana.PublicKey, sig solana.Signature) (*TxSummary, error) {
	maxVersion := uint64(0)
	out, err := conn.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     conn.Commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Meta == nil || out.Transaction == nil {
		return nil, errNoMeta
	}
	if out.Meta.Err != nil {
		return nil, errFailedTx
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	keys := accountKeys(tx, out.Meta)
	deltas := lamportDeltas(out.Meta)
	sum := &TxSummary{
		Signature: sig.String(),
		Type:      classify(out.Meta.LogMessages, keys),
		Fee:       tokens.FromBaseUnits(out.Meta.Fee, tokens.SOLDecimals),
		Slot:      out.Slot,
		Status:    "confirmed",
	}
	if out.BlockTime != nil {
		sum.Timestamp = out.BlockTime.Time()
	}

	ownerIdx := indexOf(keys, owner)
	if ownerIdx >= 0 && ownerIdx < len(deltas) {
		sum.Amount = float64(deltas[ownerIdx]) / tokens.LamportsPerSOL
		sum.Recipient = recipient(keys, deltas, ownerIdx)
	}
	return sum, nil
}

// accountKeys returns static keys followed by lookup-table loaded keys, in
// the order balances are reported.
func accountKeys(tx *solana.Transaction, meta *rpc.TransactionMeta) []solana.PublicKey {
	keys := append([]solana.PublicKey(nil), tx.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	return keys
}

func lamportDeltas(meta *rpc.TransactionMeta) []int64 {
	n := min(len(meta.PreBalances), len(meta.PostBalances))
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = int64(meta.PostBalances[i]) - int64(meta.PreBalances[i])
	}
	return out
}

func classify(logs []string, keys []solana.PublicKey) TxType {
	for _, k := range keys {
		if k.Equals(jupiterProgram) || k.Equals(raydiumProgram) {
			return TxSwap
		}
	}
	transfer := false
	for _, l := range logs {
		switch {
		case strings.Contains(l, "Instruction: Swap"), strings.Contains(l, jupiterProgram.String()):
			return TxSwap
		case strings.Contains(l, "Instruction: Transfer"),
			strings.Contains(l, "Program "+solana.SystemProgramID.String()+" invoke"):
			transfer = true
		}
	}
	if transfer {
		return TxTransfer
	}
	return TxOther
}

// recipient guesses the counterparty: the largest gainer when the owner paid
// out, the owner itself when it received.
func recipient(keys []solana.PublicKey, deltas []int64, ownerIdx int) string {
	if deltas[ownerIdx] > 0 {
		return keys[ownerIdx].String()
	}
	best, bestDelta := -1, int64(0)
	for i, d := range deltas {
		if i == ownerIdx || i >= len(keys) {
			continue
		}
		if d > bestDelta {
			best, bestDelta = i, d
		}
	}
	if best < 0 {
		return ""
	}
	return keys[best].String()
}

func indexOf(keys []solana.PublicKey, k solana.PublicKey) int {
	for i, key := range keys {
		if key.Equals(k) {
			return i
		}
	}
	return -1
}
