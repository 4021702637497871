// Package transfer sends SOL and SPL tokens from a connected wallet.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"

	"walletai-backend/internal/metrics"
	"walletai-backend/internal/rpcpool"
	"walletai-backend/internal/signer"
	"walletai-backend/internal/tokens"
	"walletai-backend/internal/types"
	"walletai-backend/internal/wallet"
)

// FeeLamports is the base fee for a single-signature transaction.
const FeeLamports = 5000

// ataRentLamports is the rent-exempt minimum for a 165 byte token account.
const ataRentLamports = 2039280

// Refresher reloads the stored view of a wallet after a transfer lands.
type Refresher interface {
	Refresh(ctx context.Context, address string) (*wallet.WalletData, error)
}

type Orchestrator struct {
	conns   wallet.ConnectionFactory
	wallets Refresher
	logger  *zap.Logger
}

func NewOrchestrator(conns wallet.ConnectionFactory, wallets Refresher, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{conns: conns, wallets: wallets, logger: logger.Named("transfer")}
}

func failure(msg string, err error) types.TxResult {
	res := types.TxResult{Success: false, Message: msg}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// TransferTokens moves amount of token from w to recipient. Every failure,
// including an insufficient balance found before anything is sent, comes
// back as Success false.
func (o *Orchestrator) TransferTokens(ctx context.Context, w signer.Wallet, recipient string, amount float64, symbol string) types.TxResult {
	res := o.transfer(ctx, w, recipient, amount, symbol)
	outcome := "success"
	if !res.Success {
		outcome = "failed"
	}
	metrics.ExecutionsTotal.WithLabelValues("transfer", outcome).Inc()
	return res
}

func (o *Orchestrator) transfer(ctx context.Context, w signer.Wallet, recipient string, amount float64, symbol string) types.TxResult {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return failure("Transfer amount must be a positive number.", nil)
	}
	to, err := solana.PublicKeyFromBase58(strings.TrimSpace(recipient))
	if err != nil {
		return failure(fmt.Sprintf("%q is not a valid Solana address.", recipient), err)
	}
	tok, err := tokens.Lookup(symbol)
	if err != nil {
		return failure(fmt.Sprintf("I don't know the token %s.", symbol), err)
	}
	from := w.PublicKey()
	if from.Equals(to) {
		return failure("You can't send tokens to your own wallet.", nil)
	}

	conn := o.conns.CreateOptimalConnection()
	log := o.logger.With(zap.String("from", from.String()), zap.String("to", to.String()), zap.String("token", tok.Symbol))

	var ixs []solana.Instruction
	if tok.Native() {
		ixs, err = o.solInstructions(ctx, conn, from, to, amount)
	} else {
		ixs, err = o.splInstructions(ctx, conn, from, to, tok, amount)
	}
	if err != nil {
		var short *ShortfallError
		if errors.As(err, &short) {
			log.Info("transfer rejected before submission", zap.String("reason", short.Error()))
			return failure(short.Message(), nil)
		}
		log.Warn("transfer preparation failed", zap.Error(err))
		return failure("Could not prepare the transfer. Please try again.", err)
	}

	recent, err := conn.GetLatestBlockhash(ctx, conn.Commitment)
	if err != nil {
		return failure("Could not reach the Solana network. Please try again.", err)
	}
	tx, err := solana.NewTransaction(ixs, recent.Value.Blockhash, solana.TransactionPayer(from))
	if err != nil {
		return failure("Could not build the transfer transaction.", err)
	}
	if err := w.SignTransaction(ctx, tx); err != nil {
		return failure("The transaction was not signed.", err)
	}
	sig, err := conn.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: conn.Commitment,
	})
	if err != nil {
		log.Warn("transfer submission failed", zap.Error(err))
		return failure("The network rejected the transfer.", err)
	}
	txID := sig.String()
	log.Info("transfer submitted", zap.String("signature", txID))

	if err := conn.ConfirmSignature(ctx, sig); err != nil {
		res := failure("Transfer failed on-chain.", err)
		if errors.Is(err, rpcpool.ErrConfirmTimeout) {
			res.Message = "Transfer was submitted but not confirmed in time. Check the explorer before retrying."
		}
		res.TxID = txID
		res.ExplorerURL = rpcpool.ExplorerURL(txID)
		return res
	}

	if o.wallets != nil {
		if _, err := o.wallets.Refresh(ctx, from.String()); err != nil {
			log.Warn("wallet refresh after transfer failed", zap.Error(err))
		}
	}
	return types.TxResult{
		Success:     true,
		Message:     fmt.Sprintf("Sent %s %s to %s.", formatAmount(amount), tok.Symbol, shortAddress(to.String())),
		TxID:        txID,
		ExplorerURL: rpcpool.ExplorerURL(txID),
	}
}

// ShortfallError reports a balance too small for the requested transfer.
type ShortfallError struct {
	Symbol string
	Have   float64
	Need   float64
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient %s: have %v, need %v", e.Symbol, e.Have, e.Need)
}

func (e *ShortfallError) Message() string {
	return fmt.Sprintf("Insufficient %s balance: you have %s %s but need %s %s (short by %s %s).",
		e.Symbol, formatAmount(e.Have), e.Symbol, formatAmount(e.Need), e.Symbol, formatAmount(e.Need-e.Have), e.Symbol)
}

func (o *Orchestrator) solInstructions(ctx context.Context, conn *rpcpool.Connection, from, to solana.PublicKey, amount float64) ([]solana.Instruction, error) {
	lamports, err := tokens.ToBaseUnits(amount, tokens.SOLDecimals)
	if err != nil {
		return nil, err
	}
	bal, err := conn.GetBalance(ctx, from, conn.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	need := lamports + FeeLamports
	if bal.Value < need {
		return nil, &ShortfallError{
			Symbol: "SOL",
			Have:   tokens.FromBaseUnits(bal.Value, tokens.SOLDecimals),
			Need:   tokens.FromBaseUnits(need, tokens.SOLDecimals),
		}
	}
	return []solana.Instruction{system.NewTransferInstruction(lamports, from, to).Build()}, nil
}

func (o *Orchestrator) splInstructions(ctx context.Context, conn *rpcpool.Connection, from, to solana.PublicKey, tok tokens.Token, amount float64) ([]solana.Instruction, error) {
	mint := tok.PublicKey()
	srcATA, _, err := solana.FindAssociatedTokenAddress(from, mint)
	if err != nil {
		return nil, fmt.Errorf("derive source token account: %w", err)
	}
	dstATA, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return nil, fmt.Errorf("derive destination token account: %w", err)
	}

	held, err := conn.GetTokenAccountBalance(ctx, srcATA, conn.Commitment)
	switch {
	case err != nil && !accountMissing(err):
		return nil, fmt.Errorf("get %s token balance: %w", tok.Symbol, err)
	case err != nil || held == nil || held.Value == nil:
		// A missing token account is an empty balance.
		return nil, &ShortfallError{Symbol: tok.Symbol, Have: 0, Need: amount}
	}
	decimals := held.Value.Decimals
	units, err := tokens.ToBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	have, err := strconv.ParseUint(held.Value.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse token balance %q: %w", held.Value.Amount, err)
	}
	if have < units {
		return nil, &ShortfallError{
			Symbol: tok.Symbol,
			Have:   tokens.FromBaseUnits(have, decimals),
			Need:   amount,
		}
	}

	var ixs []solana.Instruction
	feeNeed := uint64(FeeLamports)
	if _, err := conn.GetAccountInfo(ctx, dstATA); err != nil {
		if !errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("check destination token account: %w", err)
		}
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(from, to, mint).Build())
		feeNeed += ataRentLamports
	}
	sol, err := conn.GetBalance(ctx, from, conn.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if sol.Value < feeNeed {
		return nil, &ShortfallError{
			Symbol: "SOL",
			Have:   tokens.FromBaseUnits(sol.Value, tokens.SOLDecimals),
			Need:   tokens.FromBaseUnits(feeNeed, tokens.SOLDecimals),
		}
	}
	ixs = append(ixs, token.NewTransferCheckedInstruction(units, decimals, srcATA, mint, dstATA, from, nil).Build())
	return ixs, nil
}

// errAccountNotFound is the RPC's invalid-params code, which it returns for
// a token account that does not exist.
const errAccountNotFound = -32602

func accountMissing(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == errAccountNotFound && strings.Contains(strings.ToLower(rpcErr.Message), "could not find account")
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e9)/1e9, 'f', -1, 64)
}

func shortAddress(a string) string {
	if len(a) <= 10 {
		return a
	}
	return a[:4] + "..." + a[len(a)-4:]
}
