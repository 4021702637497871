package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"walletai-backend/internal/intent"
	"walletai-backend/internal/swap"
	"walletai-backend/internal/types"
	"walletai-backend/internal/wallet"
)

const (
	defaultTxLimit = 10
	maxTxLimit     = 50
)

// handleSwapExecution validates a swap against the caller's wallet view and
// quotes it. Nothing is signed here.
func (s *Server) handleSwapExecution(w http.ResponseWriter, r *http.Request) {
	var req types.SwapExecutionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Intent) == 0 || string(req.Intent) == "null" {
		s.writeError(w, http.StatusBadRequest, "intent is required")
		return
	}
	in, err := intent.Decode(req.Intent)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid intent: "+err.Error())
		return
	}
	sw, ok := in.(intent.Swap)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("intent action %q is not a swap", in.Action()))
		return
	}
	if s.opts.Swaps == nil {
		s.writeError(w, http.StatusInternalServerError, "swap service is not configured")
		return
	}

	if v := s.opts.Swaps.ValidateSwapRequest(sw, req.WalletData); !v.Valid {
		s.writeJSON(w, http.StatusOK, types.SwapExecutionResponse{Success: false, Message: v.Reason, Intent: sw})
		return
	}
	est, err := s.opts.Swaps.GetSwapEstimate(r.Context(), sw)
	var invalid *swap.InvalidError
	switch {
	case errors.Is(err, swap.ErrNoRoute):
		s.writeJSON(w, http.StatusOK, types.SwapExecutionResponse{Success: false, Message: "No swap route was found for that pair.", Intent: sw})
		return
	case errors.As(err, &invalid):
		s.writeJSON(w, http.StatusOK, types.SwapExecutionResponse{Success: false, Message: invalid.Reason, Intent: sw})
		return
	case err != nil:
		s.logger.Error("swap estimate", zap.String("from", sw.FromToken), zap.String("to", sw.ToToken), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "swap quote is unavailable right now")
		return
	}
	s.writeJSON(w, http.StatusOK, types.SwapExecutionResponse{
		Success: true,
		Message: fmt.Sprintf("Swap %s %s for about %s %s (minimum %s %s after slippage).",
			formatAmount(est.FromAmount), est.FromToken,
			formatAmount(est.ToAmount), est.ToToken,
			formatAmount(est.MinReceived), est.ToToken),
		Estimate: est,
		Intent:   sw,
	})
}

func (s *Server) handleWalletCheck(w http.ResponseWriter, r *http.Request) {
	var req types.WalletCheckRequest
	if r.Method == http.MethodPost {
		if !s.decode(w, r, &req) {
			return
		}
	} else {
		q := r.URL.Query()
		req.WalletAddress = q.Get("address")
		if v, err := strconv.ParseBool(q.Get("includeTokens")); err == nil {
			req.FetchOptions.IncludeTokens = &v
		}
		if v, err := strconv.ParseBool(q.Get("includeTransactions")); err == nil {
			req.FetchOptions.IncludeTransactions = &v
		}
		if n, err := strconv.Atoi(q.Get("limit")); err == nil {
			req.FetchOptions.TransactionLimit = n
		}
	}
	addr := strings.TrimSpace(req.WalletAddress)
	if addr == "" {
		s.writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if _, err := wallet.ParseAddress(addr); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	if s.opts.Wallets == nil {
		s.writeError(w, http.StatusInternalServerError, "wallet service is not configured")
		return
	}
	limit := req.FetchOptions.TransactionLimit
	if limit <= 0 {
		limit = defaultTxLimit
	}
	limit = min(limit, maxTxLimit)

	resp := types.WalletCheckResponse{Address: addr, Tokens: []wallet.TokenBalance{}, Transactions: []wallet.TxSummary{}}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		bal, err := s.opts.Wallets.GetSolBalance(ctx, addr)
		if err != nil {
			return fmt.Errorf("sol balance: %w", err)
		}
		resp.SolBalance = bal
		return nil
	})
	if optIn(req.FetchOptions.IncludeTokens) {
		g.Go(func() error {
			toks, err := s.opts.Wallets.GetTokens(ctx, addr)
			if err != nil {
				return fmt.Errorf("token accounts: %w", err)
			}
			if toks != nil {
				resp.Tokens = toks
			}
			return nil
		})
	}
	if optIn(req.FetchOptions.IncludeTransactions) {
		g.Go(func() error {
			h, err := s.opts.Wallets.GetRecentTransactions(ctx, addr, limit)
			if err != nil {
				return fmt.Errorf("transactions: %w", err)
			}
			if h.Transactions != nil {
				resp.Transactions = h.Transactions
			}
			resp.DroppedTransactions = h.Dropped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("wallet check", zap.String("address", addr), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch wallet data: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// optIn treats a missing option as enabled.
func optIn(v *bool) bool { return v == nil || *v }

func formatAmount(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}
