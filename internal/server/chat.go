package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"walletai-backend/internal/executor"
	"walletai-backend/internal/intent"
	"walletai-backend/internal/signer"
	"walletai-backend/internal/store"
	"walletai-backend/internal/types"
	"walletai-backend/internal/wallet"
)

func (s *Server) handleAI(w http.ResponseWriter, r *http.Request) {
	var req types.AIRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if s.opts.Parser == nil {
		s.writeError(w, http.StatusInternalServerError, "intent parser is not configured")
		return
	}
	addr := strings.TrimSpace(req.WalletAddress)
	if addr != "" {
		if _, err := wallet.ParseAddress(addr); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid wallet address")
			return
		}
	}
	start := time.Now()
	sid := sessionOrCreate(w, r, req.SessionID)

	pctx := intent.Context{WalletConnected: addr != "", WalletAddress: addr}
	if !req.IsFirstMessage {
		pctx.History = s.opts.Sessions.Recent(sid, s.opts.HistoryWindow)
	}
	if addr != "" {
		s.opts.Sessions.SetWallet(sid, addr)
		pctx.Wallet = s.loadWallet(r.Context(), addr)
	}

	res := s.turn(r.Context(), sid, msg, pctx)
	s.writeJSON(w, http.StatusOK, types.AIResponse{
		Response:       res.Message,
		Intent:         intentOrNil(res.Intent),
		Suggestions:    res.Suggestions,
		Data:           res.Data,
		ProcessingTime: time.Since(start).Milliseconds(),
	})
}

// handleIntentParser is the chat turn for clients that already hold the
// wallet view and send it along.
func (s *Server) handleIntentParser(w http.ResponseWriter, r *http.Request) {
	var req types.IntentParserRequest
	if !s.decode(w, r, &req) {
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if s.opts.Parser == nil {
		s.writeError(w, http.StatusInternalServerError, "intent parser is not configured")
		return
	}
	addr := strings.TrimSpace(req.WalletAddress)
	sid := sessionOrCreate(w, r, req.SessionID)

	pctx := intent.Context{
		WalletConnected: req.WalletConnected && addr != "",
		WalletAddress:   addr,
		History:         s.opts.Sessions.Recent(sid, s.opts.HistoryWindow),
	}
	var data *wallet.WalletData
	if pctx.WalletConnected {
		data = &wallet.WalletData{
			Address:            addr,
			SolBalance:         req.Balance,
			Tokens:             req.TokenBalances,
			RecentTransactions: req.RecentTransactions,
			LastUpdated:        time.Now().UTC(),
		}
		pctx.Wallet = data
		s.opts.Sessions.SetWallet(sid, addr)
	}

	res := s.turn(r.Context(), sid, prompt, pctx)
	s.writeJSON(w, http.StatusOK, types.IntentParserResponse{
		Message:     res.Message,
		Intent:      intentOrNil(res.Intent),
		Suggestions: res.Suggestions,
		WalletData:  data,
	})
}

// turn records the exchange in the session transcript and hands executable
// intents to the session's controller.
func (s *Server) turn(ctx context.Context, sid, msg string, pctx intent.Context) intent.Result {
	s.opts.Sessions.Append(sid, store.Message{Role: store.RoleUser, Content: msg, CreatedAt: time.Now().UTC()})
	res := s.opts.Parser.Parse(ctx, msg, pctx)
	s.opts.Sessions.Append(sid, store.Message{Role: store.RoleAssistant, Content: res.Message, CreatedAt: time.Now().UTC()})
	s.submit(sid, pctx.WalletAddress, res.Intent)
	return res
}

// submit records an executable intent as pending. When auto execution is on
// and the session wallet is the server signer, it runs in the background.
func (s *Server) submit(sid, addr string, in intent.Intent) {
	if s.opts.Executor == nil || in == nil || !executor.Executable(in) {
		return
	}
	agent := s.agentFor(addr)
	if agent == nil || !s.opts.Executor.AutoExecute() {
		s.opts.Executor.Submit(context.Background(), sid, in, nil)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
		defer cancel()
		res, ran := s.opts.Executor.Submit(ctx, sid, in, agent)
		if ran {
			s.logger.Info("auto execution finished", zap.String("session", sid), zap.Bool("success", res.Success), zap.String("tx", res.TxID))
		}
	}()
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	sid := req.SessionID
	if sid == "" {
		sid = sessionID(r)
	}
	if sid == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if s.opts.Executor == nil {
		s.writeError(w, http.StatusInternalServerError, "transaction execution is not configured")
		return
	}
	if s.opts.Signer == nil {
		s.writeError(w, http.StatusInternalServerError, "SOLANA_PRIVATE_KEY_BASE58 is not configured")
		return
	}
	addr := strings.TrimSpace(req.WalletAddress)
	if addr == "" {
		addr = s.opts.Sessions.GetWallet(sid)
	}
	agent := s.agentFor(addr)
	if agent == nil {
		s.writeError(w, http.StatusForbidden, "the session wallet is not managed by this server")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), executeTimeout)
	defer cancel()
	res, err := s.opts.Executor.ExecutePending(ctx, sid, agent)
	switch {
	case errors.Is(err, executor.ErrNothingPending):
		s.writeError(w, http.StatusNotFound, "nothing is waiting to be executed for this session")
		return
	case errors.Is(err, executor.ErrWalletNotConnected):
		s.writeError(w, http.StatusBadRequest, "connect a wallet first")
		return
	case err != nil:
		s.logger.Error("execute pending intent", zap.String("session", sid), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "execution failed")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) loadWallet(ctx context.Context, addr string) *wallet.WalletData {
	if s.opts.WalletCache == nil {
		return nil
	}
	s.opts.WalletCache.Watch(addr)
	data, err := s.opts.WalletCache.Load(ctx, addr)
	if err != nil {
		s.logger.Warn("load wallet data", zap.String("address", addr), zap.Error(err))
		return nil
	}
	return data
}

func (s *Server) agentFor(addr string) signer.Wallet {
	if s.opts.Signer == nil || addr == "" || s.opts.Signer.PublicKey().String() != addr {
		return nil
	}
	return s.opts.Signer
}

// intentOrNil keeps a nil Intent out of an interface-typed field so that
// omitempty drops it.
func intentOrNil(in intent.Intent) any {
	if in == nil {
		return nil
	}
	return in
}

// handleResetSession forgets the session's transcript, wallet and pending
// intent, then drops the cookie.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	if sid == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if s.opts.Executor != nil {
		s.opts.Executor.Forget(sid)
	}
	if err := s.opts.Sessions.Reset(r.Context(), sid); err != nil {
		s.logger.Error("reset session", zap.String("session", sid), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to clear the session")
		return
	}
	ClearSessionCookie(w)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "sessionId": sid})
}
