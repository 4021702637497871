// Package executor runs pending swap and transfer intents for a chat session
// and turns the outcome into notifications and transcript entries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"walletai-backend/internal/intent"
	"walletai-backend/internal/signer"
	"walletai-backend/internal/store"
	"walletai-backend/internal/swap"
	"walletai-backend/internal/types"
)

var (
	ErrNothingPending     = errors.New("no pending intent for this session")
	ErrWalletNotConnected = errors.New("wallet is not connected")
	ErrNotExecutable      = errors.New("intent is not executable")
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

type Notification struct {
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
	TxID        string    `json:"txId,omitempty"`
	ExplorerURL string    `json:"explorerUrl,omitempty"`
	At          time.Time `json:"at"`
}

type Notifier interface {
	Notify(sessionID string, n Notification)
}

type Swapper interface {
	ExecuteSwap(ctx context.Context, sessionID string, in intent.Swap, w signer.Wallet) (types.TxResult, error)
}

type Transferrer interface {
	TransferTokens(ctx context.Context, w signer.Wallet, recipient string, amount float64, token string) types.TxResult
}

type Transcript interface {
	Append(sessionID string, msg store.Message)
}

type Options struct {
	Swapper     Swapper
	Transferrer Transferrer
	Transcript  Transcript
	Notifier    Notifier
	AutoExecute bool
	Logger      *zap.Logger
}

// Manager owns one Controller per session.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{opts: opts, logger: logger.Named("executor"), controllers: make(map[string]*Controller)}
}

func (m *Manager) AutoExecute() bool { return m.opts.AutoExecute }

func (m *Manager) Controller(sessionID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[sessionID]
	if !ok {
		c = &Controller{sessionID: sessionID, m: m}
		m.controllers[sessionID] = c
	}
	return c
}

// Forget drops the session's controller and whatever it was waiting on. An
// execution already running finishes but is not replaced.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	c, ok := m.controllers[sessionID]
	delete(m.controllers, sessionID)
	m.mu.Unlock()
	if ok {
		c.Clear()
	}
}

// Executable reports whether in is a swap or transfer.
func Executable(in intent.Intent) bool {
	switch in.(type) {
	case intent.Swap, intent.Transfer:
		return true
	}
	return false
}

// Submit records in as the session's pending intent. With auto execution on
// and a wallet available it runs immediately; ran reports whether it did.
func (m *Manager) Submit(ctx context.Context, sessionID string, in intent.Intent, w signer.Wallet) (res types.TxResult, ran bool) {
	if in == nil || !Executable(in) {
		return types.TxResult{}, false
	}
	c := m.Controller(sessionID)
	gen := c.SetPending(in)
	if !m.opts.AutoExecute || w == nil {
		return types.TxResult{}, false
	}
	return c.Execute(ctx, gen, w)
}

// ExecutePending runs whatever intent the session is waiting on.
func (m *Manager) ExecutePending(ctx context.Context, sessionID string, w signer.Wallet) (types.TxResult, error) {
	if w == nil {
		return types.TxResult{}, ErrWalletNotConnected
	}
	c := m.Controller(sessionID)
	_, gen, ok := c.Pending()
	if !ok {
		return types.TxResult{}, ErrNothingPending
	}
	res, ran := c.Execute(ctx, gen, w)
	if !ran {
		return types.TxResult{}, ErrNothingPending
	}
	return res, nil
}

type pending struct {
	intent  intent.Intent
	gen     uint64
	claimed bool
}

// Controller tracks the pending intent of one session. Each SetPending
// starts a new generation that can be executed at most once.
type Controller struct {
	sessionID string
	m         *Manager

	mu  sync.Mutex
	gen uint64
	cur *pending
}

func (c *Controller) SetPending(in intent.Intent) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cur = &pending{intent: in, gen: c.gen}
	return c.gen
}

func (c *Controller) Pending() (intent.Intent, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.claimed {
		return nil, 0, false
	}
	return c.cur.intent, c.cur.gen, true
}

func (c *Controller) Clear() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
}

func (c *Controller) claim(gen uint64) (intent.Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.gen != gen || c.cur.claimed {
		return nil, false
	}
	c.cur.claimed = true
	return c.cur.intent, true
}

func (c *Controller) release(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.gen == gen {
		c.cur = nil
	}
}

type outcome struct {
	res types.TxResult
	err error
}

// Execute runs generation gen. A generation that was already run, replaced
// or cleared is skipped and ran is false. The pending intent is cleared
// whatever the outcome.
func (c *Controller) Execute(ctx context.Context, gen uint64, w signer.Wallet) (res types.TxResult, ran bool) {
	in, ok := c.claim(gen)
	if !ok {
		return types.TxResult{}, false
	}
	defer c.release(gen)

	m := c.m
	out, err := intent.Match(in, intent.Cases[outcome]{
		Swap: func(s intent.Swap) outcome {
			if m.opts.Swapper == nil {
				return outcome{err: fmt.Errorf("%w: swaps are not available", ErrNotExecutable)}
			}
			r, err := m.opts.Swapper.ExecuteSwap(ctx, c.sessionID, s, w)
			return outcome{res: r, err: err}
		},
		Transfer: func(t intent.Transfer) outcome {
			if m.opts.Transferrer == nil {
				return outcome{err: fmt.Errorf("%w: transfers are not available", ErrNotExecutable)}
			}
			return outcome{res: m.opts.Transferrer.TransferTokens(ctx, w, t.Recipient, t.Amount, t.Token)}
		},
	})
	if err != nil {
		out.err = fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	res = out.res
	if out.err != nil {
		m.logger.Warn("intent execution failed", zap.String("session", c.sessionID), zap.String("action", string(in.Action())), zap.Error(out.err))
		res = types.TxResult{Success: false, Message: userMessage(out.err), Error: out.err.Error()}
	}
	c.report(in, res)
	return res, true
}

func userMessage(err error) string {
	var invalid *swap.InvalidError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "The request timed out. Please try again."
	case errors.Is(err, ErrNotExecutable):
		return "That action can't be executed here."
	case errors.Is(err, swap.ErrSwapInFlight):
		return "A swap is already in progress. Wait for it to finish first."
	case errors.As(err, &invalid):
		return invalid.Reason
	case errors.Is(err, swap.ErrInvalidSwap):
		return "That swap request is not valid."
	case errors.Is(err, swap.ErrNoRoute):
		return "No swap route was found for that pair."
	}
	var apiErr *swap.APIError
	if errors.As(err, &apiErr) {
		return "The swap service is unavailable right now. Please try again."
	}
	return "Something went wrong while executing the transaction. Please try again."
}

func (c *Controller) report(in intent.Intent, res types.TxResult) {
	n := Notification{Kind: KindSuccess, Message: res.Message, TxID: res.TxID, ExplorerURL: res.ExplorerURL, At: time.Now().UTC()}
	if !res.Success {
		n.Kind = KindError
	}
	if c.m.opts.Notifier != nil {
		c.m.opts.Notifier.Notify(c.sessionID, n)
	}
	if c.m.opts.Transcript != nil {
		c.m.opts.Transcript.Append(c.sessionID, store.Message{
			Role:      store.RoleAssistant,
			Content:   TranscriptEntry(in.Action(), res),
			CreatedAt: n.At,
		})
	}
}

// TranscriptEntry renders a result as a chat line.
func TranscriptEntry(action intent.Action, res types.TxResult) string {
	label := "Transaction"
	switch action {
	case intent.ActionSwap:
		label = "Swap"
	case intent.ActionTransfer:
		label = "Transfer"
	}
	if res.Success {
		s := "✅ " + label + " successful! " + res.Message
		if res.ExplorerURL != "" {
			s += "\nView on explorer: " + res.ExplorerURL
		}
		return s
	}
	reason := res.Message
	if reason == "" {
		reason = res.Error
	}
	s := "❌ " + label + " failed: " + reason
	if res.ExplorerURL != "" {
		s += "\nView on explorer: " + res.ExplorerURL
	}
	return s
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(sessionID string, n Notification) {
	if l.Logger == nil {
		return
	}
	fields := []zap.Field{zap.String("session", sessionID), zap.String("kind", string(n.Kind)), zap.String("message", n.Message)}
	if n.TxID != "" {
		fields = append(fields, zap.String("tx", n.TxID))
	}
	l.Logger.Info("execution finished", fields...)
}
