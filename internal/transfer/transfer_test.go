package transfer

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"walletai-backend/internal/rpcpool"
	"walletai-backend/internal/rpcpool/rpctest"
	"walletai-backend/internal/signer"
	"walletai-backend/internal/wallet"
)

type fastConns struct{ reg *rpcpool.Registry }

func (f fastConns) CreateOptimalConnection() *rpcpool.Connection {
	return f.reg.CreateConnectionWithOptions(rpcpool.ConnectionOptions{
		Attempts:       1,
		ConfirmTimeout: 500 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})
}

type refreshStub struct{ n atomic.Int32 }

func (r *refreshStub) Refresh(context.Context, string) (*wallet.WalletData, error) {
	r.n.Add(1)
	return &wallet.WalletData{}, nil
}

// chain scripts the RPC methods a transfer touches and records the
// submitted transaction.
type chain struct {
	mu        sync.Mutex
	lamports  uint64
	tokenBal  map[string]any
	tokenErr  *rpctest.Error
	dstExists bool
	txErr     any
	sent      *solana.Transaction
}

func (c *chain) handlers() map[string]rpctest.Handler {
	return map[string]rpctest.Handler{
		"getBalance": func([]json.RawMessage) (any, *rpctest.Error) {
			return rpctest.Value(c.lamports), nil
		},
		"getTokenAccountBalance": func([]json.RawMessage) (any, *rpctest.Error) {
			if c.tokenErr != nil {
				return nil, c.tokenErr
			}
			if c.tokenBal == nil {
				return nil, &rpctest.Error{Code: -32602, Message: "Invalid param: could not find account"}
			}
			return rpctest.Value(c.tokenBal), nil
		},
		"getAccountInfo": func([]json.RawMessage) (any, *rpctest.Error) {
			if !c.dstExists {
				return rpctest.Value(nil), nil
			}
			return rpctest.Value(map[string]any{
				"lamports":   2039280,
				"owner":      solana.TokenProgramID.String(),
				"data":       []any{"", "base64"},
				"executable": false,
				"rentEpoch":  0,
			}), nil
		},
		"getLatestBlockhash": func([]json.RawMessage) (any, *rpctest.Error) {
			return rpctest.Value(map[string]any{
				"blockhash":            solana.Hash{9, 9, 9}.String(),
				"lastValidBlockHeight": 100,
			}), nil
		},
		"sendTransaction": func(params []json.RawMessage) (any, *rpctest.Error) {
			var encoded string
			_ = json.Unmarshal(params[0], &encoded)
			raw, _ := base64.StdEncoding.DecodeString(encoded)
			tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
			if err != nil {
				return nil, &rpctest.Error{Code: -32602, Message: err.Error()}
			}
			c.mu.Lock()
			c.sent = tx
			c.mu.Unlock()
			return tx.Signatures[0].String(), nil
		},
		"getSignatureStatuses": func([]json.RawMessage) (any, *rpctest.Error) {
			return rpctest.Value([]any{map[string]any{
				"slot":               3,
				"confirmations":      nil,
				"err":                c.txErr,
				"confirmationStatus": "confirmed",
			}}), nil
		},
	}
}

func (c *chain) sentTx() *solana.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func newOrchestrator(t *testing.T, c *chain) (*Orchestrator, *rpctest.Server, *refreshStub) {
	t.Helper()
	srv := rpctest.NewServer(t, c.handlers())
	reg := rpcpool.NewRegistry([]rpcpool.Endpoint{{URL: srv.URL, Priority: 1, Weight: 1}}, nil)
	ref := &refreshStub{}
	return NewOrchestrator(fastConns{reg}, ref, nil), srv, ref
}

func programs(t *testing.T, tx *solana.Transaction) []solana.PublicKey {
	t.Helper()
	var out []solana.PublicKey
	for _, ix := range tx.Message.Instructions {
		p, err := tx.Message.Program(ix.ProgramIDIndex)
		if err != nil {
			t.Fatalf("resolve program: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func TestTransferSOLPreflightShortfall(t *testing.T) {
	t.Parallel()

	c := &chain{lamports: 1_000_000_000}
	o, srv, _ := newOrchestrator(t, c)
	w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)

	res := o.TransferTokens(context.Background(), w, solana.NewWallet().PublicKey().String(), 1_000_000, "SOL")
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Message, "short by 999999.000005 SOL") {
		t.Fatalf("message does not state the shortfall: %q", res.Message)
	}
	if srv.Called("sendTransaction") || srv.Called("getLatestBlockhash") {
		t.Fatalf("nothing should be built or sent, calls: %v", srv.Calls())
	}
}

func TestTransferSOL(t *testing.T) {
	t.Parallel()

	c := &chain{lamports: 5_000_000_000}
	o, _, ref := newOrchestrator(t, c)
	w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)
	to := solana.NewWallet().PublicKey()

	res := o.TransferTokens(context.Background(), w, to.String(), 1.25, "sol")
	if !res.Success || res.TxID == "" || res.ExplorerURL == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Message, "Sent 1.25 SOL") {
		t.Fatalf("message = %q", res.Message)
	}
	tx := c.sentTx()
	progs := programs(t, tx)
	if len(progs) != 1 || !progs[0].Equals(solana.SystemProgramID) {
		t.Fatalf("programs = %v", progs)
	}
	data := tx.Message.Instructions[0].Data
	if got := binary.LittleEndian.Uint64(data[4:12]); got != 1_250_000_000 {
		t.Fatalf("lamports = %d", got)
	}
	if ref.n.Load() != 1 {
		t.Fatalf("wallet refreshed %d times", ref.n.Load())
	}
}

func TestTransferSPLCreatesMissingTokenAccount(t *testing.T) {
	t.Parallel()

	c := &chain{
		lamports: 1_000_000_000,
		tokenBal: map[string]any{"amount": "5000000", "decimals": 6, "uiAmountString": "5"},
	}
	o, _, _ := newOrchestrator(t, c)
	w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)

	res := o.TransferTokens(context.Background(), w, solana.NewWallet().PublicKey().String(), 2, "USDC")
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	tx := c.sentTx()
	progs := programs(t, tx)
	if len(progs) != 2 || !progs[0].Equals(solana.SPLAssociatedTokenAccountProgramID) || !progs[1].Equals(solana.TokenProgramID) {
		t.Fatalf("programs = %v", progs)
	}
	data := tx.Message.Instructions[1].Data
	if data[0] != 12 {
		t.Fatalf("expected TransferChecked, got instruction %d", data[0])
	}
	if got := binary.LittleEndian.Uint64(data[1:9]); got != 2_000_000 || data[9] != 6 {
		t.Fatalf("amount = %d decimals = %d", got, data[9])
	}
}

func TestTransferSPLExistingTokenAccount(t *testing.T) {
	t.Parallel()

	c := &chain{
		lamports:  1_000_000,
		tokenBal:  map[string]any{"amount": "5000000", "decimals": 6, "uiAmountString": "5"},
		dstExists: true,
	}
	o, _, _ := newOrchestrator(t, c)
	w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)

	res := o.TransferTokens(context.Background(), w, solana.NewWallet().PublicKey().String(), 5, "USDC")
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	if progs := programs(t, c.sentTx()); len(progs) != 1 || !progs[0].Equals(solana.TokenProgramID) {
		t.Fatalf("programs = %v", progs)
	}
}

func TestTransferSPLShortfalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c    *chain
		want string
	}{
		{"token balance", &chain{lamports: 1_000_000_000, tokenBal: map[string]any{"amount": "1000000", "decimals": 6}}, "short by 1 USDC"},
		{"no token account", &chain{lamports: 1_000_000_000}, "you have 0 USDC"},
		{"rent for new account", &chain{lamports: 10_000, tokenBal: map[string]any{"amount": "5000000", "decimals": 6}}, "Insufficient SOL"},
	}
	for _, tc := range tests {
		o, srv, _ := newOrchestrator(t, tc.c)
		w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)
		res := o.TransferTokens(context.Background(), w, solana.NewWallet().PublicKey().String(), 2, "USDC")
		if res.Success || !strings.Contains(res.Message, tc.want) {
			t.Fatalf("%s: unexpected result %+v", tc.name, res)
		}
		if srv.Called("sendTransaction") {
			t.Fatalf("%s: transaction was sent", tc.name)
		}
	}
}

func TestTransferSPLBalanceLookupFailure(t *testing.T) {
	t.Parallel()

	c := &chain{lamports: 1_000_000_000, tokenErr: &rpctest.Error{Code: -32005, Message: "Node is behind by 42 slots"}}
	o, srv, _ := newOrchestrator(t, c)
	w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)

	res := o.TransferTokens(context.Background(), w, solana.NewWallet().PublicKey().String(), 5, "USDC")
	if res.Success || !strings.Contains(res.Message, "Could not prepare the transfer") {
		t.Fatalf("unexpected result %+v", res)
	}
	if strings.Contains(res.Message, "Insufficient") || !strings.Contains(res.Error, "Node is behind") {
		t.Fatalf("outage reported as a shortfall: %+v", res)
	}
	if srv.Called("sendTransaction") {
		t.Fatalf("transaction was sent")
	}
}

func TestTransferRejectsBadInputWithoutRPC(t *testing.T) {
	t.Parallel()

	c := &chain{lamports: 1_000_000_000}
	o, srv, _ := newOrchestrator(t, c)
	w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)
	good := solana.NewWallet().PublicKey().String()

	cases := []struct {
		recipient string
		amount    float64
		token     string
	}{
		{good, 0, "SOL"},
		{good, -3, "SOL"},
		{"not-an-address", 1, "SOL"},
		{good, 1, "NOTATOKEN"},
		{w.PublicKey().String(), 1, "SOL"},
	}
	for _, tc := range cases {
		if res := o.TransferTokens(context.Background(), w, tc.recipient, tc.amount, tc.token); res.Success {
			t.Fatalf("%+v: expected failure", tc)
		}
	}
	if calls := srv.Calls(); len(calls) != 0 {
		t.Fatalf("expected no RPC calls, got %v", calls)
	}
}

func TestTransferOnChainFailure(t *testing.T) {
	t.Parallel()

	c := &chain{lamports: 5_000_000_000, txErr: map[string]any{"InstructionError": []any{0, "InsufficientFunds"}}}
	o, _, ref := newOrchestrator(t, c)
	w := signer.NewKeypairWallet(solana.NewWallet().PrivateKey)

	res := o.TransferTokens(context.Background(), w, solana.NewWallet().PublicKey().String(), 1, "SOL")
	if res.Success || res.TxID == "" || !strings.Contains(res.Message, "failed on-chain") {
		t.Fatalf("unexpected result %+v", res)
	}
	if ref.n.Load() != 0 {
		t.Fatalf("wallet should not refresh after a failed transfer")
	}
}
