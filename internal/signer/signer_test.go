package signer

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

func TestFromBase58(t *testing.T) {
	t.Parallel()

	key := solana.NewWallet().PrivateKey
	w, err := FromBase58(" " + key.String() + "\n")
	if err != nil {
		t.Fatalf("FromBase58 returned error: %v", err)
	}
	if !w.PublicKey().Equals(key.PublicKey()) {
		t.Fatalf("public key mismatch")
	}

	if _, err := FromBase58(""); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := FromBase58("not-base58-0OIl"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSignTransaction(t *testing.T) {
	t.Parallel()

	w := NewKeypairWallet(solana.NewWallet().PrivateKey)
	to := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1000, w.PublicKey(), to).Build()},
		solana.Hash{},
		solana.TransactionPayer(w.PublicKey()),
	)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if err := w.SignTransaction(context.Background(), tx); err != nil {
		t.Fatalf("SignTransaction returned error: %v", err)
	}
	if len(tx.Signatures) != 1 || tx.Signatures[0].IsZero() {
		t.Fatalf("expected one signature, got %v", tx.Signatures)
	}
	if err := tx.VerifySignatures(); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestSignTransactionRejectsForeignMessage(t *testing.T) {
	t.Parallel()

	w := NewKeypairWallet(solana.NewWallet().PrivateKey)
	other := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1000, other, w.PublicKey()).Build()},
		solana.Hash{},
		solana.TransactionPayer(other),
	)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if err := w.SignTransaction(context.Background(), tx); err == nil {
		t.Fatalf("expected an error signing for another payer")
	}
}
