// Package signer adapts key material to the wallet interface the
// orchestrators sign with.
package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

var ErrNoKey = errors.New("no signing key configured")

// Wallet signs transactions on behalf of one public key.
type Wallet interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// KeypairWallet holds a private key in memory. It backs agent mode, where the
// server signs for its own wallet.
type KeypairWallet struct {
	key solana.PrivateKey
}

func NewKeypairWallet(key solana.PrivateKey) *KeypairWallet {
	return &KeypairWallet{key: key}
}

// FromBase58 parses a base58 encoded 64-byte secret key.
func FromBase58(secret string) (*KeypairWallet, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoKey
	}
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("parse signing key: want 64 bytes, got %d", len(key))
	}
	return &KeypairWallet{key: key}, nil
}

func (w *KeypairWallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// SignTransaction signs a message whose only required signer is this wallet.
func (w *KeypairWallet) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pub := w.key.PublicKey()
	if !tx.Message.IsSigner(pub) {
		return fmt.Errorf("%s is not a signer of this transaction", pub)
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &w.key
		}
		return nil
	})
	return err
}
