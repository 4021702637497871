// Package tokens holds the table of SPL mints the assistant knows how to
// trade and transfer.
package tokens

import (
	"errors"
	"fmt"
	"math"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

const (
	SOLMint              = "So11111111111111111111111111111111111111112"
	SOLDecimals    uint8 = 9
	LamportsPerSOL       = 1_000_000_000
	// DefaultSPLDecimals is assumed for estimates when a mint is not in the table.
	DefaultSPLDecimals uint8 = 6
)

// Token2022ProgramID owns Token Extensions accounts.
var Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

var ErrUnknownToken = errors.New("unknown token")

type Token struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Mint     string `json:"mint"`
	Decimals uint8  `json:"decimals"`
	Logo     string `json:"logo,omitempty"`
}

// Native reports whether the token is SOL itself rather than an SPL mint.
func (t Token) Native() bool { return t.Mint == SOLMint }

func (t Token) PublicKey() solana.PublicKey { return solana.MustPublicKeyFromBase58(t.Mint) }

var known = []Token{
	{Symbol: "SOL", Name: "Solana", Mint: SOLMint, Decimals: SOLDecimals},
	{Symbol: "USDC", Name: "USD Coin", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	{Symbol: "USDT", Name: "Tether USD", Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6},
	{Symbol: "BONK", Name: "Bonk", Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Decimals: 5},
	{Symbol: "JUP", Name: "Jupiter", Mint: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Decimals: 6},
	{Symbol: "RAY", Name: "Raydium", Mint: "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R", Decimals: 6},
	{Symbol: "WIF", Name: "dogwifhat", Mint: "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm", Decimals: 6},
	{Symbol: "PYTH", Name: "Pyth Network", Mint: "HZ1JovNiVvGrGNiiYvEozEVgZ58xaU3RKwX8eACQBCt3", Decimals: 6},
	{Symbol: "ORCA", Name: "Orca", Mint: "orcaEKTdK7LKz57vaAYr9QeNsVEPfiu6QeMU1kektZE", Decimals: 6},
	{Symbol: "MSOL", Name: "Marinade staked SOL", Mint: "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So", Decimals: 9},
	{Symbol: "JITOSOL", Name: "Jito Staked SOL", Mint: "J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn", Decimals: 9},
}

var (
	bySymbol = make(map[string]Token, len(known))
	byMint   = make(map[string]Token, len(known))
)

func init() {
	for _, t := range known {
		bySymbol[t.Symbol] = t
		byMint[t.Mint] = t
	}
	bySymbol["WSOL"] = bySymbol["SOL"]
}

// Lookup resolves a symbol case-insensitively.
func Lookup(symbol string) (Token, error) {
	s := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(symbol, "$")))
	if t, ok := bySymbol[s]; ok {
		return t, nil
	}
	return Token{}, fmt.Errorf("%w: %q", ErrUnknownToken, symbol)
}

func ByMint(mint string) (Token, bool) {
	t, ok := byMint[mint]
	return t, ok
}

func All() []Token {
	return append([]Token(nil), known...)
}

// ToBaseUnits scales a display amount to the mint's smallest unit, rounding
// to the nearest unit.
func ToBaseUnits(amount float64, decimals uint8) (uint64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %v", amount)
	}
	scaled := math.Round(amount * math.Pow10(int(decimals)))
	if scaled >= math.MaxUint64 {
		return 0, fmt.Errorf("amount %v overflows %d decimals", amount, decimals)
	}
	if scaled < 1 {
		return 0, fmt.Errorf("amount %v is below the smallest unit", amount)
	}
	return uint64(scaled), nil
}

func FromBaseUnits(raw uint64, decimals uint8) float64 {
	return float64(raw) / math.Pow10(int(decimals))
}
