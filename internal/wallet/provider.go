// Package wallet reads balances, token holdings and recent activity for a
// Solana address and keeps the latest view per address.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"walletai-backend/internal/market"
	"walletai-backend/internal/rpcpool"
	"walletai-backend/internal/tokens"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrInvalidAddress = errors.New("invalid wallet address")

// ConnectionFactory hands out RPC connections against the best endpoint.
type ConnectionFactory interface {
	CreateOptimalConnection() *rpcpool.Connection
}

type TokenBalance struct {
	Mint     string   `json:"mint"`
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Balance  float64  `json:"balance"`
	Decimals uint8    `json:"decimals"`
	USDValue *float64 `json:"usdValue,omitempty"`
	Logo     string   `json:"logo,omitempty"`
}

type WalletData struct {
	Address             string         `json:"address"`
	SolBalance          float64        `json:"solBalance"`
	Tokens              []TokenBalance `json:"tokens"`
	TotalValueUSD       float64        `json:"totalValueUsd"`
	RecentTransactions  []TxSummary    `json:"recentTransactions"`
	DroppedTransactions int            `json:"droppedTransactions,omitempty"`
	LastUpdated         time.Time      `json:"lastUpdated"`
}

// Holding returns the balance held of symbol, if any.
func (w *WalletData) Holding(symbol string) (TokenBalance, bool) {
	if w == nil {
		return TokenBalance{}, false
	}
	tok, err := tokens.Lookup(symbol)
	for _, t := range w.Tokens {
		if err == nil && t.Mint == tok.Mint {
			return t, true
		}
		if err != nil && t.Symbol == symbol {
			return t, true
		}
	}
	return TokenBalance{}, false
}

type Provider struct {
	conns  ConnectionFactory
	prices market.Oracle
	logger *zap.Logger
	// detailConcurrency bounds parallel getTransaction calls.
	detailConcurrency int
}

func NewProvider(conns ConnectionFactory, prices market.Oracle, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		conns:             conns,
		prices:            prices,
		logger:            logger.Named("wallet"),
		detailConcurrency: 8,
	}
}

// ParseAddress validates a base58 wallet address.
func ParseAddress(address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, address, err)
	}
	return pk, nil
}

// GetSolBalance returns the balance in SOL.
func (p *Provider) GetSolBalance(ctx context.Context, address string) (float64, error) {
	owner, err := ParseAddress(address)
	if err != nil {
		return 0, err
	}
	conn := p.conns.CreateOptimalConnection()
	out, err := conn.GetBalance(ctx, owner, conn.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance for %s: %w", address, err)
	}
	return tokens.FromBaseUnits(out.Value, tokens.SOLDecimals), nil
}

type parsedTokenAccount struct {
	Parsed struct {
		Info struct {
			Mint        string `json:"mint"`
			Owner       string `json:"owner"`
			TokenAmount struct {
				Amount   string   `json:"amount"`
				Decimals uint8    `json:"decimals"`
				UIAmount *float64 `json:"uiAmount"`
			} `json:"tokenAmount"`
		} `json:"info"`
		Type string `json:"type"`
	} `json:"parsed"`
	Program string `json:"program"`
}

// GetTokens enumerates non-zero SPL Token and Token-2022 balances.
func (p *Provider) GetTokens(ctx context.Context, address string) ([]TokenBalance, error) {
	owner, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	conn := p.conns.CreateOptimalConnection()

	var classic, extensions []TokenBalance
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		classic, err = p.tokenAccounts(gctx, conn, owner, solana.TokenProgramID)
		return err
	})
	g.Go(func() error {
		var err error
		extensions, err = p.tokenAccounts(gctx, conn, owner, tokens.Token2022ProgramID)
		if err != nil {
			p.logger.Warn("token-2022 enumeration failed", zap.String("address", address), zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("get token accounts for %s: %w", address, err)
	}

	out := append(classic, extensions...)
	for i := range out {
		if _, known := tokens.ByMint(out[i].Mint); !known || p.prices == nil {
			continue
		}
		price, err := p.prices.PriceUSD(ctx, out[i].Symbol)
		if err != nil {
			p.logger.Debug("no usd price", zap.String("symbol", out[i].Symbol), zap.Error(err))
			continue
		}
		v := price * out[i].Balance
		out[i].USDValue = &v
	}
	return out, nil
}

func (p *Provider) tokenAccounts(ctx context.Context, conn *rpcpool.Connection, owner, program solana.PublicKey) ([]TokenBalance, error) {
	res, err := conn.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{ProgramId: program.ToPointer()},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingJSONParsed, Commitment: conn.Commitment},
	)
	if err != nil {
		return nil, err
	}

	var out []TokenBalance
	for _, acc := range res.Value {
		if acc == nil || acc.Account.Data == nil {
			continue
		}
		var parsed parsedTokenAccount
		if err := json.Unmarshal(acc.Account.Data.GetRawJSON(), &parsed); err != nil {
			p.logger.Debug("skip unparsable token account", zap.Stringer("account", acc.Pubkey), zap.Error(err))
			continue
		}
		info := parsed.Parsed.Info
		raw, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		if err != nil || raw == 0 {
			continue
		}
		tb := TokenBalance{
			Mint:     info.Mint,
			Balance:  tokens.FromBaseUnits(raw, info.TokenAmount.Decimals),
			Decimals: info.TokenAmount.Decimals,
		}
		if t, ok := tokens.ByMint(info.Mint); ok {
			tb.Symbol, tb.Name, tb.Logo = t.Symbol, t.Name, t.Logo
		} else {
			tb.Symbol = shortMint(info.Mint)
			tb.Name = "Unknown Token"
		}
		out = append(out, tb)
	}
	return out, nil
}

func shortMint(mint string) string {
	if len(mint) <= 8 {
		return mint
	}
	return mint[:4] + "..." + mint[len(mint)-4:]
}

// GetWalletData fetches balance and tokens in parallel.
func (p *Provider) GetWalletData(ctx context.Context, address string) (*WalletData, error) {
	return p.collect(ctx, address, false)
}

// GetCompleteWalletData additionally includes recent transactions.
func (p *Provider) GetCompleteWalletData(ctx context.Context, address string) (*WalletData, error) {
	return p.collect(ctx, address, true)
}

func (p *Provider) collect(ctx context.Context, address string, withHistory bool) (*WalletData, error) {
	if _, err := ParseAddress(address); err != nil {
		return nil, err
	}
	data := &WalletData{Address: address, Tokens: []TokenBalance{}, RecentTransactions: []TxSummary{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bal, err := p.GetSolBalance(gctx, address)
		data.SolBalance = bal
		return err
	})
	g.Go(func() error {
		toks, err := p.GetTokens(gctx, address)
		if toks != nil {
			data.Tokens = toks
		}
		return err
	})
	if withHistory {
		g.Go(func() error {
			h, err := p.GetRecentTransactions(gctx, address, DefaultHistoryLimit)
			if err != nil {
				return err
			}
			data.RecentTransactions = h.Transactions
			data.DroppedTransactions = h.Dropped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data.TotalValueUSD = p.totalValue(ctx, data)
	data.LastUpdated = time.Now()
	return data, nil
}

func (p *Provider) totalValue(ctx context.Context, d *WalletData) float64 {
	var total float64
	if p.prices != nil && d.SolBalance > 0 {
		if price, err := p.prices.PriceUSD(ctx, "SOL"); err == nil {
			total += price * d.SolBalance
		}
	}
	for _, t := range d.Tokens {
		if t.USDValue != nil {
			total += *t.USDValue
		}
	}
	return total
}
