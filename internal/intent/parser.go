package intent

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"walletai-backend/internal/market"
	"walletai-backend/internal/metrics"
	"walletai-backend/internal/store"
	"walletai-backend/internal/wallet"
)

type Tier string

const (
	TierFast     Tier = "fast"
	TierLLM      Tier = "llm"
	TierFallback Tier = "fallback"
)

var (
	swapRe     = regexp.MustCompile(`(?i)\bswap\s+(\d+\.?\d*)\s+\$?([a-z0-9]+)\s+(?:to|for)\s+\$?([a-z0-9]+)\b`)
	transferRe = regexp.MustCompile(`(?i)\b(?:send|transfer|pay|give)\s+(\d+\.?\d*)\s+\$?([a-z0-9]+)\s+to\s+([1-9A-HJ-NP-Za-km-z]{32,44})\b`)
	evmAddrRe  = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
	base58Re   = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)
	coinInfoRe = regexp.MustCompile(`(?i)\b(?:what\s+is|what's|whats|tell\s+me\s+about|info\s+on)\s+\$?([a-z0-9]+(?:\s+[a-z0-9]+)?)`)
	balanceRe  = regexp.MustCompile(`(?i)\b(?:balance|how\s+much\s+(?:sol|do\s+i\s+have)|my\s+(?:wallet|tokens|portfolio|holdings))\b`)
	helpRe     = regexp.MustCompile(`(?i)^\s*(?:help|commands|what\s+can\s+you\s+do|how\s+do\s+(?:i|you)\s+work)\s*[?!.]*\s*$`)
)

// DefaultSuggestions are offered whenever no better follow-ups exist.
var DefaultSuggestions = []string{
	"Check my balance",
	"Swap 1 SOL to USDC",
	"What is JUP?",
	"How is the market today?",
}

// Context is what the parser knows about the session.
type Context struct {
	WalletConnected bool
	WalletAddress   string
	Wallet          *wallet.WalletData
	History         []store.Message
}

// Result is one assistant reply.
type Result struct {
	Message     string   `json:"message"`
	Intent      Intent   `json:"intent,omitempty"`
	Suggestions []string `json:"suggestions"`
	Data        any      `json:"data,omitempty"`
	Tier        Tier     `json:"-"`
}

type TokenLookup interface {
	TokenPairs(ctx context.Context, address string) ([]market.Pair, error)
}

type MarketAnswerer interface {
	Answer(message string) (market.Answer, bool)
}

type Completer interface {
	Complete(ctx context.Context, message string, pctx Context) (*Result, error)
}

type ParserOptions struct {
	Knowledge *Knowledge
	Tokens    TokenLookup
	Market    MarketAnswerer
	Prices    market.Oracle
	LLM       Completer
	Logger    *zap.Logger
}

// Parser runs the structural matchers before falling back to the model.
type Parser struct {
	knowledge *Knowledge
	tokens    TokenLookup
	market    MarketAnswerer
	prices    market.Oracle
	llm       Completer
	logger    *zap.Logger
}

func NewParser(opts ParserOptions) *Parser {
	if opts.Knowledge == nil {
		opts.Knowledge = DefaultKnowledge()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Parser{
		knowledge: opts.Knowledge,
		tokens:    opts.Tokens,
		market:    opts.Market,
		prices:    opts.Prices,
		llm:       opts.LLM,
		logger:    opts.Logger.Named("intent"),
	}
}

// Parse never fails: model errors and timeouts become a canned reply.
func (p *Parser) Parse(ctx context.Context, message string, pctx Context) Result {
	res := p.parse(ctx, strings.TrimSpace(message), pctx)
	if len(res.Suggestions) == 0 {
		res.Suggestions = DefaultSuggestions
	}
	action := "none"
	if res.Intent != nil {
		action = string(res.Intent.Action())
	}
	metrics.IntentsTotal.WithLabelValues(action, string(res.Tier)).Inc()
	return res
}

func (p *Parser) parse(ctx context.Context, msg string, pctx Context) Result {
	if msg == "" {
		return helpResult()
	}
	if r, ok := p.matchSwap(ctx, msg, pctx); ok {
		return r
	}
	if r, ok := matchTransfer(msg); ok {
		return r
	}
	if r, ok := p.matchAddress(ctx, msg); ok {
		return r
	}
	if r, ok := p.matchCoinInfo(msg); ok {
		return r
	}
	if p.market != nil {
		if a, ok := p.market.Answer(msg); ok {
			return marketResult(a)
		}
	}
	if balanceRe.MatchString(msg) {
		return balanceResult(pctx)
	}
	if helpRe.MatchString(msg) {
		return helpResult()
	}
	return p.fallback(ctx, msg, pctx)
}

func (p *Parser) matchSwap(ctx context.Context, msg string, pctx Context) (Result, bool) {
	m := swapRe.FindStringSubmatch(msg)
	if m == nil {
		return Result{}, false
	}
	amount, from, to := m[1], strings.ToUpper(m[2]), strings.ToUpper(m[3])
	value, err := ParseAmount(amount)
	if err != nil {
		return Result{Message: "Please give a positive amount to swap.", Tier: TierFast}, true
	}

	if from == "SOL" && pctx.WalletConnected && pctx.Wallet != nil && value > pctx.Wallet.SolBalance {
		return Result{
			Message: fmt.Sprintf("Insufficient SOL balance. You have %s SOL but tried to swap %s SOL.",
				formatAmount(pctx.Wallet.SolBalance), amount),
			Suggestions: []string{"Check my balance", fmt.Sprintf("Swap %s SOL to %s", formatAmount(pctx.Wallet.SolBalance/2), to)},
			Tier:        TierFast,
		}, true
	}

	in := Swap{Amount: amount, FromToken: from, ToToken: to}
	if p.prices != nil {
		if price, err := p.prices.PriceUSD(ctx, from); err == nil {
			in.EstimatedValue = "$" + strconv.FormatFloat(price*value, 'f', 2, 64)
		}
	}
	msgText := fmt.Sprintf("Ready to swap %s %s to %s.", amount, from, to)
	if in.EstimatedValue != "" {
		msgText = fmt.Sprintf("Ready to swap %s %s (about %s) to %s.", amount, from, in.EstimatedValue, to)
	}
	if !pctx.WalletConnected {
		msgText += " Connect your wallet to sign the transaction."
	}
	return Result{
		Message:     msgText,
		Intent:      in,
		Suggestions: []string{"Check my balance", fmt.Sprintf("What is %s?", to)},
		Tier:        TierFast,
	}, true
}

func matchTransfer(msg string) (Result, bool) {
	m := transferRe.FindStringSubmatch(msg)
	if m == nil {
		return Result{}, false
	}
	amount, err := ParseAmount(m[1])
	if err != nil {
		return Result{Message: "Please give a positive amount to send.", Tier: TierFast}, true
	}
	recipient, err := solana.PublicKeyFromBase58(m[3])
	if err != nil {
		return Result{Message: "That recipient doesn't look like a valid Solana address.", Tier: TierFast}, true
	}
	token := strings.ToUpper(m[2])
	return Result{
		Message: fmt.Sprintf("Ready to send %s %s to %s.", m[1], token, shortAddress(recipient.String())),
		Intent:  Transfer{Amount: amount, Token: token, Recipient: recipient.String()},
		Tier:    TierFast,
	}, true
}

func (p *Parser) matchAddress(ctx context.Context, msg string) (Result, bool) {
	var addr string
	if m := evmAddrRe.FindString(msg); m != "" && common.IsHexAddress(m) {
		addr = common.HexToAddress(m).Hex()
	} else {
		for _, cand := range base58Re.FindAllString(msg, -1) {
			if _, err := solana.PublicKeyFromBase58(cand); err == nil {
				addr = cand
				break
			}
		}
	}
	if addr == "" {
		return Result{}, false
	}

	notFound := Result{
		Message: fmt.Sprintf("I couldn't find market data for %s.", shortAddress(addr)),
		Intent:  TokenInfo{Token: addr},
		Tier:    TierFast,
	}
	if p.tokens == nil {
		return notFound, true
	}
	pairs, err := p.tokens.TokenPairs(ctx, addr)
	if err != nil {
		p.logger.Warn("token lookup failed", zap.String("address", addr), zap.Error(err))
		return notFound, true
	}
	best, ok := market.BestPair(pairs, addr)
	if !ok {
		best, ok = market.BestPair(pairs, "")
	}
	if !ok {
		return notFound, true
	}

	var liq float64
	if best.Liquidity != nil {
		liq = best.Liquidity.USD
	}
	text := fmt.Sprintf("%s (%s) trades at $%s on %s with $%s liquidity.",
		best.BaseToken.Name, best.BaseToken.Symbol, market.FormatPrice(best.Price()), best.DexID,
		strconv.FormatFloat(liq, 'f', 0, 64))
	if ch, ok := best.PriceChange["h24"]; ok {
		text += fmt.Sprintf(" 24h change: %.2f%%.", ch)
	}
	return Result{
		Message:     text,
		Intent:      TokenInfo{Token: best.BaseToken.Symbol},
		Suggestions: []string{fmt.Sprintf("Swap 1 SOL to %s", best.BaseToken.Symbol), "How is the market today?"},
		Data:        best,
		Tier:        TierFast,
	}, true
}

func (p *Parser) matchCoinInfo(msg string) (Result, bool) {
	m := coinInfoRe.FindStringSubmatch(msg)
	if m == nil {
		return Result{}, false
	}
	info, ok := p.knowledge.Lookup(m[1])
	if !ok {
		// "what's SOL price" is a price question, not a coin question.
		first, rest, _ := strings.Cut(m[1], " ")
		if rest = strings.ToLower(rest); rest == "price" || rest == "prices" {
			return Result{}, false
		}
		if info, ok = p.knowledge.Lookup(first); !ok {
			return Result{}, false
		}
	}
	return Result{
		Message: fmt.Sprintf("%s (%s) is a %s token. %s Learn more at %s",
			info.Name, info.Symbol, strings.ToLower(info.Category), strings.TrimSpace(info.Summary), info.Website),
		Intent:      TokenInfo{Token: info.Symbol},
		Suggestions: []string{fmt.Sprintf("%s price", info.Symbol), fmt.Sprintf("Swap 1 SOL to %s", info.Symbol)},
		Data:        info,
		Tier:        TierFast,
	}, true
}

func marketResult(a market.Answer) Result {
	r := Result{Message: a.Message, Data: a.Data, Tier: TierFast}
	switch a.Kind {
	case "price":
		r.Intent = Price{Token: a.Symbol, Price: a.Price}
		r.Suggestions = []string{fmt.Sprintf("Swap 1 SOL to %s", a.Symbol), "How is the market today?"}
	default:
		topic := Chat{Topic: "market"}
		if an, ok := a.Data.(market.Analytics); ok {
			topic.Sentiment = an.MarketSentiment
		}
		r.Intent = topic
	}
	return r
}

func balanceResult(pctx Context) Result {
	if !pctx.WalletConnected || pctx.WalletAddress == "" {
		return Result{
			Message:     "Connect your wallet and I'll show your balance.",
			Suggestions: []string{"What can you do?"},
			Tier:        TierFast,
		}
	}
	r := Result{Intent: Balance{Address: pctx.WalletAddress}, Tier: TierFast}
	if w := pctx.Wallet; w != nil {
		r.Message = fmt.Sprintf("You have %s SOL and %d other tokens", formatAmount(w.SolBalance), len(w.Tokens))
		if w.TotalValueUSD > 0 {
			r.Message += fmt.Sprintf(", worth about $%.2f in total", w.TotalValueUSD)
		}
		r.Message += "."
		r.Data = w
	} else {
		r.Message = "Fetching your balance now."
	}
	return r
}

func helpResult() Result {
	return Result{
		Message: "I can check your balance, swap tokens through Jupiter (\"swap 1 SOL to USDC\"), " +
			"send SOL or SPL tokens (\"send 0.1 SOL to <address>\"), explain coins and report market trends.",
		Intent: Help{},
		Tier:   TierFast,
	}
}

func (p *Parser) fallback(ctx context.Context, msg string, pctx Context) Result {
	if p.llm != nil {
		res, err := p.llm.Complete(ctx, msg, pctx)
		if err == nil {
			return *res
		}
		p.logger.Warn("model reply failed, using fallback", zap.Error(err))
	}
	return FallbackResult(pctx)
}

// FallbackResult is the deterministic reply used when the model cannot answer.
func FallbackResult(pctx Context) Result {
	text := "I'm having trouble reaching my AI service right now."
	if pctx.WalletConnected && pctx.Wallet != nil {
		text += fmt.Sprintf(" Your wallet holds %s SOL and %d tokens.", formatAmount(pctx.Wallet.SolBalance), len(pctx.Wallet.Tokens))
	} else {
		text += " Connect your wallet to get started."
	}
	text += " You can still use the commands below."
	return Result{Message: text, Suggestions: DefaultSuggestions, Tier: TierFallback}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}

func shortAddress(a string) string {
	if len(a) <= 12 {
		return a
	}
	return a[:6] + "..." + a[len(a)-4:]
}
