package market

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	priceOfRe     = regexp.MustCompile(`(?i)\b(?:price\s+of|how\s+much\s+is|what(?:'s|\s+is)\s+(?:the\s+)?price\s+of)\s+\$?([a-z0-9]{2,10})\b`)
	symbolPriceRe = regexp.MustCompile(`(?i)\$?\b([a-z0-9]{2,10})\s+price\b`)
	marketRe      = regexp.MustCompile(`(?i)\b(?:market|markets|trending|gainers|losers|sentiment|movers)\b`)
)

// Answer is a market reply produced from the loaded snapshot.
type Answer struct {
	Kind    string  `json:"kind"`
	Symbol  string  `json:"symbol,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Message string  `json:"message"`
	Data    any     `json:"data,omitempty"`
}

// Intelligence answers price and market questions without calling out.
type Intelligence struct {
	trends *Trends
}

func NewIntelligence(t *Trends) *Intelligence {
	return &Intelligence{trends: t}
}

func (i *Intelligence) Loaded() bool {
	return i != nil && i.trends != nil && i.trends.Loaded()
}

// Answer reports false when the message is not a market question or no
// snapshot is loaded.
func (i *Intelligence) Answer(message string) (Answer, bool) {
	if !i.Loaded() {
		return Answer{}, false
	}
	if sym, ok := priceSymbol(message); ok {
		coin, found := i.trends.Lookup(sym)
		if !found {
			return Answer{}, false
		}
		q := coin.USD()
		return Answer{
			Kind:   "price",
			Symbol: coin.Symbol,
			Price:  q.Price,
			Message: fmt.Sprintf("%s (%s) is trading at $%s, %s%.2f%% over 24h. Market cap: $%s.",
				coin.Name, coin.Symbol, FormatPrice(q.Price), sign(q.PercentChange24h), q.PercentChange24h, compact(q.MarketCap)),
			Data: coin,
		}, true
	}
	if marketRe.MatchString(message) {
		snap, _ := i.trends.Current()
		a := snap.Analytics
		var b strings.Builder
		fmt.Fprintf(&b, "The market looks %s today. BTC dominance is %.1f%% and the average 24h move is %s%.2f%%.",
			a.MarketSentiment, a.BTCDominance, sign(a.MarketActivity.AverageChange24h), a.MarketActivity.AverageChange24h)
		if len(a.TopGainers) > 0 {
			b.WriteString(" Top gainers: ")
			b.WriteString(moverList(a.TopGainers, 3))
			b.WriteString(".")
		}
		if len(a.TopLosers) > 0 {
			b.WriteString(" Top losers: ")
			b.WriteString(moverList(a.TopLosers, 3))
			b.WriteString(".")
		}
		return Answer{Kind: "market", Message: b.String(), Data: a}, true
	}
	return Answer{}, false
}

func priceSymbol(message string) (string, bool) {
	if m := priceOfRe.FindStringSubmatch(message); m != nil {
		return strings.ToUpper(m[1]), true
	}
	if m := symbolPriceRe.FindStringSubmatch(message); m != nil {
		s := strings.ToUpper(m[1])
		if s == "THE" || s == "CURRENT" {
			return "", false
		}
		return s, true
	}
	return "", false
}

func moverList(ms []Mover, n int) string {
	parts := make([]string, 0, n)
	for i, m := range ms {
		if i == n {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%s%.1f%%)", m.Symbol, sign(m.PercentChange24h), m.PercentChange24h))
	}
	return strings.Join(parts, ", ")
}

// FormatPrice renders a USD price with precision suited to its magnitude.
func FormatPrice(p float64) string {
	switch {
	case p >= 1:
		return strconv.FormatFloat(p, 'f', 2, 64)
	case p >= 0.01:
		return strconv.FormatFloat(p, 'f', 4, 64)
	default:
		return strconv.FormatFloat(p, 'g', 4, 64)
	}
}

func compact(v float64) string {
	switch {
	case v >= 1e12:
		return fmt.Sprintf("%.2fT", v/1e12)
	case v >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	default:
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
}

func sign(v float64) string {
	if v > 0 {
		return "+"
	}
	return ""
}
