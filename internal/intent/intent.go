// Package intent turns chat messages into typed wallet actions.
package intent

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Action string

const (
	ActionSwap      Action = "swap"
	ActionTransfer  Action = "transfer"
	ActionBalance   Action = "balance"
	ActionTokenInfo Action = "tokenInfo"
	ActionPrice     Action = "price"
	ActionHelp      Action = "help"
	ActionChat      Action = "chat"
)

var (
	ErrUnknownAction = errors.New("unknown intent action")
	ErrUnhandled     = errors.New("intent variant not handled")
	ErrInvalidAmount = errors.New("amount must be a positive number")
)

// Intent is one of Swap, Transfer, Balance, TokenInfo, Price, Help or Chat.
type Intent interface {
	Action() Action
	isIntent()
}

type Swap struct {
	Amount         string `json:"amount"`
	FromToken      string `json:"fromToken"`
	ToToken        string `json:"toToken"`
	EstimatedValue string `json:"estimatedValue,omitempty"`
}

type Transfer struct {
	Amount    float64 `json:"amount"`
	Token     string  `json:"token"`
	Recipient string  `json:"recipient"`
}

type Balance struct {
	Address string `json:"address"`
}

type TokenInfo struct {
	Token string `json:"token"`
}

type Price struct {
	Token string  `json:"token"`
	Price float64 `json:"price"`
}

type Help struct{}

type Chat struct {
	Topic     string `json:"topic,omitempty"`
	Sentiment string `json:"sentiment,omitempty"`
}

func (Swap) Action() Action      { return ActionSwap }
func (Transfer) Action() Action  { return ActionTransfer }
func (Balance) Action() Action   { return ActionBalance }
func (TokenInfo) Action() Action { return ActionTokenInfo }
func (Price) Action() Action     { return ActionPrice }
func (Help) Action() Action      { return ActionHelp }
func (Chat) Action() Action      { return ActionChat }

func (Swap) isIntent()      {}
func (Transfer) isIntent()  {}
func (Balance) isIntent()   {}
func (TokenInfo) isIntent() {}
func (Price) isIntent()     {}
func (Help) isIntent()      {}
func (Chat) isIntent()      {}

func (s Swap) MarshalJSON() ([]byte, error) {
	type body Swap
	return json.Marshal(struct {
		Action Action `json:"action"`
		body
	}{ActionSwap, body(s)})
}

func (t Transfer) MarshalJSON() ([]byte, error) {
	type body Transfer
	return json.Marshal(struct {
		Action Action `json:"action"`
		body
	}{ActionTransfer, body(t)})
}

func (b Balance) MarshalJSON() ([]byte, error) {
	type body Balance
	return json.Marshal(struct {
		Action Action `json:"action"`
		body
	}{ActionBalance, body(b)})
}

func (t TokenInfo) MarshalJSON() ([]byte, error) {
	type body TokenInfo
	return json.Marshal(struct {
		Action Action `json:"action"`
		body
	}{ActionTokenInfo, body(t)})
}

func (p Price) MarshalJSON() ([]byte, error) {
	type body Price
	return json.Marshal(struct {
		Action Action `json:"action"`
		body
	}{ActionPrice, body(p)})
}

func (Help) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action Action `json:"action"`
	}{ActionHelp})
}

func (c Chat) MarshalJSON() ([]byte, error) {
	type body Chat
	return json.Marshal(struct {
		Action Action `json:"action"`
		body
	}{ActionChat, body(c)})
}

// flexAmount accepts a JSON number or a numeric string.
type flexAmount string

func (f *flexAmount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = unq
	}
	*f = flexAmount(strings.TrimSpace(s))
	return nil
}

// Decode reads an intent object, dispatching on its "action" field.
func Decode(data []byte) (Intent, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}

	switch head.Action {
	case ActionSwap:
		var v struct {
			Amount         flexAmount `json:"amount"`
			FromToken      string     `json:"fromToken"`
			ToToken        string     `json:"toToken"`
			EstimatedValue string     `json:"estimatedValue"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode swap intent: %w", err)
		}
		return Swap{Amount: string(v.Amount), FromToken: v.FromToken, ToToken: v.ToToken, EstimatedValue: v.EstimatedValue}, nil
	case ActionTransfer:
		var v struct {
			Amount    flexAmount `json:"amount"`
			Token     string     `json:"token"`
			Recipient string     `json:"recipient"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode transfer intent: %w", err)
		}
		amt, err := ParseAmount(string(v.Amount))
		if err != nil {
			return nil, fmt.Errorf("decode transfer intent: %w", err)
		}
		return Transfer{Amount: amt, Token: v.Token, Recipient: v.Recipient}, nil
	case ActionBalance:
		var v Balance
		err := json.Unmarshal(data, &v)
		return v, wrapDecode(head.Action, err)
	case ActionTokenInfo:
		var v TokenInfo
		err := json.Unmarshal(data, &v)
		return v, wrapDecode(head.Action, err)
	case ActionPrice:
		var v Price
		err := json.Unmarshal(data, &v)
		return v, wrapDecode(head.Action, err)
	case ActionHelp:
		return Help{}, nil
	case ActionChat:
		var v Chat
		err := json.Unmarshal(data, &v)
		return v, wrapDecode(head.Action, err)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Action)
}

func wrapDecode(a Action, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s intent: %w", a, err)
	}
	return nil
}

// Cases holds one handler per intent variant.
type Cases[T any] struct {
	Swap      func(Swap) T
	Transfer  func(Transfer) T
	Balance   func(Balance) T
	TokenInfo func(TokenInfo) T
	Price     func(Price) T
	Help      func(Help) T
	Chat      func(Chat) T
}

// Match dispatches i to its handler. A missing handler yields ErrUnhandled
// instead of a silent default.
func Match[T any](i Intent, c Cases[T]) (T, error) {
	var zero T
	switch v := i.(type) {
	case Swap:
		if c.Swap != nil {
			return c.Swap(v), nil
		}
	case Transfer:
		if c.Transfer != nil {
			return c.Transfer(v), nil
		}
	case Balance:
		if c.Balance != nil {
			return c.Balance(v), nil
		}
	case TokenInfo:
		if c.TokenInfo != nil {
			return c.TokenInfo(v), nil
		}
	case Price:
		if c.Price != nil {
			return c.Price(v), nil
		}
	case Help:
		if c.Help != nil {
			return c.Help(v), nil
		}
	case Chat:
		if c.Chat != nil {
			return c.Chat(v), nil
		}
	case nil:
		return zero, fmt.Errorf("%w: nil intent", ErrUnhandled)
	}
	return zero, fmt.Errorf("%w: %s", ErrUnhandled, i.Action())
}

var amountRe = regexp.MustCompile(`^\d+\.?\d*$`)

// ParseAmount accepts plain decimal strings greater than zero.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !amountRe.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}
