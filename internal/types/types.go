package types

import (
	"encoding/json"

	"walletai-backend/internal/wallet"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// TxResult is what every orchestrator hands back to the chat layer. Failures
// are reported with Success false rather than as errors.
type TxResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	TxID        string `json:"txId,omitempty"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}

type AIRequest struct {
	Message        string `json:"message"`
	SessionID      string `json:"sessionId"`
	WalletAddress  string `json:"walletAddress"`
	IsFirstMessage bool   `json:"isFirstMessage"`
}

type AIResponse struct {
	Response       string   `json:"response"`
	Intent         any      `json:"intent,omitempty"`
	Suggestions    []string `json:"suggestions"`
	Data           any      `json:"data,omitempty"`
	ProcessingTime int64    `json:"processingTime"`
}

// IntentParserRequest carries the wallet state the client already holds, so
// the parser does not have to hit the chain for it.
type IntentParserRequest struct {
	Prompt             string                `json:"prompt"`
	WalletConnected    bool                  `json:"walletConnected"`
	WalletAddress      string                `json:"walletAddress"`
	Balance            float64               `json:"balance"`
	TokenBalances      []wallet.TokenBalance `json:"tokenBalances"`
	RecentTransactions []wallet.TxSummary    `json:"recentTransactions"`
	SessionID          string                `json:"sessionId"`
}

type IntentParserResponse struct {
	Message     string             `json:"message"`
	Intent      any                `json:"intent,omitempty"`
	Suggestions []string           `json:"suggestions"`
	WalletData  *wallet.WalletData `json:"walletData,omitempty"`
}

type SwapExecutionRequest struct {
	Intent     json.RawMessage    `json:"intent"`
	WalletData *wallet.WalletData `json:"walletData"`
}

type SwapExecutionResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Estimate any    `json:"estimate,omitempty"`
	Intent   any    `json:"intent"`
}

type WalletCheckRequest struct {
	WalletAddress string `json:"walletAddress"`
	FetchOptions  struct {
		IncludeTokens       *bool `json:"includeTokens"`
		IncludeTransactions *bool `json:"includeTransactions"`
		TransactionLimit    int   `json:"transactionLimit"`
	} `json:"fetchOptions"`
}

type WalletCheckResponse struct {
	Address             string                `json:"address"`
	SolBalance          float64               `json:"solBalance"`
	Tokens              []wallet.TokenBalance `json:"tokens"`
	Transactions        []wallet.TxSummary    `json:"transactions"`
	DroppedTransactions int                   `json:"droppedTransactions,omitempty"`
}

type ExecuteRequest struct {
	SessionID     string `json:"sessionId"`
	WalletAddress string `json:"walletAddress"`
}
