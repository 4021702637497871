package intent

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LLMTimeout bounds one completion call. The request is cancelled when it
// fires.
const LLMTimeout = 30 * time.Second

//go:embed prompts/intent.yaml
var promptFS embed.FS

type PromptSpec struct {
	System  string `yaml:"system"`
	Actions []struct {
		Name        string            `yaml:"name"`
		Description string            `yaml:"description"`
		Fields      map[string]string `yaml:"fields"`
	} `yaml:"actions"`
	Suggestions []string `yaml:"suggestions"`
	Style       struct {
		Temperature float32 `yaml:"temperature"`
		Language    string  `yaml:"language"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"style"`
}

// LoadPromptSpec reads the prompt at path, or the embedded default when
// path is empty or missing.
func LoadPromptSpec(path string) (PromptSpec, error) {
	var (
		b   []byte
		err error
	)
	if path != "" {
		b, err = os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return PromptSpec{}, err
		}
	}
	if len(b) == 0 {
		b, err = promptFS.ReadFile("prompts/intent.yaml")
		if err != nil {
			return PromptSpec{}, err
		}
	}
	var spec PromptSpec
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return PromptSpec{}, fmt.Errorf("parse prompt spec: %w", err)
	}
	return spec, nil
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLM is the fallback parser backed by a chat completion model.
type LLM struct {
	spec    PromptSpec
	client  chatCompleter
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

func NewLLM(spec PromptSpec, client chatCompleter, model string, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{spec: spec, client: client, model: model, timeout: LLMTimeout, logger: logger.Named("intent_llm")}
}

type llmReply struct {
	Message     string              `json:"message"`
	Intent      jsoniter.RawMessage `json:"intent"`
	Suggestions []string            `json:"suggestions"`
}

// Complete asks the model for a reply. The wallet context and recent
// conversation are folded into a single system message.
func (l *LLM) Complete(ctx context.Context, message string, pctx Context) (*Result, error) {
	var fnSchema []map[string]any
	for _, a := range l.spec.Actions {
		fnSchema = append(fnSchema, map[string]any{
			"action":      a.Name,
			"description": a.Description,
			"fields":      a.Fields,
		})
	}
	schemaJSON, _ := json.Marshal(fnSchema)
	temp := l.spec.Style.Temperature
	if temp <= 0 {
		temp = 0.1
	}
	maxTok := l.spec.Style.MaxTokens
	if maxTok <= 0 {
		maxTok = 300
	}

	var b strings.Builder
	b.WriteString(l.spec.System)
	b.WriteString("\n\nActions:\n")
	b.Write(schemaJSON)
	b.WriteString("\n\nWallet:\n")
	b.WriteString(walletSummary(pctx))
	if len(pctx.History) > 0 {
		b.WriteString("\n\nTranscript (role: content):\n")
		for _, m := range pctx.History {
			role := strings.ToUpper(m.Role)
			if role == "" {
				role = "USER"
			}
			content := strings.TrimSpace(m.Content)
			content = strings.ReplaceAll(content, "\n\n", "\n")
			b.WriteString(role)
			b.WriteString(": ")
			b.WriteString(content)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nOutput ONLY the JSON object.\n")

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       l.model,
		Temperature: temp,
		MaxTokens:   maxTok,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: b.String()},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices")
	}

	raw := resp.Choices[0].Message.Content
	var out llmReply
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		first := strings.IndexByte(raw, '{')
		last := strings.LastIndexByte(raw, '}')
		if first < 0 || last <= first {
			return nil, err
		}
		if err2 := json.Unmarshal([]byte(raw[first:last+1]), &out); err2 != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(out.Message) == "" {
		return nil, fmt.Errorf("empty message in model reply")
	}

	res := &Result{Message: out.Message, Suggestions: out.Suggestions, Tier: TierLLM}
	if len(res.Suggestions) == 0 {
		res.Suggestions = l.spec.Suggestions
	}
	if trimmed := strings.TrimSpace(string(out.Intent)); trimmed != "" && trimmed != "null" {
		in, err := Decode(out.Intent)
		if err != nil {
			l.logger.Warn("discarding model intent", zap.Error(err), zap.String("intent", trimmed))
		} else {
			res.Intent = in
		}
	}
	return res, nil
}

func walletSummary(pctx Context) string {
	if !pctx.WalletConnected || pctx.Wallet == nil {
		return "not connected"
	}
	w := pctx.Wallet
	var b strings.Builder
	fmt.Fprintf(&b, "address %s, %s SOL", pctx.WalletAddress, formatAmount(w.SolBalance))
	if len(w.Tokens) > 0 {
		b.WriteString(", tokens:")
		for _, t := range w.Tokens {
			fmt.Fprintf(&b, " %s %g;", t.Symbol, t.Balance)
		}
	}
	if w.TotalValueUSD > 0 {
		fmt.Fprintf(&b, " total value $%.2f", w.TotalValueUSD)
	}
	if n := len(w.RecentTransactions); n > 0 {
		fmt.Fprintf(&b, ", %d recent transactions", n)
	}
	return b.String()
}
