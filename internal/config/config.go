package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultSolanaRPC = "https://api.mainnet-beta.solana.com"

type Config struct {
	Port          string
	AllowedOrigin string
	LogLevel      string
	// OpenAI
	OpenAIAPIKey     string
	Model            string
	IntentPromptFile string
	// Market data
	CoinMarketCapAPIKey  string
	CoinMarketCapBaseURL string
	CoinGeckoBaseURL     string
	DexScreenerBaseURL   string
	MarketSnapshotFile   string
	// Twitter
	TwitterBearerToken string
	TwitterAPIKey      string
	TwitterAPISecret   string
	TwitterUserID      string
	TwitterBaseURL     string
	// Solana
	RPCEndpoints       []string
	JupiterBaseURL     string
	ServerWalletKey    string
	AutoExecute        bool
	WalletRefreshEvery time.Duration
	HistoryWindow      int
	// Database
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	primary := getEnvDefault("NEXT_PUBLIC_SOLANA_RPC_URL", defaultSolanaRPC)
	cfg := Config{
		Port:                 getEnvDefault("PORT", "8080"),
		AllowedOrigin:        getEnvDefault("ALLOWED_ORIGIN", "*"),
		LogLevel:             getEnvDefault("LOG_LEVEL", "info"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		Model:                getEnvDefault("OPENAI_MODEL", "gpt-4o-mini"),
		IntentPromptFile:     getEnvDefault("INTENT_PROMPT_FILE", "prompts/intent.yaml"),
		CoinMarketCapAPIKey:  os.Getenv("COINMARKETCAP_API_KEY"),
		CoinMarketCapBaseURL: getEnvDefault("COINMARKETCAP_BASE_URL", "https://pro-api.coinmarketcap.com"),
		CoinGeckoBaseURL:     getEnvDefault("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
		DexScreenerBaseURL:   getEnvDefault("DEXSCREENER_BASE_URL", "https://api.dexscreener.com"),
		MarketSnapshotFile:   getEnvDefault("MARKET_SNAPSHOT_FILE", "data/market_snapshot.json"),
		TwitterBearerToken:   os.Getenv("TWITTER_BEARER_TOKEN"),
		TwitterAPIKey:        os.Getenv("TWITTER_API_KEY"),
		TwitterAPISecret:     os.Getenv("TWITTER_API_SECRET"),
		TwitterUserID:        os.Getenv("TWITTER_USER_ID"),
		TwitterBaseURL:       getEnvDefault("TWITTER_BASE_URL", "https://api.twitter.com"),
		RPCEndpoints:         dedupe(append([]string{primary}, getEnvListDefault("SOLANA_RPC_URLS", nil)...)),
		JupiterBaseURL:       getEnvDefault("JUPITER_BASE_URL", "https://quote-api.jup.ag"),
		ServerWalletKey:      os.Getenv("SOLANA_PRIVATE_KEY_BASE58"),
		AutoExecute:          getEnvBoolDefault("AUTO_EXECUTE", false),
		WalletRefreshEvery:   getEnvDurationDefault("WALLET_REFRESH_INTERVAL", 30*time.Second),
		HistoryWindow:        getEnvIntDefault("HISTORY_WINDOW", 20),
		DatabaseURL:          os.Getenv("DB_URL"),
	}
	return cfg
}

// Warnings lists the optional keys that are missing. Endpoints depending on
// them answer 500 instead of the process refusing to start.
func (c Config) Warnings() []string {
	var out []string
	if c.OpenAIAPIKey == "" {
		out = append(out, "OPENAI_API_KEY is not set; chat falls back to canned replies")
	}
	if c.CoinMarketCapAPIKey == "" {
		out = append(out, "COINMARKETCAP_API_KEY is not set; market endpoints will fail")
	}
	if c.TwitterBearerToken == "" && (c.TwitterAPIKey == "" || c.TwitterAPISecret == "") {
		out = append(out, "TWITTER_BEARER_TOKEN (or TWITTER_API_KEY/TWITTER_API_SECRET) is not set; tweets endpoint will fail")
	}
	if c.AutoExecute && c.ServerWalletKey == "" {
		out = append(out, "AUTO_EXECUTE is on but SOLANA_PRIVATE_KEY_BASE58 is not set; intents will wait for a client signature")
	}
	return out
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvListDefault(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			s := strings.TrimSpace(p)
			if s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
