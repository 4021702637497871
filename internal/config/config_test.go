package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NEXT_PUBLIC_SOLANA_RPC_URL", "")
	t.Setenv("SOLANA_RPC_URLS", "")
	t.Setenv("PORT", "")
	t.Setenv("WALLET_REFRESH_INTERVAL", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if len(cfg.RPCEndpoints) != 1 || cfg.RPCEndpoints[0] != defaultSolanaRPC {
		t.Fatalf("unexpected rpc endpoints %v", cfg.RPCEndpoints)
	}
	if cfg.WalletRefreshEvery != 30*time.Second {
		t.Fatalf("unexpected refresh interval %v", cfg.WalletRefreshEvery)
	}
}

func TestLoadRPCListDeduplicates(t *testing.T) {
	t.Setenv("NEXT_PUBLIC_SOLANA_RPC_URL", "https://a.example")
	t.Setenv("SOLANA_RPC_URLS", "https://b.example, https://a.example ,,https://c.example")

	cfg := Load()
	want := []string{"https://a.example", "https://b.example", "https://c.example"}
	if len(cfg.RPCEndpoints) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.RPCEndpoints)
	}
	for i := range want {
		if cfg.RPCEndpoints[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.RPCEndpoints)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_BOOL", "yes")
	t.Setenv("X_INT", "nope")
	t.Setenv("X_DUR", "5s")

	if !getEnvBoolDefault("X_BOOL", false) {
		t.Fatalf("expected true for yes")
	}
	if got := getEnvIntDefault("X_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := getEnvDurationDefault("X_DUR", time.Second); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
}

func TestWarningsListsMissingKeys(t *testing.T) {
	cfg := Config{AutoExecute: true}
	if got := len(cfg.Warnings()); got != 4 {
		t.Fatalf("expected 4 warnings, got %d", got)
	}
	cfg = Config{OpenAIAPIKey: "k", CoinMarketCapAPIKey: "k", TwitterAPIKey: "a", TwitterAPISecret: "b"}
	if got := cfg.Warnings(); len(got) != 0 {
		t.Fatalf("expected no warnings, got %v", got)
	}
}
