package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"walletai-backend/internal/config"
	"walletai-backend/internal/db"
	"walletai-backend/internal/executor"
	"walletai-backend/internal/intent"
	"walletai-backend/internal/logging"
	"walletai-backend/internal/market"
	"walletai-backend/internal/metrics"
	"walletai-backend/internal/rpcpool"
	"walletai-backend/internal/server"
	"walletai-backend/internal/signer"
	"walletai-backend/internal/store"
	"walletai-backend/internal/swap"
	"walletai-backend/internal/transfer"
	"walletai-backend/internal/twitter"
	"walletai-backend/internal/wallet"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeFn, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}
	defer closeFn()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("walletai server listening", zap.String("addr", httpSrv.Addr), zap.Int("rpc_endpoints", len(cfg.RPCEndpoints)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	s.Wait()
}

// build wires every component from cfg. The returned func releases the
// database connection, when there is one.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.Server, func(), error) {
	closeFn := func() {}

	registry := rpcpool.NewRegistry(rpcpool.DefaultEndpoints(cfg.RPCEndpoints), logger)

	// market data
	cmc := market.NewCMCClient(cfg.CoinMarketCapAPIKey, cfg.CoinMarketCapBaseURL)
	var listings market.ListingSource
	if cmc.Configured() {
		listings = cmc
	}
	trends := market.NewTrends(listings, market.NewMarketCache(market.TrendsTTL), store.NewFileSnapshotStore(cfg.MarketSnapshotFile), logger)
	if err := trends.LoadSnapshot(); err != nil {
		logger.Warn("market snapshot not loaded", zap.Error(err))
	}
	dex := market.NewDexScreenerClient(cfg.DexScreenerBaseURL, logger)
	prices := market.ChainOracle{
		trends,
		market.NewCoinGeckoOracle(cfg.CoinGeckoBaseURL, logger),
		market.DexOracle{Client: dex},
		market.MockPrices(),
	}

	// wallets
	provider := wallet.NewProvider(registry, prices, logger)
	wallets := wallet.NewStore(provider, logger)
	go wallets.Run(ctx, cfg.WalletRefreshEvery)

	// intent parsing
	var llm intent.Completer
	if cfg.OpenAIAPIKey != "" {
		spec, err := intent.LoadPromptSpec(cfg.IntentPromptFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load intent prompt: %w", err)
		}
		llm = intent.NewLLM(spec, openai.NewClient(cfg.OpenAIAPIKey), cfg.Model, logger)
	}
	parser := intent.NewParser(intent.ParserOptions{
		Knowledge: intent.DefaultKnowledge(),
		Tokens:    dex,
		Market:    market.NewIntelligence(trends),
		Prices:    prices,
		LLM:       llm,
		Logger:    logger,
	})

	// execution
	swaps := swap.NewOrchestrator(swap.NewJupiterClient(cfg.JupiterBaseURL), registry, wallets, logger)
	swaps.OnState = func(sessionID string, st swap.State) {
		logger.Debug("swap state", zap.String("session", sessionID), zap.String("state", string(st)))
	}
	transfers := transfer.NewOrchestrator(registry, wallets, logger)

	sessions := store.NewMemoryStore(2*cfg.HistoryWindow, logger)
	var health server.HealthChecker
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := database.RunMigrations(ctx, db.Migrations()); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		sessions.SetMirror(store.NewDatabaseStore(database))
		health = database
		closeFn = func() { _ = database.Close() }
		logger.Info("chat history mirrored to postgres")
	}

	exec := executor.NewManager(executor.Options{
		Swapper:     swaps,
		Transferrer: transfers,
		Transcript:  sessions,
		Notifier:    executor.LogNotifier{Logger: logger.Named("notify")},
		AutoExecute: cfg.AutoExecute,
		Logger:      logger,
	})

	var agent signer.Wallet
	if cfg.ServerWalletKey != "" {
		kw, err := signer.FromBase58(cfg.ServerWalletKey)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("load SOLANA_PRIVATE_KEY_BASE58: %w", err)
		}
		agent = kw
		wallets.Watch(kw.PublicKey().String())
		logger.Info("agent wallet loaded", zap.String("address", kw.PublicKey().String()), zap.Bool("auto_execute", cfg.AutoExecute))
	}

	tweets := twitter.NewClient(twitter.Options{
		BearerToken: cfg.TwitterBearerToken,
		APIKey:      cfg.TwitterAPIKey,
		APISecret:   cfg.TwitterAPISecret,
		UserID:      cfg.TwitterUserID,
		BaseURL:     cfg.TwitterBaseURL,
		Logger:      logger,
	})

	s := server.NewServer(server.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Parser:        parser,
		Wallets:       provider,
		WalletCache:   wallets,
		Swaps:         swaps,
		Executor:      exec,
		Signer:        agent,
		Listings:      cmc,
		Trends:        trends,
		Tweets:        tweets,
		Sessions:      sessions,
		Database:      health,
		HistoryWindow: cfg.HistoryWindow,
		Metrics:       metrics.Handler(),
		Logger:        logger,
	})
	return s, closeFn, nil
}
