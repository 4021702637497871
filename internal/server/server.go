package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"walletai-backend/internal/intent"
	"walletai-backend/internal/market"
	"walletai-backend/internal/signer"
	"walletai-backend/internal/store"
	"walletai-backend/internal/swap"
	"walletai-backend/internal/twitter"
	"walletai-backend/internal/types"
	"walletai-backend/internal/wallet"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxBodyBytes = 1 << 20
	// executeTimeout bounds a swap or transfer started from a chat turn.
	executeTimeout = 2 * time.Minute
)

type Parser interface {
	Parse(ctx context.Context, message string, pctx intent.Context) intent.Result
}

type WalletReader interface {
	GetSolBalance(ctx context.Context, address string) (float64, error)
	GetTokens(ctx context.Context, address string) ([]wallet.TokenBalance, error)
	GetRecentTransactions(ctx context.Context, address string, limit int) (wallet.History, error)
}

type WalletCache interface {
	Load(ctx context.Context, address string) (*wallet.WalletData, error)
	Watch(address string)
}

type SwapPlanner interface {
	ValidateSwapRequest(in intent.Swap, w *wallet.WalletData) swap.Validation
	GetSwapEstimate(ctx context.Context, in intent.Swap) (*swap.Estimate, error)
}

type Executor interface {
	AutoExecute() bool
	Submit(ctx context.Context, sessionID string, in intent.Intent, w signer.Wallet) (types.TxResult, bool)
	ExecutePending(ctx context.Context, sessionID string, w signer.Wallet) (types.TxResult, error)
	Forget(sessionID string)
}

type Listings interface {
	Configured() bool
	Latest(ctx context.Context, limit int, convert string) ([]byte, error)
	Info(ctx context.Context, symbol string) ([]byte, error)
}

type TrendsSource interface {
	Get(ctx context.Context) (*market.Snapshot, error)
}

type TweetSource interface {
	Configured() bool
	Tweets(ctx context.Context) (*twitter.Feed, error)
}

type Sessions interface {
	Append(sessionID string, msg store.Message)
	Recent(sessionID string, n int) []store.Message
	SetWallet(sessionID, address string)
	GetWallet(sessionID string) string
	Reset(ctx context.Context, sessionID string) error
}

// HealthChecker is the optional database behind the session store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options wires the server to its collaborators. Nil collaborators disable
// the routes that need them; those answer 500 with an explanation.
type Options struct {
	AllowedOrigin string
	Parser        Parser
	Wallets       WalletReader
	WalletCache   WalletCache
	Swaps         SwapPlanner
	Executor      Executor
	// Signer is the server-side agent wallet used by /api/execute and auto
	// execution. It only signs for its own address.
	Signer        signer.Wallet
	Listings      Listings
	Trends        TrendsSource
	Tweets        TweetSource
	Sessions      Sessions
	Database      HealthChecker
	HistoryWindow int
	Metrics       http.Handler
	Logger        *zap.Logger
}

type Server struct {
	router *chi.Mux
	opts   Options
	logger *zap.Logger

	// background executions started by chat turns
	wg sync.WaitGroup
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.Sessions == nil {
		opts.Sessions = store.NewMemoryStore(40, logger)
	}
	r := chi.NewRouter()
	s := &Server{router: r, opts: opts, logger: logger.Named("http")}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{opts.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Session-Id"},
		ExposedHeaders:   []string{"X-Session-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	if s.opts.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	// chat
	s.router.Post("/api/ai", s.handleAI)
	s.router.Post("/api/intent-parser", s.handleIntentParser)
	s.router.Post("/api/execute", s.handleExecute)
	s.router.Delete("/api/session", s.handleResetSession)
	// wallet and swaps
	s.router.Post("/api/swap-execution", s.handleSwapExecution)
	s.router.Get("/api/wallet-check", s.handleWalletCheck)
	s.router.Post("/api/wallet-check", s.handleWalletCheck)
	// market data
	s.router.Get("/api/coinmarketcap/latest", s.handleCMCLatest)
	s.router.Get("/api/coinmarketcap/info", s.handleCMCInfo)
	s.router.Get("/api/market-trends", s.handleMarketTrends)
	s.router.Get("/api/tweets", s.handleTweets)
}

func (s *Server) Router() http.Handler { return s.router }

// Wait blocks until executions started in the background have finished.
func (s *Server) Wait() { s.wg.Wait() }

const healthTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Database == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.opts.Database.HealthCheck(ctx); err != nil {
		s.logger.Warn("database health check failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}

// writeRaw passes an upstream JSON payload through unchanged.
func (s *Server) writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, types.ErrorResponse{Error: msg})
}
