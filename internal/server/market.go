package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"walletai-backend/internal/market"
	"walletai-backend/internal/twitter"
)

const cmcKeyMissing = "COINMARKETCAP_API_KEY is not configured"

type rateLimitResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

func (s *Server) handleCMCLatest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Listings == nil || !s.opts.Listings.Configured() {
		s.writeError(w, http.StatusInternalServerError, cmcKeyMissing)
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 5000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 5000")
			return
		}
		limit = n
	}
	body, err := s.opts.Listings.Latest(r.Context(), limit, q.Get("convert"))
	if err != nil {
		s.marketError(w, "coinmarketcap latest", err)
		return
	}
	s.writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleCMCInfo(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if s.opts.Listings == nil || !s.opts.Listings.Configured() {
		s.writeError(w, http.StatusInternalServerError, cmcKeyMissing)
		return
	}
	body, err := s.opts.Listings.Info(r.Context(), symbol)
	if err != nil {
		s.marketError(w, "coinmarketcap info", err)
		return
	}
	s.writeRaw(w, http.StatusOK, body)
}

// handleMarketTrends serves the cached snapshot. Stale data is returned by
// Trends itself when the upstream fails, so an error here means there was
// nothing to fall back to.
func (s *Server) handleMarketTrends(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trends == nil {
		s.writeError(w, http.StatusInternalServerError, cmcKeyMissing)
		return
	}
	snap, err := s.opts.Trends.Get(r.Context())
	if err != nil {
		s.marketError(w, "market trends", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) marketError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, market.ErrNotConfigured):
		s.writeError(w, http.StatusInternalServerError, cmcKeyMissing)
	case errors.Is(err, market.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "CoinMarketCap rate limit reached. Please try again shortly.")
	default:
		s.logger.Error(op, zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch market data: "+err.Error())
	}
}

func (s *Server) handleTweets(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tweets == nil || !s.opts.Tweets.Configured() {
		s.writeError(w, http.StatusInternalServerError, "TWITTER_BEARER_TOKEN and TWITTER_USER_ID are not configured")
		return
	}
	feed, err := s.opts.Tweets.Tweets(r.Context())
	var rl *twitter.RateLimitError
	switch {
	case errors.As(err, &rl):
		secs := rl.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		s.writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
			Error:      fmt.Sprintf("Rate limit exceeded. Please wait %d seconds before trying again.", secs),
			RetryAfter: secs,
		})
		return
	case errors.Is(err, twitter.ErrNotConfigured):
		s.writeError(w, http.StatusInternalServerError, "TWITTER_BEARER_TOKEN and TWITTER_USER_ID are not configured")
		return
	case err != nil:
		s.logger.Error("tweets", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch tweets: "+err.Error())
		return
	}
	if feed.Cached {
		w.Header().Set("X-Cache", "STALE")
	}
	s.writeRaw(w, http.StatusOK, feed.Payload)
}
