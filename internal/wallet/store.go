package wallet

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fetcher loads a fresh wallet view.
type Fetcher interface {
	GetWalletData(ctx context.Context, address string) (*WalletData, error)
}

// Store holds the latest WalletData per address. Concurrent refreshes are
// not ordered: the last write wins.
type Store struct {
	fetch  Fetcher
	logger *zap.Logger

	mu      sync.RWMutex
	data    map[string]*WalletData
	watched map[string]struct{}
}

func NewStore(fetch Fetcher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		fetch:   fetch,
		logger:  logger.Named("wallet_store"),
		data:    make(map[string]*WalletData),
		watched: make(map[string]struct{}),
	}
}

func (s *Store) Get(address string) (*WalletData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[address]
	return d, ok
}

func (s *Store) Put(d *WalletData) {
	if d == nil || d.Address == "" {
		return
	}
	s.mu.Lock()
	s.data[d.Address] = d
	s.mu.Unlock()
}

func (s *Store) Invalidate(address string) {
	s.mu.Lock()
	delete(s.data, address)
	s.mu.Unlock()
}

// Refresh fetches the address and stores the result.
func (s *Store) Refresh(ctx context.Context, address string) (*WalletData, error) {
	d, err := s.fetch.GetWalletData(ctx, address)
	if err != nil {
		return nil, err
	}
	s.Put(d)
	return d, nil
}

// Load returns the stored view, fetching it when absent.
func (s *Store) Load(ctx context.Context, address string) (*WalletData, error) {
	if d, ok := s.Get(address); ok {
		return d, nil
	}
	return s.Refresh(ctx, address)
}

// Watch adds the address to the background refresh set.
func (s *Store) Watch(address string) {
	if address == "" {
		return
	}
	s.mu.Lock()
	s.watched[address] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) Unwatch(address string) {
	s.mu.Lock()
	delete(s.watched, address)
	s.mu.Unlock()
}

// Run refreshes every watched address each interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshWatched(ctx)
		}
	}
}

func (s *Store) refreshWatched(ctx context.Context) {
	s.mu.RLock()
	addrs := make([]string, 0, len(s.watched))
	for a := range s.watched {
		addrs = append(addrs, a)
	}
	s.mu.RUnlock()

	for _, a := range addrs {
		if _, err := s.Refresh(ctx, a); err != nil {
			s.logger.Warn("background wallet refresh failed", zap.String("address", a), zap.Error(err))
		}
	}
}

func (s *Store) Reset() {
	s.mu.Lock()
	s.data = make(map[string]*WalletData)
	s.watched = make(map[string]struct{})
	s.mu.Unlock()
}
