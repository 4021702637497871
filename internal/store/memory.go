package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Mirror persists conversation messages outside the process.
type Mirror interface {
	SaveMessage(ctx context.Context, sessionID string, msg Message) error
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// MemoryStore keeps the recent conversation window and the connected wallet
// for each session. When a Mirror is attached, appends are written through
// and a cold session is hydrated from it.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string][]Message
	maxMessages int
	// Wallet address the session last connected with
	walletBySession map[string]string
	hydrated        map[string]bool
	mirror          Mirror
	logger          *zap.Logger
}

func NewMemoryStore(maxMessages int, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		sessions:        make(map[string][]Message),
		maxMessages:     maxMessages,
		walletBySession: make(map[string]string),
		hydrated:        make(map[string]bool),
		logger:          logger.Named("MemoryStore"),
	}
}

func (m *MemoryStore) SetMirror(mirror Mirror) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror = mirror
}

func (m *MemoryStore) Append(sessionID string, msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.sessions[sessionID] = append(m.sessions[sessionID], msg)
	m.trimLocked(sessionID)
	mirror := m.mirror
	m.mu.Unlock()

	if mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mirror.SaveMessage(ctx, sessionID, msg); err != nil {
			m.logger.Warn("failed to mirror message", zap.String("sessionId", sessionID), zap.Error(err))
		}
	}
}

// Get returns a copy of the session's window, loading it from the mirror the
// first time a session is seen.
func (m *MemoryStore) Get(sessionID string) []Message {
	m.hydrate(sessionID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.sessions[sessionID]
	copyMsgs := make([]Message, len(msgs))
	copy(copyMsgs, msgs)
	return copyMsgs
}

// Recent returns at most n of the newest messages.
func (m *MemoryStore) Recent(sessionID string, n int) []Message {
	msgs := m.Get(sessionID)
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

// Reset forgets the session's transcript and wallet, here and in the
// mirror. The session is not hydrated again afterwards.
func (m *MemoryStore) Reset(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	delete(m.walletBySession, sessionID)
	m.hydrated[sessionID] = true
	mirror := m.mirror
	m.mu.Unlock()

	if mirror == nil {
		return nil
	}
	return mirror.DeleteSession(ctx, sessionID)
}

func (m *MemoryStore) trimLocked(sessionID string) {
	if m.maxMessages <= 0 {
		return
	}
	msgs := m.sessions[sessionID]
	if len(msgs) > m.maxMessages {
		m.sessions[sessionID] = msgs[len(msgs)-m.maxMessages:]
	}
}

func (m *MemoryStore) hydrate(sessionID string) {
	m.mu.Lock()
	if m.mirror == nil || m.hydrated[sessionID] || len(m.sessions[sessionID]) > 0 {
		m.hydrated[sessionID] = true
		m.mu.Unlock()
		return
	}
	m.hydrated[sessionID] = true
	mirror := m.mirror
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := mirror.History(ctx, sessionID, m.maxMessages)
	if err != nil {
		m.logger.Warn("failed to load history", zap.String("sessionId", sessionID), zap.Error(err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions[sessionID]) == 0 {
		m.sessions[sessionID] = msgs
		m.trimLocked(sessionID)
	}
}

// Wallet helpers

func (m *MemoryStore) SetWallet(sessionID, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if address == "" {
		delete(m.walletBySession, sessionID)
		return
	}
	m.walletBySession[sessionID] = address
}

func (m *MemoryStore) GetWallet(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.walletBySession[sessionID]
}
