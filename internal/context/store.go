package context

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultLimit is the number of messages retained per user when no limit is set.
const DefaultLimit = 10

// Stats is a diagnostic snapshot of the store.
type Stats struct {
	ActiveConversations int `json:"active_conversations"`
	TotalMessages       int `json:"total_messages"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for reset and eviction messages.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store keeps a bounded, chronological message history per user in memory.
// All methods are safe for concurrent use.
type Store struct {
	limit  int
	now    func() time.Time
	logger *slog.Logger

	mu            sync.RWMutex
	conversations map[string][]Entry
}

// NewStore creates a Store retaining at most limit messages per user.
func NewStore(limit int, opts ...StoreOption) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s := &Store{
		limit:         limit,
		now:           time.Now,
		logger:        slog.Default(),
		conversations: make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit returns the per-user message bound.
func (s *Store) Limit() int {
	return s.limit
}

// AddMessage appends a message to the user's history, evicting the oldest
// entries once the bound is exceeded.
func (s *Store) AddMessage(userID string, role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.conversations[userID], Entry{
		Message:   Message{Role: role, Content: content},
		Timestamp: s.now(),
	})
	if over := len(entries) - s.limit; over > 0 {
		copy(entries, entries[over:])
		clear(entries[s.limit:])
		entries = entries[:s.limit]
	}
	s.conversations[userID] = entries

	s.logger.Debug("context message added", "user_id", userID, "role", string(role), "size", len(entries))
}

// Entries returns a copy of the user's retained history including timestamps.
func (s *Store) Entries(userID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.conversations[userID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// GetFormattedContext returns the user's history without timestamps, oldest
// first. Unknown users get an empty slice.
func (s *Store) GetFormattedContext(userID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.conversations[userID]
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

// ResetContext deletes the user's history and reports whether any existed.
func (s *Store) ResetContext(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[userID]; !ok {
		return false
	}
	delete(s.conversations, userID)
	s.logger.Info("conversation context reset", "user_id", userID)
	return true
}

// ClearAll drops every conversation.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string][]Entry)
	s.logger.Info("cleared all conversation contexts")
}

// GetStats reports the number of tracked users and retained messages.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ActiveConversations: len(s.conversations)}
	for _, entries := range s.conversations {
		stats.TotalMessages += len(entries)
	}
	return stats
}

// EvictIdle removes conversations whose newest entry is older than maxIdle and
// returns how many were removed. A non-positive maxIdle is a no-op.
func (s *Store) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxIdle)
	removed := 0
	for userID, entries := range s.conversations {
		if len(entries) == 0 || entries[len(entries)-1].Timestamp.Before(cutoff) {
			delete(s.conversations, userID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("evicted idle conversations", "count", removed)
	}
	return removed
}
