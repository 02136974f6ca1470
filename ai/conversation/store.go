package conversation

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store owns the per-user conversation histories. The map is mutated only
// through Store's methods and callers always receive copies, so no history
// slice is ever aliased outside the store.
type Store struct {
	mu             sync.RWMutex
	histories      map[string][]Message
	maxMessages    int
	sessionTimeout time.Duration

	now func() time.Time
}

// StoreConfig configures a conversation store.
type StoreConfig struct {
	// MaxMessages bounds each user's history; the oldest messages are
	// dropped past this. Zero means 200.
	MaxMessages int
	// SessionTimeout is the age past which individual messages expire.
	// Zero means 30 minutes.
	SessionTimeout time.Duration
}

// NewStore creates a conversation store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 200
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	return &Store{
		histories:      make(map[string][]Message),
		maxMessages:    cfg.MaxMessages,
		sessionTimeout: cfg.SessionTimeout,
		now:            time.Now,
	}
}

// Append adds a message to a user's history, creating the history on the
// user's first message and dropping the oldest entries past the cap.
func (s *Store) Append(userID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.histories[userID], msg)
	if len(history) > s.maxMessages {
		history = history[len(history)-s.maxMessages:]
	}
	s.histories[userID] = history
}

// History returns a copy of the user's non-expired messages.
// Expired entries are pruned from the stored history on the way.
func (s *Store) History(userID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.histories[userID]
	if !ok {
		return nil
	}

	fresh := s.pruneExpiredLocked(userID, history)
	out := make([]Message, len(fresh))
	copy(out, fresh)
	return out
}

// Replace swaps a user's history wholesale, used after optimization or
// summarization. The store keeps its own copy.
func (s *Store) Replace(userID string, history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	own := make([]Message, len(history))
	copy(own, history)
	s.histories[userID] = own
}

// Clear drops a user's entire history. Returns true if one existed.
func (s *Store) Clear(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.histories[userID]
	delete(s.histories, userID)
	return ok
}

// ClearAll drops every history and returns how many were dropped.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.histories)
	s.histories = make(map[string][]Message)
	return n
}

// ActiveConversations returns the number of users with a stored history.
func (s *Store) ActiveConversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

// TotalMessages returns the message count across all histories.
func (s *Store) TotalMessages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, h := range s.histories {
		total += len(h)
	}
	return total
}

// Recent returns up to limit messages across all users, newest last.
// Used by the status surface; ordering across users follows timestamps.
func (s *Store) Recent(limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Message
	for _, h := range s.histories {
		all = append(all, h...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Sweep prunes expired messages from every history and removes entries
// only when explicitly cleared, never here: an emptied history stays
// registered so the conversation keeps its identity until Clear.
// Returns the number of messages pruned.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for userID, history := range s.histories {
		before := len(history)
		s.histories[userID] = s.pruneExpiredLocked(userID, history)
		pruned += before - len(s.histories[userID])
	}
	if pruned > 0 {
		slog.Debug("conversation: swept expired messages", "pruned", pruned)
	}
	return pruned
}

// pruneExpiredLocked drops messages older than the session timeout.
// History is chronological, so the survivors are a suffix.
func (s *Store) pruneExpiredLocked(userID string, history []Message) []Message {
	cutoff := s.now().Add(-s.sessionTimeout)
	idx := 0
	for idx < len(history) && history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return history
	}
	fresh := history[idx:]
	s.histories[userID] = fresh
	return fresh
}
