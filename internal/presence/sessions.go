package presence

import (
	"golang.org/x/crypto/blake2b"
)

// DefaultSessionHistory is how many session tokens stay valid per user.
const DefaultSessionHistory = 5

// Sessions keeps, per user, the most recently issued session tokens.
// Tokens are held as digests only.
type Sessions struct {
	limit   int
	history map[string][][blake2b.Size256]byte
}

func NewSessions(limit int) *Sessions {
	if limit <= 0 {
		limit = DefaultSessionHistory
	}
	return &Sessions{
		limit:   limit,
		history: make(map[string][][blake2b.Size256]byte),
	}
}

// Add appends token to the user's history, evicting the oldest entry once
// the history is full.
func (s *Sessions) Add(userID, token string) {
	h := append(s.history[userID], blake2b.Sum256([]byte(token)))
	if len(h) > s.limit {
		h = append(h[:0:0], h[len(h)-s.limit:]...)
	}
	s.history[userID] = h
}

// IsValid reports whether token is in the user's history. Unknown users
// have no valid tokens.
func (s *Sessions) IsValid(userID, token string) bool {
	h, ok := s.history[userID]
	if !ok {
		return false
	}
	sum := blake2b.Sum256([]byte(token))
	for _, d := range h {
		if d == sum {
			return true
		}
	}
	return false
}

// Count returns how many tokens are held for the user.
func (s *Sessions) Count(userID string) int { return len(s.history[userID]) }
