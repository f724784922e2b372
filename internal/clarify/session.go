// Package clarify tracks the single pending disambiguation a user may
// have open and drives it through its states.
package clarify

import (
	"time"

	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
)

// State of a (user, query) pair. Only Awaiting is ever stored; the terminal
// states are reported to callers and then forgotten.
type State string

const (
	Idle      State = "idle"
	Awaiting  State = "awaiting_clarification"
	Resolved  State = "resolved"
	Cancelled State = "cancelled"
	Expired   State = "expired"
)

// Key identifies a session: one user asking one normalized query.
type Key struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

// KeyFor builds the session key for a raw query.
func KeyFor(userID, rawQuery string) Key {
	return Key{UserID: userID, Query: vocab.Normalize(rawQuery)}
}

// Session is a query paused on an ambiguous entity.
type Session struct {
	ID            string            `json:"id"`
	Key           Key               `json:"key"`
	OriginalQuery string            `json:"original_query"`
	Parsed        *resolve.Parsed   `json:"parsed"`
	Entities      []*resolve.Entity `json:"entities"`
	Pending       int               `json:"pending"`
	Role          policy.Role       `json:"role"`
	OwnerID       string            `json:"owner_id"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// PendingEntity is the entity the user is being asked about.
func (s *Session) PendingEntity() *resolve.Entity {
	if s.Pending < 0 || s.Pending >= len(s.Entities) {
		return nil
	}
	return s.Entities[s.Pending]
}

// NextPending returns the index of the first unresolved entity in extraction
// order, or -1 when all are resolved.
func (s *Session) NextPending() int {
	for i, e := range s.Entities {
		if !e.Resolved() {
			return i
		}
	}
	return -1
}

// ExpiredAt reports whether the session is past its deadline at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// State reports the session's state at now.
func (s *Session) State(now time.Time) State {
	switch {
	case s.ExpiredAt(now):
		return Expired
	case s.NextPending() < 0:
		return Resolved
	default:
		return Awaiting
	}
}
