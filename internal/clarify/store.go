package clarify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no live session exists for a key.
var ErrNotFound = errors.New("clarification session not found")

// Store is the session table. Implementations keep at most one session per
// user: Put replaces whatever the user had open. Take removes and returns a
// session atomically, so an answer can only ever consume it once.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Take(ctx context.Context, key Key) (*Session, error)
	Peek(ctx context.Context, userID string) (*Session, error)
	CancelUser(ctx context.Context, userID string) (bool, error)
}

// Sweeper is implemented by stores that need expired sessions purged.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps sessions in process. Losing it on restart only means the
// user is asked to re-issue the query.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	byUser   map[string]Key
	now      func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{sessions: map[Key]*Session{}, byUser: map[string]Key{}, now: now}
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byUser[s.Key.UserID]; ok && prev != s.Key {
		delete(m.sessions, prev)
	}
	m.sessions[s.Key] = s
	m.byUser[s.Key.UserID] = s.Key
	return nil
}

func (m *MemoryStore) Take(_ context.Context, key Key) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	m.remove(key)
	if s.ExpiredAt(m.now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Peek(_ context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s := m.sessions[key]
	if s == nil || s.ExpiredAt(m.now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) CancelUser(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byUser[userID]
	if !ok {
		return false, nil
	}
	m.remove(key)
	return true, nil
}

// Sweep drops sessions expired at now.
func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, s := range m.sessions {
		if s.ExpiredAt(now) {
			m.remove(key)
			n++
		}
	}
	return n, nil
}

// Len is the number of stored sessions, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) remove(key Key) {
	delete(m.sessions, key)
	if cur, ok := m.byUser[key.UserID]; ok && cur == key {
		delete(m.byUser, key.UserID)
	}
}
