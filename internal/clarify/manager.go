package clarify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
	"go.uber.org/zap"
)

// DefaultTTL is how long a clarification waits for an answer.
const DefaultTTL = 10 * time.Minute

// Choice is one option offered to the user.
type Choice struct {
	Column      string `json:"column"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// Prompt asks the user to pick among the candidates of one entity.
type Prompt struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Options   []Choice  `json:"options"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager owns every Session. All transitions for a key run under that key's
// lock; no lock is held between turns.
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	locks  keyedMutex
	logger *zap.Logger
}

type Option func(*Manager)

// WithClock overrides the wall clock used for creation and expiry.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithTTL(ttl time.Duration) Option { return func(m *Manager) { m.ttl = ttl } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, ttl: DefaultTTL, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("clarify")
	return m
}

// Open moves the query into AwaitingClarification on its first unresolved
// entity and stores the session, replacing any other session the user had.
func (m *Manager) Open(ctx context.Context, s *Session) (*Prompt, error) {
	idx := s.NextPending()
	if idx < 0 {
		return nil, fmt.Errorf("open clarification: no unresolved entity")
	}
	unlock := m.locks.Lock(s.Key)
	defer unlock()

	now := m.now()
	if s.ID == "" {
		s.ID = uuid.NewString()
		s.CreatedAt = now
	}
	s.Pending = idx
	// every turn restarts the inactivity window
	s.ExpiresAt = now.Add(m.ttl)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store clarification: %w", err)
	}
	m.logger.Debug("clarification opened",
		zap.String("session", s.ID),
		zap.String("user", s.Key.UserID),
		zap.String("span", s.Entities[idx].Span),
		zap.Int("options", len(s.Entities[idx].Candidates)))
	return promptFor(s), nil
}

// Answer consumes the session for key and applies the chosen candidate to its
// pending entity. The returned session may still have unresolved entities, in
// which case the caller opens it again. A missing, expired or already
// answered session yields SessionExpired.
func (m *Manager) Answer(ctx context.Context, key Key, scope policy.Scope, column, value string) (*Session, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	s, err := m.store.Take(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.New(errs.SessionExpired, "")
	}
	if err != nil {
		return nil, fmt.Errorf("load clarification: %w", err)
	}
	if s.ExpiredAt(m.now()) {
		m.logger.Debug("clarification expired", zap.String("session", s.ID))
		return nil, errs.New(errs.SessionExpired, "")
	}
	if s.Role != scope.Role || s.OwnerID != scope.OwnerID {
		// the owner can still answer
		m.restore(ctx, s)
		return nil, errs.New(errs.Forbidden, "that clarification belongs to another session")
	}
	ent := s.PendingEntity()
	if ent == nil {
		return nil, errs.New(errs.SessionExpired, "")
	}
	if err := ent.ChooseValue(strings.TrimSpace(column), strings.TrimSpace(value)); err != nil {
		// keep the question open so the user can pick a valid option
		m.restore(ctx, s)
		return nil, err
	}
	m.logger.Debug("clarification answered",
		zap.String("session", s.ID),
		zap.String("column", ent.Column),
		zap.String("value", ent.Chosen))
	return s, nil
}

func (m *Manager) restore(ctx context.Context, s *Session) {
	if err := m.store.Put(ctx, s); err != nil {
		m.logger.Warn("restore clarification failed", zap.String("session", s.ID), zap.Error(err))
	}
}

// Prompt re-renders the open question for the user's session, if any.
func (m *Manager) Prompt(ctx context.Context, userID string) (*Prompt, error) {
	s, err := m.store.Peek(ctx, userID)
	if err != nil {
		return nil, err
	}
	return promptFor(s), nil
}

// Cancel drops the user's open session. It reports whether one existed.
func (m *Manager) Cancel(ctx context.Context, userID string) (bool, error) {
	return m.store.CancelUser(ctx, userID)
}

// Run purges expired sessions every interval until ctx is cancelled. It is a
// no-op for stores that expire entries themselves.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	sw, ok := m.store.(Sweeper)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.Sweep(ctx, m.now())
			if err != nil {
				m.logger.Warn("sweep clarifications", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Debug("expired clarifications removed", zap.Int("count", n))
			}
		}
	}
}

func promptFor(s *Session) *Prompt {
	ent := s.PendingEntity()
	p := &Prompt{SessionID: s.ID, ExpiresAt: s.ExpiresAt}
	if ent == nil {
		return p
	}
	p.Message = fmt.Sprintf("I found more than one match for '%s'. Which one did you mean?", ent.Span)
	for _, c := range ent.Candidates {
		p.Options = append(p.Options, Choice{Column: c.Column, Value: c.Value, Description: describe(c)})
	}
	return p
}

func describe(c resolve.Candidate) string {
	return fmt.Sprintf("%s: %s (%.0f%% match)", c.Column, c.Value, c.Confidence*100)
}

// keyedMutex serializes work per session key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[Key]*keyLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
