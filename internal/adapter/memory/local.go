package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stitchlab-agent/internal/domain"
)

// LocalStore keeps conversations in process memory. It backs deployments
// without a managed memory store. Sessions idle longer than the TTL are
// dropped by the reaper.
type LocalStore struct {
	mu       sync.Mutex
	sessions map[domain.SessionScope]*localConversation
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	cron     *cron.Cron
}

type localConversation struct {
	messages []domain.Message
	touched  time.Time
}

// NewLocalStore creates an empty store. A zero ttl disables expiry.
func NewLocalStore(ttl time.Duration, logger *slog.Logger) *LocalStore {
	return &LocalStore{
		sessions: make(map[domain.SessionScope]*localConversation),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// BuildSession returns a fresh handle on the conversation for scope.
func (s *LocalStore) BuildSession(_ context.Context, scope domain.SessionScope) (domain.SessionMemory, error) {
	if scope.ActorID == "" || scope.SessionID == "" {
		return nil, fmt.Errorf("%w: actor and session ids are required", domain.ErrInvalidInput)
	}
	return &localSession{store: s, scope: scope}, nil
}

// StartReaper schedules Reap on a cron spec such as "@every 10m".
func (s *LocalStore) StartReaper(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.Reap() }); err != nil {
		return fmt.Errorf("schedule session reaper %q: %w", schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Close stops the reaper and waits for a running reap to finish.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}

// Reap drops expired conversations and returns how many were removed.
func (s *LocalStore) Reap() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	removed := 0
	for scope, conv := range s.sessions {
		if conv.touched.Before(cutoff) {
			delete(s.sessions, scope)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("expired sessions reaped", "count", removed)
	}
	return removed
}

// Len returns the number of live conversations.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type localSession struct {
	store *LocalStore
	scope domain.SessionScope
}

func (l *localSession) Scope() domain.SessionScope { return l.scope }

func (l *localSession) History(context.Context) ([]domain.Message, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	conv, ok := l.store.sessions[l.scope]
	if !ok {
		return nil, nil
	}
	conv.touched = l.store.now()
	return append([]domain.Message(nil), conv.messages...), nil
}

func (l *localSession) Append(_ context.Context, msg domain.Message) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	conv, ok := l.store.sessions[l.scope]
	if !ok {
		conv = &localConversation{}
		l.store.sessions[l.scope] = conv
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.store.now()
	}
	conv.messages = append(conv.messages, msg)
	conv.touched = l.store.now()
	return nil
}
