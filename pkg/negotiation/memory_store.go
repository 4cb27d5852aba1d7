package negotiation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for Lite Mode and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Create(_ context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Mutate(_ context.Context, id string, fn func(s *Session) error) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	cp := sess
	cp.Rounds = append([]Proposal(nil), sess.Rounds...)
	if err := fn(&cp); err != nil {
		return Session{}, err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[id] = cp
	return cp, nil
}

func (s *MemoryStore) ListByAgent(_ context.Context, agentDID string, state State) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Initiator != agentDID && sess.Responder != agentDID {
			continue
		}
		if state != "" && sess.State != state {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *MemoryStore) ListNonTerminalExpiring(_ context.Context, cutoffUnixMs int64) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.State.Terminal() {
			continue
		}
		if sess.ExpiresAt.UnixMilli() < cutoffUnixMs {
			out = append(out, sess)
		}
	}
	return out, nil
}
