package receipt

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu           sync.Mutex
	receipts     map[string]TaskReceipt
	attestations map[string][]Attestation // taskID -> attestations
	reputations  map[string]AgentReputation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:     make(map[string]TaskReceipt),
		attestations: make(map[string][]Attestation),
		reputations:  make(map[string]AgentReputation),
	}
}

func (s *MemoryStore) CreateReceipt(_ context.Context, r TaskReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.ID]; exists {
		return fmt.Errorf("receipt: %s already exists", r.ID)
	}
	s.receipts[r.ID] = r
	return nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, id string) (TaskReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return TaskReceipt{}, ErrReceiptNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]TaskReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskReceipt
	for _, r := range s.receipts {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Mutate(_ context.Context, id string, fn func(r *TaskReceipt) error) (TaskReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[id]
	if !ok {
		return TaskReceipt{}, ErrReceiptNotFound
	}
	if err := fn(&r); err != nil {
		return TaskReceipt{}, err
	}
	s.receipts[id] = r
	return r, nil
}

func (s *MemoryStore) AddAttestation(_ context.Context, att Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attestations[att.TaskID] {
		if existing.Attestor == att.Attestor && existing.Type == att.Type {
			return ErrDuplicateAttestation
		}
	}
	s.attestations[att.TaskID] = append(s.attestations[att.TaskID], att)
	return nil
}

func (s *MemoryStore) ListAttestations(_ context.Context, taskID string) ([]Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attestation, len(s.attestations[taskID]))
	copy(out, s.attestations[taskID])
	return out, nil
}

func (s *MemoryStore) GetReputation(_ context.Context, agentDID string) (AgentReputation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reputations[agentDID]
	return rep, ok, nil
}

func (s *MemoryStore) PutReputation(_ context.Context, rep AgentReputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputations[rep.AgentDID] = rep
	return nil
}
