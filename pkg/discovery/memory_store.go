package discovery

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for Lite Mode and tests. Search is
// brute-force cosine similarity over all stored capabilities — fine at
// the scale Lite Mode targets (spec.md Non-goals exclude large-fleet
// federation).
type MemoryStore struct {
	mu     sync.Mutex
	agents map[string]Agent
	caps   map[string][]Capability // by agent DID
	trust  map[string]TrustVector
	useful map[string]UsefulnessCache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]Agent),
		caps:   make(map[string][]Capability),
		trust:  make(map[string]TrustVector),
		useful: make(map[string]UsefulnessCache),
	}
}

func (s *MemoryStore) Register(_ context.Context, agentDID string, publicKey []byte, ttlSeconds int64, caps []Capability, trustSeed *TrustVector) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.agents[agentDID]
	a := Agent{
		DID:        agentDID,
		PublicKey:  publicKey,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if ok {
		a.CreatedAt = existing.CreatedAt
	}
	if ttlSeconds > 0 {
		a.TTL = time.Duration(ttlSeconds) * time.Second
		a.ExpiresAt = now.Add(a.TTL)
	}
	s.agents[agentDID] = a

	seen := make(map[string]bool, len(caps))
	deduped := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if seen[c.Description] {
			continue
		}
		seen[c.Description] = true
		c.OwnerDID = agentDID
		deduped = append(deduped, c)
	}
	s.caps[agentDID] = deduped

	if trustSeed != nil {
		trustSeed.AgentDID = agentDID
		trustSeed.UpdatedAt = now
		s.trust[agentDID] = *trustSeed
	} else if _, ok := s.trust[agentDID]; !ok {
		s.trust[agentDID] = TrustVector{AgentDID: agentDID, UpdatedAt: now}
	}

	return a, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentDID string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentDID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetTrustVector(_ context.Context, agentDID string) (TrustVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust[agentDID], nil
}

func (s *MemoryStore) GetUsefulness(_ context.Context, agentDID string) (UsefulnessCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useful[agentDID], nil
}

func (s *MemoryStore) SetUsefulness(_ context.Context, agentDID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useful[agentDID] = UsefulnessCache{AgentDID: agentDID, Score: score, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) CandidateSearch(_ context.Context, queryVec []float32, topK int) ([]candidateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []candidateRow
	for agentDID, caps := range s.caps {
		agent := s.agents[agentDID]
		for _, c := range caps {
			dist := cosineDistance(queryVec, c.Embedding)
			rows = append(rows, candidateRow{Capability: c, Distance: dist, Agent: agent})
		}
	}
	// partial selection sort for the topK smallest distances — the
	// dataset Lite Mode holds in memory is small enough this beats
	// pulling in a heap for a handful of candidates.
	for i := 0; i < len(rows) && i < topK; i++ {
		min := i
		for j := i + 1; j < len(rows); j++ {
			if rows[j].Distance < rows[min].Distance {
				min = j
			}
		}
		rows[i], rows[min] = rows[min], rows[i]
	}
	if topK < len(rows) {
		rows = rows[:topK]
	}
	return rows, nil
}

func cosineDistance(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2 // maximal distance for mismatched/empty vectors
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	cosSim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - cosSim
}
