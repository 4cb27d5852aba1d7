package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ainp-broker/broker/pkg/store"
)

// Weights configures the blended ranking score (spec §4.3 "Rank by a
// blended score"). SimilarityWeight + TrustWeight + UsefulnessWeight
// should sum to 1.0; UsefulnessGated selects between the classic and
// usefulness-aware formulas.
type Weights struct {
	SimilarityWeight float64
	TrustWeight      float64
	UsefulnessWeight float64
	UsefulnessGated  bool
}

// Service implements capability registration and blended-rank search
// (spec §4.3). It composes a Store (persistence + nearest-neighbor) with
// an Embedder (text → vector, cached by description hash) and a
// short-lived result cache.
type Service struct {
	store           Store
	embedder        store.Embedder
	weights         Weights
	similarityFloor float64
	searchLimit     int
	cache           *resultCache
}

// New builds a discovery service. embedder should normally be wrapped in
// a CachedEmbedder by the caller (cmd/broker does this).
func New(st Store, embedder store.Embedder, weights Weights, similarityThreshold float64, searchLimit int) *Service {
	return &Service{
		store:           st,
		embedder:        embedder,
		weights:         weights,
		similarityFloor: similarityThreshold,
		searchLimit:     searchLimit,
		cache:           newResultCache(5 * time.Minute),
	}
}

// Register advertises an agent's capabilities (spec §4.3 "Register").
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Agent, error) {
	caps := make([]Capability, 0, len(req.Capabilities))
	for _, in := range req.Capabilities {
		if in.Version != "" {
			if _, err := semver.NewVersion(in.Version); err != nil {
				return Agent{}, fmt.Errorf("discovery: capability %q has invalid semver %q: %w", in.Description, in.Version, err)
			}
		}
		vec, err := s.embedder.Embed(ctx, in.Description)
		if err != nil {
			return Agent{}, fmt.Errorf("discovery: embed capability: %w", err)
		}
		if len(vec) != EmbeddingDim {
			return Agent{}, ErrEmbeddingDimMismatch
		}
		caps = append(caps, Capability{
			Description: in.Description,
			Embedding:   vec,
			Tags:        in.Tags,
			Version:     in.Version,
			EvidenceRef: in.EvidenceRef,
			MaxLatency:  in.MaxLatency,
			MaxCost:     in.MaxCost,
		})
	}

	var ttlSeconds int64
	if req.TTL > 0 {
		ttlSeconds = int64(req.TTL.Seconds())
	}
	return s.store.Register(ctx, req.AgentDID, req.PublicKey, ttlSeconds, caps, req.TrustSeed)
}

// Search runs the §4.3 "Search" pipeline: embed, ANN candidates,
// resolve+dedupe by agent, post-filter, rank, cache.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	if q.Limit <= 0 {
		q.Limit = s.searchLimit
	}
	if hit, ok := s.cache.get(q); ok {
		return hit, nil
	}

	var queryVec []float32
	if q.Description != "" {
		vec, err := s.embedder.Embed(ctx, q.Description)
		if err != nil {
			return nil, fmt.Errorf("discovery: embed query: %w", err)
		}
		queryVec = vec
	}

	topK := q.Limit * 4
	if topK < 20 {
		topK = 20
	}
	candidates, err := s.store.CandidateSearch(ctx, queryVec, topK)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	bestByAgent := make(map[string]candidateRow)
	for _, c := range candidates {
		similarity := 1 - c.Distance
		if similarity < s.similarityFloor {
			continue
		}
		if c.Agent.Expired(now) {
			continue
		}
		if !hasAllTags(c.Capability.Tags, q.Tags) {
			continue
		}
		if q.MaxLatencyMs > 0 && c.Capability.MaxLatency > 0 && c.Capability.MaxLatency.Milliseconds() > q.MaxLatencyMs {
			continue
		}
		if q.MaxCost > 0 && c.Capability.MaxCost > 0 && c.Capability.MaxCost > q.MaxCost {
			continue
		}
		existing, ok := bestByAgent[c.Agent.DID]
		if !ok || c.Distance < existing.Distance {
			bestByAgent[c.Agent.DID] = c
		}
	}

	matches := make([]Match, 0, len(bestByAgent))
	for agentDID, c := range bestByAgent {
		trust, err := s.store.GetTrustVector(ctx, agentDID)
		if err != nil {
			return nil, err
		}
		if trust.Aggregate < q.MinTrust {
			continue
		}
		useful, err := s.store.GetUsefulness(ctx, agentDID)
		if err != nil {
			return nil, err
		}

		similarity := 1 - c.Distance
		score := s.blendedScore(similarity, trust.Aggregate, useful.Score)
		matches = append(matches, Match{
			AgentDID:   agentDID,
			Capability: c.Capability,
			Similarity: similarity,
			Trust:      trust.Aggregate,
			Usefulness: useful.Score,
			Score:      score,
			LastSeenAt: c.Agent.LastSeenAt,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Capability.OwnerDID != matches[j].Capability.OwnerDID {
			// tie-break by lower distance == higher similarity
			if matches[i].Similarity != matches[j].Similarity {
				return matches[i].Similarity > matches[j].Similarity
			}
		}
		return matches[i].LastSeenAt.After(matches[j].LastSeenAt)
	})

	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	s.cache.put(q, matches)
	return matches, nil
}

func (s *Service) blendedScore(similarity, trust, usefulness float64) float64 {
	if s.weights.UsefulnessGated {
		return s.weights.SimilarityWeight*similarity + s.weights.TrustWeight*trust + s.weights.UsefulnessWeight*(usefulness/100)
	}
	// classic formula (spec §4.3: "0.6 · similarity + 0.4 · trust_score")
	// folds the usefulness weight into trust's complement of similarity,
	// rather than dropping it and under-weighting trust.
	return s.weights.SimilarityWeight*similarity + (1-s.weights.SimilarityWeight)*trust
}

// CommitteeCandidate is the slice of agent data task-receipt committee
// selection needs (spec §4.8 steps 1-3), defined here rather than in
// pkg/receipt to avoid a receipt↔discovery import cycle — cmd/broker
// converts these field-for-field into receipt.CandidateAgent.
type CommitteeCandidate struct {
	DID             string
	TrustScore      float64
	UsefulnessScore float64
	ExpiresAt       time.Time
}

// farFuture stands in for "never expires" when converting a non-expiring
// Agent (ExpiresAt zero value) into a CommitteeCandidate, whose ExpiresAt
// is compared directly against now by the committee selection filter.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Usefulness returns an agent's cached rolling usefulness score (spec §6
// "GET /api/usefulness/agents/:did"), as last written by the aggregator.
func (s *Service) Usefulness(ctx context.Context, agentDID string) (UsefulnessCache, error) {
	return s.store.GetUsefulness(ctx, agentDID)
}

// EligibleCommitteeAgents lists every registered agent except those in
// exclude (normally the task's provider and client), for spec §4.8's
// committee eligibility filter.
func (s *Service) EligibleCommitteeAgents(ctx context.Context, exclude ...string) ([]CommitteeCandidate, error) {
	agents, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: list agents: %w", err)
	}
	skip := make(map[string]bool, len(exclude))
	for _, d := range exclude {
		skip[d] = true
	}

	out := make([]CommitteeCandidate, 0, len(agents))
	for _, a := range agents {
		if skip[a.DID] {
			continue
		}
		expiresAt := a.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = farFuture
		}
		trust, err := s.store.GetTrustVector(ctx, a.DID)
		if err != nil {
			return nil, err
		}
		useful, err := s.store.GetUsefulness(ctx, a.DID)
		if err != nil {
			return nil, err
		}
		out = append(out, CommitteeCandidate{
			DID: a.DID, TrustScore: trust.Aggregate, UsefulnessScore: useful.Score, ExpiresAt: expiresAt,
		})
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}
