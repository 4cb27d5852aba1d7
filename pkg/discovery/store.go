package discovery

import "context"

// Store is the persistence and search surface discovery needs. SQLStore
// (Postgres/SQLite) and MemoryStore both implement it.
type Store interface {
	// Register is transactional per spec §4.3 "Register": it inserts or
	// updates the agent row, deletes prior capability rows, inserts the
	// new ones, and upserts the trust vector, all in one transaction.
	// Idempotent on sender.
	Register(ctx context.Context, agentDID string, publicKey []byte, ttl int64, caps []Capability, trustSeed *TrustVector) (Agent, error)

	GetAgent(ctx context.Context, agentDID string) (Agent, error)
	GetTrustVector(ctx context.Context, agentDID string) (TrustVector, error)
	GetUsefulness(ctx context.Context, agentDID string) (UsefulnessCache, error)
	SetUsefulness(ctx context.Context, agentDID string, score float64) error

	// ListActive returns every registered agent, expired or not — callers
	// apply their own expiry/exclusion filters (spec §4.8 step 1's
	// committee eligibility filter, spec §4.7's usefulness aggregation
	// sweep).
	ListActive(ctx context.Context) ([]Agent, error)

	// CandidateSearch returns approximate nearest-neighbor candidates by
	// cosine similarity, without trust/usefulness blending or filters —
	// callers apply those in Search.
	CandidateSearch(ctx context.Context, queryVec []float32, topK int) ([]candidateRow, error)
}

// candidateRow is an unranked nearest-neighbor hit joined with its owning
// agent's bookkeeping fields needed for post-filtering.
type candidateRow struct {
	Capability Capability
	Distance   float64 // cosine distance, smaller is closer
	Agent      Agent
}
