package usefulness

import (
	"context"
	"time"
)

// Store persists submitted proofs and supports the aggregator's bulk scan
// over an agent's recent history (spec §4.7).
type Store interface {
	InsertProof(ctx context.Context, p UsefulnessProof) error

	// ProofsSince returns all proofs for agentDID with Timestamp >= since,
	// oldest first.
	ProofsSince(ctx context.Context, agentDID string, since time.Time) ([]UsefulnessProof, error)

	// DistinctAgents returns every agent DID with at least one stored
	// proof, for the aggregator to iterate over (spec §4.7 "recomputes
	// per-agent rolling usefulness").
	DistinctAgents(ctx context.Context) ([]string, error)
}
