package main

import (
	"context"

	"github.com/ainp-broker/broker/pkg/discovery"
	"github.com/ainp-broker/broker/pkg/receipt"
)

// discoveryEligibility adapts discovery.Service to receipt.EligibilityProvider.
// The two packages each define their own view of "a candidate committee
// member" (discovery.CommitteeCandidate has no stake field; committee
// staking is not wired here, see DESIGN.md) to avoid an import cycle
// between them, so this is the field-for-field bridge cmd/broker owns.
type discoveryEligibility struct {
	disco *discovery.Service
}

func (d discoveryEligibility) EligibleCommitteeAgents(ctx context.Context, excludeDIDs ...string) ([]receipt.CandidateAgent, error) {
	candidates, err := d.disco.EligibleCommitteeAgents(ctx, excludeDIDs...)
	if err != nil {
		return nil, err
	}
	out := make([]receipt.CandidateAgent, len(candidates))
	for i, c := range candidates {
		out[i] = receipt.CandidateAgent{
			DID: c.DID, TrustScore: c.TrustScore, UsefulnessScore: c.UsefulnessScore, ExpiresAt: c.ExpiresAt,
		}
	}
	return out, nil
}
