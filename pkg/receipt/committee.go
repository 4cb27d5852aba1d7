package receipt

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// CandidateAgent is the slice of discovery data committee selection needs
// from an eligible agent (spec §4.8 step 1-3).
type CandidateAgent struct {
	DID             string
	TrustScore      float64
	UsefulnessScore float64
	Stake           float64
	ExpiresAt       time.Time
}

// EligibilityProvider is the narrow capability Service needs from
// pkg/discovery — declared here rather than imported to avoid a
// receipt↔discovery cycle, the same pattern pkg/negotiation.ReceiptCreator
// uses.
type EligibilityProvider interface {
	EligibleCommitteeAgents(ctx context.Context, excludeDIDs ...string) ([]CandidateAgent, error)
}

// SelectCommittee implements spec §4.8's deterministic committee
// selection: eligibility filter, optional stake filter, rank by
// (trust desc, usefulness desc, DID asc), HMAC-seeded deterministic
// shuffle, take the first m. If fewer than m are eligible, all of them
// are selected and the quorum is scaled down proportionally.
func SelectCommittee(candidates []CandidateAgent, seed string, m, k int, requireStake bool, now time.Time) (committee []string, scaledK int) {
	eligible := make([]CandidateAgent, 0, len(candidates))
	for _, c := range candidates {
		if !c.ExpiresAt.After(now) {
			continue
		}
		if requireStake && c.Stake <= 0 {
			continue
		}
		eligible = append(eligible, c)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].TrustScore != eligible[j].TrustScore {
			return eligible[i].TrustScore > eligible[j].TrustScore
		}
		if eligible[i].UsefulnessScore != eligible[j].UsefulnessScore {
			return eligible[i].UsefulnessScore > eligible[j].UsefulnessScore
		}
		return eligible[i].DID < eligible[j].DID
	})

	ranked := make([]string, len(eligible))
	for i, c := range eligible {
		ranked[i] = c.DID
	}

	shuffled := deterministicShuffle(ranked, seed)

	if len(shuffled) <= m {
		return shuffled, scaleQuorum(len(shuffled), k, m)
	}
	return shuffled[:m], k
}

// scaleQuorum implements spec §4.8 step 5: `k' = min(k, ceil(committee.len
// · k / m))` when the committee is smaller than m.
func scaleQuorum(committeeLen, k, m int) int {
	if m == 0 {
		return 0
	}
	scaled := (committeeLen*k + m - 1) / m // ceil
	if scaled > k {
		scaled = k
	}
	if scaled < 1 && committeeLen > 0 {
		scaled = 1
	}
	return scaled
}

// deterministicShuffle reorders ranked using HMAC(seed, rank-ordered
// identifier list) as the source of randomness (spec §4.8 step 4): each
// element's shuffle key is HMAC-SHA256(seed, element||index), so the
// permutation is reproducible given the same seed and input order without
// needing a stateful PRNG.
func deterministicShuffle(ranked []string, seed string) []string {
	type keyed struct {
		did string
		key string
	}
	keys := make([]keyed, len(ranked))
	mac := hmac.New(sha256.New, []byte(seed))
	for i, did := range ranked {
		mac.Reset()
		_, _ = mac.Write([]byte(fmt.Sprintf("%s:%d", did, i)))
		keys[i] = keyed{did: did, key: hex.EncodeToString(mac.Sum(nil))}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.did
	}
	return out
}

// NewSelectionSeed generates a cryptographically random seed for a new
// receipt (spec §4.8 "Receipt creation" — "a selection_seed
// (cryptographically random)").
func NewSelectionSeed() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("receipt: generate selection seed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
