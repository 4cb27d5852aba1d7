package usefulness

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// UsefulnessCacheWriter is the narrow slice of discovery.Store the
// aggregator writes back to (spec §4.7 step 3), kept as a local interface
// to avoid usefulness importing discovery.
type UsefulnessCacheWriter interface {
	SetUsefulness(ctx context.Context, agentDID string, score float64) error
}

// Service validates and records incoming proofs (spec §6 "POST
// /api/usefulness/proofs").
type Service struct {
	store Store
	clock func() time.Time
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, clock: time.Now, log: log}
}

type SubmitProofInput struct {
	AgentDID     string
	WorkType     WorkType
	Metrics      map[string]float64
	Attestations []string
	TraceID      string
	Timestamp    time.Time
}

// SubmitProof validates and persists a proof, returning its computed score.
func (s *Service) SubmitProof(ctx context.Context, in SubmitProofInput) (UsefulnessProof, error) {
	now := s.clock()
	p := UsefulnessProof{
		ID:           uuid.NewString(),
		AgentDID:     in.AgentDID,
		WorkType:     in.WorkType,
		Metrics:      in.Metrics,
		Attestations: in.Attestations,
		TraceID:      in.TraceID,
		Timestamp:    in.Timestamp,
		CreatedAt:    now,
	}
	if err := Validate(p, now); err != nil {
		return UsefulnessProof{}, err
	}
	p.Score = Score(p)

	if err := s.store.InsertProof(ctx, p); err != nil {
		return UsefulnessProof{}, fmt.Errorf("usefulness: submit proof: %w", err)
	}
	return p, nil
}

// Aggregator recomputes rolling usefulness scores on a schedule (spec
// §4.7): per agent, sum proof history within the lookback window with
// exponential time decay (half-life 30 days), weighted mean, written back
// to the discovery cache.
type Aggregator struct {
	store  Store
	cache  UsefulnessCacheWriter
	clock  func() time.Time
	log    *slog.Logger
	lookback time.Duration
}

// lookbackWindow bounds how far back proof history is scanned; proofs
// older than ~6 half-lives contribute negligibly to the weighted mean, so
// there is no need to scan the full history forever.
const lookbackWindow = 6 * HalfLife

func NewAggregator(store Store, cache UsefulnessCacheWriter, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: store, cache: cache, clock: time.Now, log: log, lookback: lookbackWindow}
}

// RunOnce scans every agent with proof history and writes back its
// decayed, weighted-mean usefulness score. It is re-entrant: a crash or
// timeout mid-run only leaves some agents with a stale cached score,
// which the next scheduled run corrects, and a per-agent failure does not
// abort the rest of the sweep (spec §4.7, SPEC_FULL.md "partial-failure
// tolerant").
func (a *Aggregator) RunOnce(ctx context.Context) error {
	now := a.clock()
	agents, err := a.store.DistinctAgents(ctx)
	if err != nil {
		return fmt.Errorf("usefulness: list agents: %w", err)
	}

	var firstErr error
	for _, did := range agents {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		score, err := a.computeAgentScore(ctx, did, now)
		if err != nil {
			a.log.Error("usefulness: compute agent score", "agent_did", did, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := a.cache.SetUsefulness(ctx, did, score); err != nil {
			a.log.Error("usefulness: write back cache", "agent_did", did, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Aggregator) computeAgentScore(ctx context.Context, agentDID string, now time.Time) (float64, error) {
	proofs, err := a.store.ProofsSince(ctx, agentDID, now.Add(-a.lookback))
	if err != nil {
		return 0, fmt.Errorf("usefulness: proof history: %w", err)
	}
	if len(proofs) == 0 {
		return 0, nil
	}

	var weightedSum, weightTotal float64
	for _, p := range proofs {
		age := now.Sub(p.Timestamp)
		if age < 0 {
			age = 0
		}
		w := decayWeight(age)
		weightedSum += p.Score * w
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0, nil
	}
	mean := weightedSum / weightTotal
	if mean > 100 {
		mean = 100
	}
	if mean < 0 {
		mean = 0
	}
	return mean, nil
}

// decayWeight implements exponential decay with half-life HalfLife: a
// proof's contribution halves every HalfLife of age (spec §4.7 step 2).
func decayWeight(age time.Duration) float64 {
	return math.Exp(-math.Ln2 * age.Hours() / HalfLife.Hours())
}
