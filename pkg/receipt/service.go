package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ainp-broker/broker/pkg/trust"
	"github.com/google/uuid"
)

// Service implements receipt creation, attestation submission, and
// finalization (spec §4.8).
type Service struct {
	store        Store
	eligibility  EligibilityProvider
	leaderboard  *trust.Leaderboard
	committeeM   int
	quorumK      int
	requireStake bool
	clock        func() time.Time
	log          *slog.Logger
}

func NewService(store Store, eligibility EligibilityProvider, leaderboard *trust.Leaderboard, committeeM, quorumK int, requireStake bool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if committeeM <= 0 {
		committeeM = DefaultCommitteeSize
	}
	if quorumK <= 0 {
		quorumK = DefaultQuorum
	}
	return &Service{
		store: store, eligibility: eligibility, leaderboard: leaderboard,
		committeeM: committeeM, quorumK: quorumK, requireStake: requireStake,
		clock: time.Now, log: log,
	}
}

// CreatePending satisfies pkg/negotiation.ReceiptCreator: called on
// negotiation settle to create a task receipt with status=pending and a
// deterministically-selected committee (spec §4.8 "Receipt creation").
func (s *Service) CreatePending(ctx context.Context, taskID, intentID, providerDID, clientDID string, amountAtomic int64, validatorDID string) error {
	seed, err := NewSelectionSeed()
	if err != nil {
		return err
	}

	var committee []string
	k := s.quorumK
	if s.eligibility != nil {
		candidates, err := s.eligibility.EligibleCommitteeAgents(ctx, providerDID, clientDID)
		if err != nil {
			return fmt.Errorf("receipt: list eligible agents: %w", err)
		}
		committee, k = SelectCommittee(candidates, seed, s.committeeM, s.quorumK, s.requireStake, s.clock())
	}

	r := TaskReceipt{
		ID: taskID, IntentID: intentID, ProviderDID: providerDID, ClientDID: clientDID,
		AmountAtomic: amountAtomic, ValidatorDID: validatorDID, Status: StatusPending,
		Committee: committee, QuorumK: k, CommitteeM: s.committeeM, SelectionSeed: seed,
		CreatedAt: s.clock(),
	}
	if err := s.store.CreateReceipt(ctx, r); err != nil {
		return fmt.Errorf("receipt: create pending receipt: %w", err)
	}
	return nil
}

// SubmitAttestationInput is one signed judgment submitted against a task
// receipt.
type SubmitAttestationInput struct {
	TaskID     string
	Attestor   string
	Type       AttestationType
	Score      float64
	Confidence float64
	Evidence   string
	Signature  string
}

// SubmitAttestation enforces spec §4.8's attestation acceptance rules:
// only the client may submit ACCEPTED, only committee members may submit
// AUDIT_PASS/SAFETY_PASS/REJECT, and (task, attestor, type) must be
// unique.
func (s *Service) SubmitAttestation(ctx context.Context, in SubmitAttestationInput) (Attestation, error) {
	r, err := s.store.GetReceipt(ctx, in.TaskID)
	if err != nil {
		return Attestation{}, err
	}

	if err := authorizeAttestation(r, in.Attestor, in.Type); err != nil {
		return Attestation{}, err
	}

	att := Attestation{
		ID: uuid.NewString(), TaskID: in.TaskID, Attestor: in.Attestor, Type: in.Type,
		Score: in.Score, Confidence: in.Confidence, Evidence: in.Evidence, Signature: in.Signature,
		CreatedAt: s.clock(),
	}
	if err := s.store.AddAttestation(ctx, att); err != nil {
		return Attestation{}, err
	}
	return att, nil
}

func authorizeAttestation(r TaskReceipt, attestor string, typ AttestationType) error {
	switch typ {
	case AttestAccepted:
		if attestor != r.ClientDID {
			return ErrUnauthorizedAttestor
		}
	case AttestAuditPass, AttestSafetyPass, AttestReject:
		if !contains(r.Committee, attestor) {
			return ErrUnauthorizedAttestor
		}
	default:
		return ErrUnauthorizedAttestor
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// GetReceipt fetches a task receipt by id (spec §6 "GET /api/receipts/:task_id").
func (s *Service) GetReceipt(ctx context.Context, taskID string) (TaskReceipt, error) {
	return s.store.GetReceipt(ctx, taskID)
}

// Finalize evaluates a single pending receipt against spec §4.8's
// finalization rule and transitions it if the criteria are met; used by
// both the background finalizer (Aggregator-style hourly/periodic sweep)
// and the manual finalization endpoint, which performs "the same check
// synchronously."
func (s *Service) Finalize(ctx context.Context, taskID string) (TaskReceipt, error) {
	atts, err := s.store.ListAttestations(ctx, taskID)
	if err != nil {
		return TaskReceipt{}, err
	}

	result, err := s.store.Mutate(ctx, taskID, func(r *TaskReceipt) error {
		if r.Status != StatusPending {
			return ErrAlreadyTerminal
		}

		passes := countDistinctAttestors(atts, r.Committee, AttestAuditPass)
		accepted := countType(atts, AttestAccepted)
		rejects := countDistinctAttestors(atts, r.Committee, AttestReject)

		dispute := DisputeThreshold
		if r.CommitteeM > 0 && len(r.Committee) < r.CommitteeM {
			dispute = scaleQuorum(len(r.Committee), DisputeThreshold, r.CommitteeM)
		}

		switch {
		case rejects >= dispute && dispute > 0:
			r.Status = StatusDisputed
		case passes+accepted >= r.QuorumK:
			r.Status = StatusFinalized
			r.FinalizedAt = s.clock()
		}
		return nil
	})
	if err != nil {
		return TaskReceipt{}, err
	}

	switch result.Status {
	case StatusFinalized:
		if err := s.applyReputationUpdate(ctx, result, atts); err != nil {
			s.log.Error("receipt: reputation update", "task_id", taskID, "error", err)
		}
		if err := s.applyAttestorConsistency(ctx, result, atts, AttestAuditPass); err != nil {
			s.log.Error("receipt: attestor consistency update", "task_id", taskID, "error", err)
		}
	case StatusDisputed:
		if err := s.applyAttestorConsistency(ctx, result, atts, AttestReject); err != nil {
			s.log.Error("receipt: attestor consistency update", "task_id", taskID, "error", err)
		}
	}
	return result, nil
}

// applyAttestorConsistency implements spec §4.10's last line: for each
// committee attestor that submitted consistent attestations, update V
// upward; for contradictory attestors, downward (slashing candidate).
// consistentType is AUDIT_PASS when the receipt finalized, REJECT when it
// was disputed — the type that agreed with the outcome.
func (s *Service) applyAttestorConsistency(ctx context.Context, r TaskReceipt, atts []Attestation, consistentType AttestationType) error {
	voted := make(map[string]AttestationType)
	for _, a := range atts {
		if a.Type == AttestAuditPass || a.Type == AttestReject {
			if contains(r.Committee, a.Attestor) {
				voted[a.Attestor] = a.Type
			}
		}
	}

	for attestor, typ := range voted {
		prev, _, err := s.store.GetReputation(ctx, attestor)
		if err != nil {
			return fmt.Errorf("receipt: load attestor reputation: %w", err)
		}
		obs := 0.0
		if typ == consistentType {
			obs = 1.0
		}
		prev.AgentDID = attestor
		prev.V = ewma(prev.V, obs)
		prev.UpdatedAt = s.clock()
		if err := s.store.PutReputation(ctx, prev); err != nil {
			return fmt.Errorf("receipt: persist attestor reputation: %w", err)
		}
	}
	return nil
}

func countDistinctAttestors(atts []Attestation, committee []string, typ AttestationType) int {
	seen := map[string]bool{}
	committeeSet := map[string]bool{}
	for _, c := range committee {
		committeeSet[c] = true
	}
	for _, a := range atts {
		if a.Type == typ && committeeSet[a.Attestor] {
			seen[a.Attestor] = true
		}
	}
	return len(seen)
}

func countType(atts []Attestation, typ AttestationType) int {
	n := 0
	for _, a := range atts {
		if a.Type == typ {
			n++
		}
	}
	return n
}

// applyReputationUpdate derives the provider's dimension observations from
// attestations and applies the EWMA update (spec §4.10): Q from mean
// attestation score, S from the fraction of SAFETY_PASS, R=1 (the task
// finalized). V is updated separately by applyAttestorConsistency, since
// it scores committee members as attestors rather than the provider.
// T and E are left as carried-forward values: a task receipt today
// carries no proposed-latency/proposed-cost baseline to score actuals
// against, so there is no observation to feed the EWMA for those two
// dimensions yet. This writes through to the trust leaderboard
// as a secondary display view.
func (s *Service) applyReputationUpdate(ctx context.Context, r TaskReceipt, atts []Attestation) error {
	prev, _, err := s.store.GetReputation(ctx, r.ProviderDID)
	if err != nil {
		return fmt.Errorf("receipt: load prior reputation: %w", err)
	}

	var scoreSum float64
	var scoreCount, safetyPass, committeeAttestations int
	for _, a := range atts {
		if !contains(r.Committee, a.Attestor) && a.Attestor != r.ClientDID {
			continue
		}
		if a.Type == AttestAuditPass || a.Type == AttestAccepted {
			scoreSum += a.Score
			scoreCount++
		}
		if contains(r.Committee, a.Attestor) {
			committeeAttestations++
			if a.Type == AttestSafetyPass {
				safetyPass++
			}
		}
	}

	obsQ := 0.0
	if scoreCount > 0 {
		obsQ = scoreSum / float64(scoreCount)
	}
	obsS := 0.0
	if committeeAttestations > 0 {
		obsS = float64(safetyPass) / float64(committeeAttestations)
	}

	next := AgentReputation{
		AgentDID:  r.ProviderDID,
		Q:         ewma(prev.Q, obsQ),
		T:         prev.T,
		R:         ewma(prev.R, 1.0),
		S:         ewma(prev.S, obsS),
		V:         prev.V,
		I:         prev.I,
		E:         prev.E,
		UpdatedAt: s.clock(),
	}
	if err := s.store.PutReputation(ctx, next); err != nil {
		return fmt.Errorf("receipt: persist reputation: %w", err)
	}

	if s.leaderboard != nil {
		ts := trust.NewTrustScore(r.ProviderDID, next.Q, next.T, next.R, next.S, next.V, next.I, next.E)
		s.leaderboard.UpdateScore(r.ProviderDID, ts)
	}
	return nil
}

func ewma(prev, observation float64) float64 {
	v := (1-ReputationAlpha)*prev + ReputationAlpha*observation
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v
}

// Finalizer periodically sweeps pending receipts (spec §4.8 "A background
// worker evaluates pending receipts on a short cadence").
type Finalizer struct {
	svc   *Service
	store Store
	log   *slog.Logger
}

func NewFinalizer(svc *Service, store Store, log *slog.Logger) *Finalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Finalizer{svc: svc, store: store, log: log}
}

// RunOnce evaluates every pending receipt once; a per-receipt error (e.g.
// a concurrent manual-finalize racing this sweep) is logged and does not
// stop the sweep.
func (f *Finalizer) RunOnce(ctx context.Context) error {
	pending, err := f.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("receipt: list pending receipts: %w", err)
	}
	for _, r := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := f.svc.Finalize(ctx, r.ID); err != nil && err != ErrAlreadyTerminal {
			f.log.Error("receipt: finalize", "task_id", r.ID, "error", err)
		}
	}
	return nil
}
