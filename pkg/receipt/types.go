// Package receipt implements task receipt creation, deterministic
// committee selection, k-of-m attestation quorum, finalization, and the
// per-agent reputation update that rides on it (spec §4.8, §4.10).
package receipt

import (
	"errors"
	"time"
)

// Status is a task receipt's lifecycle state (spec §3 "Task receipt").
type Status string

const (
	StatusPending   Status = "pending"
	StatusFinalized Status = "finalized"
	StatusDisputed  Status = "disputed"
	StatusFailed    Status = "failed"
)

// AttestationType is the kind of attestation (spec §3 "Attestation").
type AttestationType string

const (
	AttestAccepted   AttestationType = "ACCEPTED"
	AttestAuditPass  AttestationType = "AUDIT_PASS"
	AttestSafetyPass AttestationType = "SAFETY_PASS"
	AttestReject     AttestationType = "REJECT"
)

// TaskReceipt is the record created on negotiation settle (spec §3 "Task
// receipt", §4.8 "Receipt creation").
type TaskReceipt struct {
	ID             string
	IntentID       string
	ProviderDID    string
	ClientDID      string
	AmountAtomic   int64
	ValidatorDID   string
	Status         Status
	Committee      []string // ordered agent DIDs
	QuorumK        int
	CommitteeM     int
	SelectionSeed  string
	CreatedAt      time.Time
	FinalizedAt    time.Time
}

// Attestation is one signed judgment of a task receipt (spec §3
// "Attestation").
type Attestation struct {
	ID         string
	TaskID     string
	Attestor   string
	Type       AttestationType
	Score      float64
	Confidence float64
	Evidence   string
	Signature  string
	CreatedAt  time.Time
}

// AgentReputation is the per-provider EWMA reputation vector of spec §4.10
// — dimensions Q (quality), T (timeliness), R (reliability), S (safety),
// V (validation participation), I (integrity), E (efficiency), all in
// [0,1].
type AgentReputation struct {
	AgentDID  string
	Q, T, R, S, V, I, E float64
	UpdatedAt time.Time
}

// Overall is the mean of the seven dimensions, mirrored from
// pkg/trust.TrustScore.OverallScore so receipt's own reputation vector and
// the secondary trust leaderboard display agree on how a scalar is
// derived from the vector.
func (a AgentReputation) Overall() float64 {
	return (a.Q + a.T + a.R + a.S + a.V + a.I + a.E) / 7
}

// DefaultCommitteeSize and DefaultQuorum are spec §4.8's defaults (m=5,
// k=3) used when negotiation settle doesn't override them.
const (
	DefaultCommitteeSize = 5
	DefaultQuorum        = 3
)

// DisputeThreshold is the number of distinct REJECT attestations from the
// committee that flips a pending receipt to disputed (spec §4.8 "If
// contradictory attestations exceed threshold, transition to disputed").
// Scaled the same way quorum is when the committee is smaller than m.
const DisputeThreshold = 2

// ReputationAlpha is the EWMA smoothing factor (spec §4.10 "α = 0.2").
const ReputationAlpha = 0.2

var (
	ErrReceiptNotFound        = errors.New("receipt: not found")
	ErrUnauthorizedAttestor   = errors.New("receipt: unauthorized attestation")
	ErrDuplicateAttestation   = errors.New("receipt: duplicate attestation")
	ErrAlreadyTerminal        = errors.New("receipt: already in a terminal status")
)
