// Package negotiation implements the multi-round proposal state machine
// (spec §4.6): propose/counter/accept/reject/expire, convergence scoring,
// credit reservation on accept, and incentive-split settlement.
package negotiation

import (
	"errors"
	"time"
)

// State is a negotiation session's lifecycle position (spec §4.6).
type State string

const (
	StateInitiated       State = "initiated"
	StateProposed        State = "proposed"
	StateCounterProposed State = "counter_proposed"
	StateAccepted        State = "accepted"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
)

func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateExpired
}

// Proposal is one round's terms. Terms carries arbitrary named values;
// only numeric ones participate in convergence scoring (spec §9 "Open
// questions": non-numeric terms are carried but ignored).
type Proposal struct {
	Terms map[string]any
	Actor string // DID of the party that made this proposal
	Round int
	At    time.Time
}

// PriceAtomic extracts the numeric "price_atomic_units" term if present.
func (p Proposal) PriceAtomic() (int64, bool) {
	v, ok := p.Terms["price_atomic_units"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// IncentiveSplit distributes a settled amount among the four parties
// (spec §4.6 "Settle", GLOSSARY "Incentive split"). Values must sum to
// 1.0 within floating tolerance.
type IncentiveSplit struct {
	Agent     float64
	Broker    float64
	Validator float64
	Pool      float64
}

func (s IncentiveSplit) Sum() float64 { return s.Agent + s.Broker + s.Validator + s.Pool }

// DefaultIncentiveSplit matches spec §8 scenario 3's literal example.
func DefaultIncentiveSplit() IncentiveSplit {
	return IncentiveSplit{Agent: 0.7, Broker: 0.1, Validator: 0.1, Pool: 0.1}
}

// Session is a negotiation session row (spec §3 "Negotiation session").
type Session struct {
	ID              string
	IntentID        string
	Initiator       string
	Responder       string
	State           State
	Rounds          []Proposal
	Convergence     float64
	CurrentProposal Proposal
	FinalProposal   *Proposal
	ReservedAmount  int64
	IncentiveSplit  IncentiveSplit
	ValidatorDID    string
	MaxRounds       int
	CreatedAt       time.Time
	ExpiresAt       time.Time
	UpdatedAt       time.Time
}

// LatestActor returns the DID of the party that made the most recent
// proposal, or "" if no rounds exist yet.
func (s Session) LatestActor() string {
	if len(s.Rounds) == 0 {
		return ""
	}
	return s.Rounds[len(s.Rounds)-1].Actor
}

var (
	ErrNotFound               = errors.New("negotiation: session not found")
	ErrInvalidStateTransition = errors.New("negotiation: invalid state transition")
	ErrExpired                = errors.New("negotiation: session expired")
	ErrMaxRounds              = errors.New("negotiation: max rounds exceeded")
	ErrNotAParticipant        = errors.New("negotiation: actor is not a participant")
	ErrSamePartyTwice         = errors.New("negotiation: same party acted twice in a row")
	ErrInitiatorEqualsResponder = errors.New("negotiation: initiator cannot equal responder")
	ErrInsufficientBalance    = errors.New("negotiation: insufficient balance to reserve")
)
