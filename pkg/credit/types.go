// Package credit implements the broker's off-chain credit ledger: account
// balances, reservations, and an append-only transaction log, serialized
// per-agent via row locks (spec §4.4).
package credit

import (
	"errors"
	"time"
)

// TxType enumerates the transaction kinds a commit may append. Subtypes of
// "earn" (e.g. "earn:pou", "earn:settle") are carried in Transaction.Kind
// rather than as distinct TxType values, matching spec §4.4's table.
type TxType string

const (
	TxDeposit TxType = "deposit"
	TxEarn    TxType = "earn"
	TxReserve TxType = "reserve"
	TxRelease TxType = "release"
	TxSpend   TxType = "spend"
)

// Account is the per-agent balance row (spec §3 "Credit account").
// 1 credit = 1000 atomic units (GLOSSARY).
type Account struct {
	AgentDID  string
	Balance   int64
	Reserved  int64
	Earned    int64
	Spent     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is an immutable, append-only ledger row (spec §3 "Credit
// transaction"). IntentRef, when non-empty together with Type, is the
// idempotency key: a unique partial index on (agent, type, intent_ref)
// rejects duplicate submissions of the same operation.
type Transaction struct {
	ID        string
	AgentDID  string
	Type      TxType
	Kind      string // e.g. "pou", "settle", "postage" — free-form subtype
	Amount    int64
	IntentRef string
	ProofRef  string
	Metadata  map[string]any
	CreatedAt time.Time
}

var (
	// ErrAccountExists is returned by CreateAccount when a row already exists.
	ErrAccountExists = errors.New("credit: account already exists")
	// ErrAccountNotFound is returned when the agent has no account row.
	ErrAccountNotFound = errors.New("credit: account not found")
	// ErrInsufficientBalance is returned by Reserve/Spend when
	// balance - reserved < amount.
	ErrInsufficientBalance = errors.New("credit: insufficient balance")
	// ErrInsufficientReserved is returned by Release when reserved < reserved_amt.
	ErrInsufficientReserved = errors.New("credit: insufficient reserved amount")
	// ErrInvalidAmount is returned for non-positive amounts where the
	// operation requires amount > 0.
	ErrInvalidAmount = errors.New("credit: amount must be positive")
	// ErrDuplicateIntent is returned when (agent, type, intent_ref) has
	// already been committed — the idempotent-retry case.
	ErrDuplicateIntent = errors.New("credit: duplicate intent reference")
)
