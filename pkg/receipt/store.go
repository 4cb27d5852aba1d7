package receipt

import "context"

// Store persists task receipts, their attestations, and per-agent
// reputation vectors. Mutate follows the same load-under-lock,
// mutate-via-callback, persist-if-nil pattern as pkg/negotiation.Store and
// pkg/credit.Ledger — the same row lock that serializes concurrent
// attestors also serializes the background finalizer against a
// concurrent manual-finalize call on the same receipt.
type Store interface {
	CreateReceipt(ctx context.Context, r TaskReceipt) error
	GetReceipt(ctx context.Context, id string) (TaskReceipt, error)

	// ListPending returns receipts in StatusPending, for the finalizer
	// sweep (spec §4.8 "A background worker evaluates pending receipts").
	ListPending(ctx context.Context) ([]TaskReceipt, error)

	// Mutate loads the receipt under a lock, runs fn against a copy, and
	// persists it only if fn returns nil.
	Mutate(ctx context.Context, id string, fn func(r *TaskReceipt) error) (TaskReceipt, error)

	// AddAttestation inserts att, returning ErrDuplicateAttestation if one
	// already exists for (task, attestor, type).
	AddAttestation(ctx context.Context, att Attestation) error
	ListAttestations(ctx context.Context, taskID string) ([]Attestation, error)

	GetReputation(ctx context.Context, agentDID string) (AgentReputation, bool, error)
	PutReputation(ctx context.Context, rep AgentReputation) error
}
