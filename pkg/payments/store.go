package payments

import "context"

// Store persists payment requests and their receipts.
type Store interface {
	CreateRequest(ctx context.Context, r Request) error
	GetRequest(ctx context.Context, id string) (Request, error)

	// Mutate loads the request under a lock, runs fn against a copy, and
	// persists it only if fn returns nil — the same pattern
	// pkg/negotiation.Store and pkg/receipt.Store use for their state
	// machines.
	Mutate(ctx context.Context, id string, fn func(r *Request) error) (Request, error)

	AddReceipt(ctx context.Context, rcpt Receipt) error
	ListReceipts(ctx context.Context, requestID string) ([]Receipt, error)

	// ListExpiring returns created/pending requests whose ExpiresAt is
	// before cutoff, for the expiration sweep.
	ListExpiring(ctx context.Context, cutoff int64) ([]Request, error)
}
