package credit

import "context"

// Ledger is the durable interface for account and transaction management
// (spec §4.4). Every operation is serializable with respect to a single
// agent's account row; implementations acquire a row lock for the
// duration of the mutation and append exactly one transaction row in the
// same database transaction as the balance mutation.
type Ledger interface {
	// CreateAccount inserts a new account row with the given initial
	// balance and, when initial is non-zero, appends a "deposit"
	// transaction. Returns
	// ErrAccountExists if a row for agentDID already exists.
	CreateAccount(ctx context.Context, agentDID string, initial int64) (Account, error)

	// GetAccount returns the current account row.
	GetAccount(ctx context.Context, agentDID string) (Account, error)

	// Deposit increases balance unconditionally.
	Deposit(ctx context.Context, agentDID string, amount int64, intentRef string) (Account, error)

	// Reserve moves amount from available (balance - reserved) into
	// reserved. Fails with ErrInsufficientBalance if unavailable.
	Reserve(ctx context.Context, agentDID string, amount int64, intentRef string) (Account, error)

	// Release resolves a reservation: reservedAmt is freed from Reserved,
	// and spentAmt (<= reservedAmt) is moved from Balance into Spent. The
	// remainder (reservedAmt - spentAmt) simply stops being reserved and
	// returns to available balance.
	Release(ctx context.Context, agentDID string, reservedAmt, spentAmt int64, intentRef string) (Account, error)

	// Earn increases balance and earned unconditionally — the settle and
	// proof-of-usefulness payout path.
	Earn(ctx context.Context, agentDID string, amount int64, kind, intentRef, proofRef string) (Account, error)

	// Spend decreases balance and increases spent directly (no prior
	// reservation), used by the anti-abuse postage charge. Fails with
	// ErrInsufficientBalance if unavailable.
	Spend(ctx context.Context, agentDID string, amount int64, metadata map[string]any, intentRef string) (Account, error)

	// ListTransactions returns the append-only log for an agent, most
	// recent first, used by audit and the testable-properties checks.
	ListTransactions(ctx context.Context, agentDID string, limit int) ([]Transaction, error)
}

// Debiter is the narrow capability pkg/antiabuse's postage policy needs.
// SQLLedger and MemoryLedger satisfy it through SpendAdapter; their own
// Spend methods take a metadata map and return the Account.
type Debiter interface {
	Spend(ctx context.Context, agentDID string, amountAtomic int64, idempotencyRef string) error
}

// SpendAdapter narrows a Ledger down to antiabuse.Debiter's signature
// (which has no metadata parameter and returns only an error).
type SpendAdapter struct {
	Ledger Ledger
}

func (a SpendAdapter) Spend(ctx context.Context, agentDID string, amountAtomic int64, idempotencyRef string) error {
	_, err := a.Ledger.Spend(ctx, agentDID, amountAtomic, nil, idempotencyRef)
	return err
}
