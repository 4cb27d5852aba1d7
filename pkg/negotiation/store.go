package negotiation

import "context"

// Store persists negotiation sessions. Mutate loads the row under a lock
// (row-level on SQL, mutex on MemoryStore), runs fn against a copy, and
// persists the result only if fn returns nil — the same transactional
// pattern pkg/credit uses, adapted here to enforce the state machine
// instead of balance invariants. This gives the same linearizability the
// spec's "`UPDATE … WHERE state = current_state` compare-and-set"
// describes, without needing a literal WHERE-state-equals clause: the
// row lock already serializes concurrent mutators of one session.
type Store interface {
	Create(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	Mutate(ctx context.Context, id string, fn func(s *Session) error) (Session, error)
	ListByAgent(ctx context.Context, agentDID string, state State) ([]Session, error)
	// ListNonTerminalExpiring returns sessions not yet terminal whose
	// expires_at is before cutoff, for the expiration sweeper (spec §4.6
	// "A background sweeper additionally runs every
	// expiration_interval_minutes").
	ListNonTerminalExpiring(ctx context.Context, cutoffUnixMs int64) ([]Session, error)
}
