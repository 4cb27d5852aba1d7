package antiabuse

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// Debiter is the narrow ledger capability the postage policy needs: an
// atomic credit debit keyed by an idempotency reference (spec §4.2.5,
// implemented by pkg/credit's SpendAdapter).
type Debiter interface {
	Spend(ctx context.Context, agentDID string, amountAtomic int64, idempotencyRef string) error
}

var (
	ErrDuplicate        = errors.New("DUPLICATE")
	ErrDuplicateContent = errors.New("DUPLICATE_CONTENT")
	ErrPaymentRequired  = errors.New("PAYMENT_REQUIRED")
)

// Policy toggles each sub-check independently (spec §4.2 "each toggleable").
type Policy struct {
	ReplayEnabled        bool
	ContentDedupeEnabled bool
	GreylistEnabled      bool
	PostageEnabled       bool
	RateLimitEnabled     bool

	ReplayTTL            time.Duration
	ContentDedupeTTL     time.Duration
	PostageAmountAtomic  int64
	RateLimit            RateLimitPolicy
}

// Guard runs the anti-abuse sub-policies in three calls: CheckEnvelope
// (replay, then rate limit), CheckContent (content dedupe, then greylist)
// and CheckPostage.
type Guard struct {
	policy   Policy
	replay   ReplayCache
	dedupe   ReplayCache // same SetIfAbsent-with-TTL contract, different keyspace
	greylist *Greylist
	limiter  RateLimiter
	ledger   Debiter
}

func NewGuard(policy Policy, replay, dedupe ReplayCache, greylist *Greylist, limiter RateLimiter, ledger Debiter) *Guard {
	return &Guard{policy: policy, replay: replay, dedupe: dedupe, greylist: greylist, limiter: limiter, ledger: ledger}
}

// Result carries the degraded signal the spec requires surfacing to the
// caller when a backing store failed open.
type Result struct {
	Degraded   bool
	RetryAfter time.Duration
}

// CheckEnvelope runs replay protection and the rate limiter — checks that
// apply to every envelope regardless of msg_type.
func (g *Guard) CheckEnvelope(ctx context.Context, envelopeID, senderDID string) (Result, error) {
	var result Result

	if g.policy.ReplayEnabled {
		stored, err := g.replay.SetIfAbsent(ctx, envelopeID, g.policy.ReplayTTL)
		if err != nil {
			return result, fmt.Errorf("antiabuse: replay check: %w", err)
		}
		if !stored {
			return result, ErrDuplicate
		}
	}

	if g.policy.RateLimitEnabled {
		allowed, retryAfter, degraded, err := g.limiter.Allow(ctx, senderDID, g.policy.RateLimit)
		if err != nil {
			return result, fmt.Errorf("antiabuse: rate limit check: %w", err)
		}
		result.Degraded = result.Degraded || degraded
		if !allowed {
			return Result{Degraded: result.Degraded, RetryAfter: retryAfter}, ErrRateLimited(retryAfter)
		}
	}

	return result, nil
}

// rateLimitedErr carries Retry-After for the handler to echo as a header.
type rateLimitedErr struct {
	retryAfter time.Duration
}

func (e *rateLimitedErr) Error() string { return "RATE_LIMITED" }

// ErrRateLimited constructs the sentinel error carrying Retry-After.
func ErrRateLimited(retryAfter time.Duration) error {
	return &rateLimitedErr{retryAfter: retryAfter}
}

// RetryAfter extracts the Retry-After duration from a rate-limit error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *rateLimitedErr
	if errors.As(err, &rl) {
		return rl.retryAfter, true
	}
	var te *ErrTooEarly
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// CheckContent applies the content-dedupe and greylist policies, which only
// apply to mail-producing message types with a body (spec §4.2.3-4).
func (g *Guard) CheckContent(ctx context.Context, body []byte, senderDID, recipientDID string) error {
	if g.policy.ContentDedupeEnabled {
		hash := sha256.Sum256(body)
		stored, err := g.dedupe.SetIfAbsent(ctx, fmt.Sprintf("%x", hash), g.policy.ContentDedupeTTL)
		if err != nil {
			return fmt.Errorf("antiabuse: content dedupe: %w", err)
		}
		if !stored {
			return ErrDuplicateContent
		}
	}

	if g.policy.GreylistEnabled && recipientDID != "" {
		if err := g.greylist.Check(ctx, senderDID, recipientDID); err != nil {
			return err
		}
	}
	return nil
}

// CheckPostage debits postage from the sender whenever the postage policy
// is enabled. It takes no recipient and does not consult contacts or any
// allowlist, so allowlisted recipients are charged like any other.
func (g *Guard) CheckPostage(ctx context.Context, senderDID, envelopeID string) error {
	if !g.policy.PostageEnabled {
		return nil
	}
	if err := g.ledger.Spend(ctx, senderDID, g.policy.PostageAmountAtomic, "postage:"+envelopeID); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentRequired, err)
	}
	return nil
}
