package antiabuse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ContactLookup reports whether sender and recipient are mutual contacts,
// used to decide whether the greylist policy applies at all (it only gates
// first-contact, non-mutual traffic). The postage policy does not use it.
type ContactLookup interface {
	AreMutualContacts(ctx context.Context, sender, recipient string) (bool, error)
}

// Greylist delays first-contact mail: the sender must retry after
// GreylistDelay has elapsed (spec §4.2.4).
type Greylist struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	contacts ContactLookup
	delay    time.Duration
}

func NewGreylist(contacts ContactLookup, delay time.Duration) *Greylist {
	return &Greylist{seen: make(map[string]time.Time), contacts: contacts, delay: delay}
}

// ErrTooEarly signals a 425 response; RetryAfter is the remaining delay.
type ErrTooEarly struct {
	RetryAfter time.Duration
}

func (e *ErrTooEarly) Error() string {
	return fmt.Sprintf("antiabuse: too early, retry after %s", e.RetryAfter)
}

// Check applies the greylist policy. A nil return means the message may
// proceed (mutual contacts, or the delay has already elapsed).
func (g *Greylist) Check(ctx context.Context, sender, recipient string) error {
	mutual, err := g.contacts.AreMutualContacts(ctx, sender, recipient)
	if err != nil {
		return nil // fail open on lookup errors; the postage/rate-limit stages still gate abuse
	}
	if mutual {
		return nil
	}

	key := sender + "->" + recipient
	g.mu.Lock()
	defer g.mu.Unlock()

	firstSeen, ok := g.seen[key]
	now := time.Now()
	if !ok {
		g.seen[key] = now
		return &ErrTooEarly{RetryAfter: g.delay}
	}
	if now.Sub(firstSeen) < g.delay {
		return &ErrTooEarly{RetryAfter: g.delay - now.Sub(firstSeen)}
	}
	delete(g.seen, key)
	return nil
}
