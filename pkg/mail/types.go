// Package mail implements the broker's mailbox: threaded message storage,
// contact bookkeeping, and label/read-state tracking (spec §3 "Message",
// "Thread", "Contact"; §4.5 "Routing & delivery" step 2).
package mail

import (
	"errors"
	"time"
)

// ConsentState is a contact's relationship to its owner (spec §3 "Contact").
type ConsentState string

const (
	ConsentUnknown   ConsentState = "unknown"
	ConsentConsented ConsentState = "consented"
	ConsentBlocked   ConsentState = "blocked"
	ConsentTrusted   ConsentState = "trusted"
)

// Message is a persisted mail row (spec §3 "Message").
type Message struct {
	EnvelopeID     string
	ConversationID string
	SenderDID      string
	Recipients     []string
	Subject        string
	Body           string
	MIMEType       string
	BodyHash       string
	Labels         []string
	CreatedAt      time.Time
	ReceivedAt     time.Time
	ReadAt         *time.Time
}

// Thread aggregates the messages of one conversation (spec §3 "Thread").
type Thread struct {
	ConversationID string
	Participants   []string
	MessageCount   int
	UnreadCount    int
	FirstMessageAt time.Time
	LastMessageAt  time.Time
	Labels         []string
	Archived       bool
	Muted          bool
}

// Contact is the (owner, peer) relationship row (spec §3 "Contact").
type Contact struct {
	OwnerDID     string
	PeerDID      string
	Alias        string
	Consent      ConsentState
	Allowlisted  bool
	TrustOverride float64
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	MessageCount int
}

// InboxQuery is the input to ListInbox (spec §6 "Mailbox" GET /api/mail/inbox).
type InboxQuery struct {
	OwnerDID string
	Limit    int
	Cursor   string // opaque, monotone by received_at desc
	Label    string
	UnreadOnly bool
}

// InboxPage is one page of inbox results plus the cursor for the next page.
type InboxPage struct {
	Messages   []Message
	NextCursor string
}

var (
	ErrDuplicateEnvelope = errors.New("mail: envelope_id already persisted")
	ErrThreadNotFound    = errors.New("mail: thread not found")
	ErrMessageNotFound   = errors.New("mail: message not found")
)
