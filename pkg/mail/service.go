package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/ainp-broker/broker/pkg/canonicalize"
)

// Service is the thin business-logic wrapper routing.Service calls to
// persist mail-producing envelopes (spec §4.5 step 2).
type Service struct {
	store Store
}

func New(store Store) *Service { return &Service{store: store} }

// DeliverInput is the subset of an envelope + routing context needed to
// persist a mail row (spec §3 "Message": body_hash = sha256(canonicalize(body))).
type DeliverInput struct {
	EnvelopeID     string
	ConversationID string
	SenderDID      string
	Recipients     []string
	Subject        string
	Body           string
	MIMEType       string
	CreatedAt      time.Time
}

// Deliver hashes the body and persists the message, returning
// ErrDuplicateEnvelope (not an error to the caller — see routing.Service)
// if the envelope was already delivered.
func (s *Service) Deliver(ctx context.Context, in DeliverInput) error {
	bodyHash, err := canonicalize.CanonicalHash(in.Body)
	if err != nil {
		return fmt.Errorf("mail: hash body: %w", err)
	}
	msg := Message{
		EnvelopeID:     in.EnvelopeID,
		ConversationID: in.ConversationID,
		SenderDID:      in.SenderDID,
		Recipients:     in.Recipients,
		Subject:        in.Subject,
		Body:           in.Body,
		MIMEType:       in.MIMEType,
		BodyHash:       bodyHash,
		CreatedAt:      in.CreatedAt,
	}
	return s.store.Deliver(ctx, msg)
}

func (s *Service) Inbox(ctx context.Context, q InboxQuery) (InboxPage, error) {
	return s.store.ListInbox(ctx, q)
}

func (s *Service) Thread(ctx context.Context, conversationID string) (Thread, []Message, error) {
	return s.store.GetThread(ctx, conversationID)
}

func (s *Service) MarkRead(ctx context.Context, ownerDID, envelopeID string, read bool) error {
	return s.store.MarkRead(ctx, ownerDID, envelopeID, read)
}

func (s *Service) Label(ctx context.Context, ownerDID, envelopeID string, add, remove []string) error {
	return s.store.Label(ctx, ownerDID, envelopeID, add, remove)
}

func (s *Service) SetConsent(ctx context.Context, ownerDID, peerDID string, consent ConsentState) (Contact, error) {
	return s.store.SetConsent(ctx, ownerDID, peerDID, consent)
}

func (s *Service) SetAllowlisted(ctx context.Context, ownerDID, peerDID string, allowlisted bool) (Contact, error) {
	return s.store.SetAllowlisted(ctx, ownerDID, peerDID, allowlisted)
}

// ContactLookup exposes the store's AreMutualContacts to pkg/antiabuse
// without that package importing pkg/mail directly (cmd/broker wires
// service.store or the service itself, which also satisfies the
// antiabuse.ContactLookup interface structurally).
func (s *Service) AreMutualContacts(ctx context.Context, sender, recipient string) (bool, error) {
	return s.store.AreMutualContacts(ctx, sender, recipient)
}
