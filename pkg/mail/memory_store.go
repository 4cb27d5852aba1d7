package mail

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for Lite Mode and tests.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]Message // envelope_id -> message
	threads  map[string]Thread  // conversation_id -> thread
	contacts map[string]Contact // "owner|peer" -> contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]Message),
		threads:  make(map[string]Thread),
		contacts: make(map[string]Contact),
	}
}

func contactKey(owner, peer string) string { return owner + "|" + peer }

func (s *MemoryStore) Deliver(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.EnvelopeID]; exists {
		return ErrDuplicateEnvelope
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	s.messages[msg.EnvelopeID] = msg

	s.rollupThread(msg)
	for _, recipient := range msg.Recipients {
		s.upsertContact(msg.SenderDID, recipient, msg.CreatedAt)
		s.upsertContact(recipient, msg.SenderDID, msg.CreatedAt)
	}
	return nil
}

func (s *MemoryStore) rollupThread(msg Message) {
	t, ok := s.threads[msg.ConversationID]
	if !ok {
		t = Thread{
			ConversationID: msg.ConversationID,
			FirstMessageAt: msg.CreatedAt,
		}
	}
	participants := map[string]bool{msg.SenderDID: true}
	for _, p := range t.Participants {
		participants[p] = true
	}
	for _, r := range msg.Recipients {
		participants[r] = true
	}
	t.Participants = t.Participants[:0]
	for p := range participants {
		t.Participants = append(t.Participants, p)
	}
	sort.Strings(t.Participants)

	t.MessageCount++
	t.UnreadCount++
	if msg.CreatedAt.After(t.LastMessageAt) {
		t.LastMessageAt = msg.CreatedAt
	}
	if t.FirstMessageAt.IsZero() || msg.CreatedAt.Before(t.FirstMessageAt) {
		t.FirstMessageAt = msg.CreatedAt
	}
	s.threads[msg.ConversationID] = t
}

func (s *MemoryStore) upsertContact(owner, peer string, at time.Time) {
	if owner == "" || peer == "" || owner == peer {
		return
	}
	key := contactKey(owner, peer)
	c, ok := s.contacts[key]
	if !ok {
		c = Contact{OwnerDID: owner, PeerDID: peer, Consent: ConsentUnknown, FirstSeenAt: at}
	}
	c.MessageCount++
	if at.After(c.LastSeenAt) {
		c.LastSeenAt = at
	}
	s.contacts[key] = c
}

func (s *MemoryStore) ListInbox(_ context.Context, q InboxQuery) (InboxPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Message
	for _, m := range s.messages {
		if m.SenderDID != q.OwnerDID && !containsDID(m.Recipients, q.OwnerDID) {
			continue
		}
		if q.Label != "" && !containsDID(m.Labels, q.Label) {
			continue
		}
		if q.UnreadOnly && m.ReadAt != nil {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.After(matched[j].ReceivedAt) })

	offset := 0
	if q.Cursor != "" {
		if n, err := strconv.Atoi(q.Cursor); err == nil {
			offset = n
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	page := InboxPage{}
	end := offset + limit
	if offset < len(matched) {
		if end > len(matched) {
			end = len(matched)
		}
		page.Messages = matched[offset:end]
	}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *MemoryStore) GetThread(_ context.Context, conversationID string) (Thread, []Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return Thread{}, nil, ErrThreadNotFound
	}
	var msgs []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return t, msgs, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, ownerDID, envelopeID string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[envelopeID]
	if !ok {
		return ErrMessageNotFound
	}
	wasUnread := m.ReadAt == nil
	if read {
		if wasUnread {
			now := time.Now().UTC()
			m.ReadAt = &now
		}
	} else {
		m.ReadAt = nil
	}
	s.messages[envelopeID] = m

	if t, ok := s.threads[m.ConversationID]; ok {
		if read && wasUnread && t.UnreadCount > 0 {
			t.UnreadCount--
		} else if !read && !wasUnread {
			t.UnreadCount++
		}
		s.threads[m.ConversationID] = t
	}
	return nil
}

func (s *MemoryStore) Label(_ context.Context, _ string, envelopeID string, add, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[envelopeID]
	if !ok {
		return ErrMessageNotFound
	}
	set := map[string]bool{}
	for _, l := range m.Labels {
		set[l] = true
	}
	for _, l := range add {
		set[l] = true
	}
	for _, l := range remove {
		delete(set, l)
	}
	m.Labels = m.Labels[:0]
	for l := range set {
		m.Labels = append(m.Labels, l)
	}
	sort.Strings(m.Labels)
	s.messages[envelopeID] = m
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, ownerDID, peerDID string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts[contactKey(ownerDID, peerDID)], nil
}

func (s *MemoryStore) SetConsent(_ context.Context, ownerDID, peerDID string, consent ConsentState) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contactKey(ownerDID, peerDID)
	c, ok := s.contacts[key]
	if !ok {
		c = Contact{OwnerDID: ownerDID, PeerDID: peerDID, FirstSeenAt: time.Now().UTC()}
	}
	c.Consent = consent
	s.contacts[key] = c
	return c, nil
}

func (s *MemoryStore) SetAllowlisted(_ context.Context, ownerDID, peerDID string, allowlisted bool) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contactKey(ownerDID, peerDID)
	c, ok := s.contacts[key]
	if !ok {
		c = Contact{OwnerDID: ownerDID, PeerDID: peerDID, FirstSeenAt: time.Now().UTC()}
	}
	c.Allowlisted = allowlisted
	s.contacts[key] = c
	return c, nil
}

// AreMutualContacts implements pkg/antiabuse.ContactLookup: true once a
// contact row exists in both directions (Deliver creates both for every
// message, so one delivered message either way is enough), or the
// recipient has explicitly consented/trusted/allowlisted the sender.
func (s *MemoryStore) AreMutualContacts(_ context.Context, sender, recipient string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fwd, fok := s.contacts[contactKey(recipient, sender)]
	if fok && (fwd.Consent == ConsentConsented || fwd.Consent == ConsentTrusted || fwd.Allowlisted) {
		return true, nil
	}
	_, rok := s.contacts[contactKey(sender, recipient)]
	return fok && rok, nil
}

func containsDID(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
