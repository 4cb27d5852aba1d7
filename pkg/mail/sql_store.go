package mail

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SQLStore implements Store over database/sql (Postgres or the SQLite Lite
// Mode path), performing the thread/contact roll-up inside the same
// transaction as the message insert rather than via database triggers
// (spec §9 "Design notes").
type SQLStore struct {
	db *sql.DB
	ph func(n int) string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	ph := func(n int) string { return "?" }
	if driver == "postgres" {
		ph = func(n int) string { return fmt.Sprintf("$%d", n) }
	}
	return &SQLStore{db: db, ph: ph}
}

const mailSchema = `
CREATE TABLE IF NOT EXISTS mail_messages (
	envelope_id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_did TEXT NOT NULL,
	recipients TEXT NOT NULL,
	subject TEXT,
	body TEXT,
	mime_type TEXT,
	body_hash TEXT NOT NULL,
	labels TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	received_at TIMESTAMP NOT NULL,
	read_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS mail_messages_conv_idx ON mail_messages (conversation_id);

CREATE TABLE IF NOT EXISTS mail_threads (
	conversation_id TEXT PRIMARY KEY,
	participants TEXT NOT NULL DEFAULT '[]',
	message_count INT NOT NULL DEFAULT 0,
	unread_count INT NOT NULL DEFAULT 0,
	first_message_at TIMESTAMP,
	last_message_at TIMESTAMP,
	labels TEXT NOT NULL DEFAULT '[]',
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	muted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS mail_contacts (
	owner_did TEXT NOT NULL,
	peer_did TEXT NOT NULL,
	alias TEXT,
	consent TEXT NOT NULL DEFAULT 'unknown',
	allowlisted BOOLEAN NOT NULL DEFAULT FALSE,
	trust_override DOUBLE PRECISION NOT NULL DEFAULT 0,
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	message_count INT NOT NULL DEFAULT 0,
	PRIMARY KEY (owner_did, peer_did)
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, mailSchema)
	return err
}

func (s *SQLStore) Deliver(ctx context.Context, msg Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	recipJSON, _ := json.Marshal(msg.Recipients)
	labelsJSON, _ := json.Marshal(msg.Labels)

	q := fmt.Sprintf(`INSERT INTO mail_messages
		(envelope_id, conversation_id, sender_did, recipients, subject, body, mime_type, body_hash, labels, created_at, received_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	_, err = tx.ExecContext(ctx, q, msg.EnvelopeID, msg.ConversationID, msg.SenderDID, string(recipJSON),
		msg.Subject, msg.Body, msg.MIMEType, msg.BodyHash, string(labelsJSON), msg.CreatedAt, msg.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEnvelope
		}
		return fmt.Errorf("mail: insert message: %w", err)
	}

	if err := s.rollupThread(ctx, tx, msg); err != nil {
		return err
	}
	for _, recipient := range msg.Recipients {
		if err := s.upsertContact(ctx, tx, msg.SenderDID, recipient, msg.CreatedAt); err != nil {
			return err
		}
		if err := s.upsertContact(ctx, tx, recipient, msg.SenderDID, msg.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) rollupThread(ctx context.Context, tx *sql.Tx, msg Message) error {
	gq := fmt.Sprintf(`SELECT participants, message_count, unread_count, first_message_at, last_message_at
		FROM mail_threads WHERE conversation_id = %s FOR UPDATE`, s.ph(1))
	row := tx.QueryRowContext(ctx, gq, msg.ConversationID)

	var partJSON string
	var msgCount, unreadCount int
	var first, last sql.NullTime
	err := row.Scan(&partJSON, &msgCount, &unreadCount, &first, &last)
	participants := map[string]bool{}
	exists := err == nil
	if exists {
		var existing []string
		_ = json.Unmarshal([]byte(partJSON), &existing)
		for _, p := range existing {
			participants[p] = true
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("mail: lock thread: %w", err)
	}

	participants[msg.SenderDID] = true
	for _, r := range msg.Recipients {
		participants[r] = true
	}
	var partList []string
	for p := range participants {
		partList = append(partList, p)
	}
	newPartJSON, _ := json.Marshal(partList)

	msgCount++
	unreadCount++
	firstAt := msg.CreatedAt
	if first.Valid && first.Time.Before(firstAt) {
		firstAt = first.Time
	}
	lastAt := msg.CreatedAt
	if last.Valid && last.Time.After(lastAt) {
		lastAt = last.Time
	}

	if exists {
		uq := fmt.Sprintf(`UPDATE mail_threads SET participants=%s, message_count=%s, unread_count=%s,
			first_message_at=%s, last_message_at=%s WHERE conversation_id=%s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
		_, err = tx.ExecContext(ctx, uq, string(newPartJSON), msgCount, unreadCount, firstAt, lastAt, msg.ConversationID)
	} else {
		iq := fmt.Sprintf(`INSERT INTO mail_threads
			(conversation_id, participants, message_count, unread_count, first_message_at, last_message_at, labels)
			VALUES (%s,%s,%s,%s,%s,%s,'[]')`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
		_, err = tx.ExecContext(ctx, iq, msg.ConversationID, string(newPartJSON), msgCount, unreadCount, firstAt, lastAt)
	}
	if err != nil {
		return fmt.Errorf("mail: upsert thread: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertContact(ctx context.Context, tx *sql.Tx, owner, peer string, at time.Time) error {
	if owner == "" || peer == "" || owner == peer {
		return nil
	}
	gq := fmt.Sprintf(`SELECT message_count FROM mail_contacts WHERE owner_did=%s AND peer_did=%s FOR UPDATE`, s.ph(1), s.ph(2))
	var count int
	err := tx.QueryRowContext(ctx, gq, owner, peer).Scan(&count)
	switch {
	case err == sql.ErrNoRows:
		iq := fmt.Sprintf(`INSERT INTO mail_contacts (owner_did, peer_did, consent, first_seen_at, last_seen_at, message_count)
			VALUES (%s,%s,'unknown',%s,%s,1)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		_, err = tx.ExecContext(ctx, iq, owner, peer, at, at)
	case err == nil:
		uq := fmt.Sprintf(`UPDATE mail_contacts SET message_count=%s, last_seen_at=%s WHERE owner_did=%s AND peer_did=%s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		_, err = tx.ExecContext(ctx, uq, count+1, at, owner, peer)
	}
	if err != nil {
		return fmt.Errorf("mail: upsert contact: %w", err)
	}
	return nil
}

func (s *SQLStore) ListInbox(ctx context.Context, q InboxQuery) (InboxPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := 0
	if q.Cursor != "" {
		if n, err := strconv.Atoi(q.Cursor); err == nil {
			offset = n
		}
	}

	query := fmt.Sprintf(`SELECT envelope_id, conversation_id, sender_did, recipients, subject, body, mime_type,
		body_hash, labels, created_at, received_at, read_at FROM mail_messages
		WHERE (sender_did = %s OR recipients LIKE %s)`, s.ph(1), s.ph(2))
	args := []any{q.OwnerDID, "%" + q.OwnerDID + "%"}
	n := 3
	if q.Label != "" {
		query += fmt.Sprintf(` AND labels LIKE %s`, s.ph(n))
		args = append(args, "%"+q.Label+"%")
		n++
	}
	if q.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT %s OFFSET %s`, s.ph(n), s.ph(n+1))
	args = append(args, limit+1, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return InboxPage{}, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return InboxPage{}, err
		}
		if containsDID(m.Recipients, q.OwnerDID) || m.SenderDID == q.OwnerDID {
			msgs = append(msgs, m)
		}
	}

	page := InboxPage{}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.NextCursor = strconv.Itoa(offset + limit)
	} else {
		page.Messages = msgs
	}
	return page, rows.Err()
}

func (s *SQLStore) GetThread(ctx context.Context, conversationID string) (Thread, []Message, error) {
	q := fmt.Sprintf(`SELECT conversation_id, participants, message_count, unread_count, first_message_at,
		last_message_at, labels, archived, muted FROM mail_threads WHERE conversation_id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, conversationID)
	var t Thread
	var partJSON, labelsJSON string
	var first, last sql.NullTime
	err := row.Scan(&t.ConversationID, &partJSON, &t.MessageCount, &t.UnreadCount, &first, &last, &labelsJSON, &t.Archived, &t.Muted)
	if err == sql.ErrNoRows {
		return Thread{}, nil, ErrThreadNotFound
	}
	if err != nil {
		return Thread{}, nil, err
	}
	_ = json.Unmarshal([]byte(partJSON), &t.Participants)
	_ = json.Unmarshal([]byte(labelsJSON), &t.Labels)
	t.FirstMessageAt = first.Time
	t.LastMessageAt = last.Time

	mq := fmt.Sprintf(`SELECT envelope_id, conversation_id, sender_did, recipients, subject, body, mime_type,
		body_hash, labels, created_at, received_at, read_at FROM mail_messages WHERE conversation_id = %s ORDER BY created_at ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, mq, conversationID)
	if err != nil {
		return Thread{}, nil, err
	}
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return Thread{}, nil, err
		}
		msgs = append(msgs, m)
	}
	return t, msgs, rows.Err()
}

func (s *SQLStore) MarkRead(ctx context.Context, _ string, envelopeID string, read bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	gq := fmt.Sprintf(`SELECT conversation_id, read_at FROM mail_messages WHERE envelope_id = %s FOR UPDATE`, s.ph(1))
	var conversationID string
	var readAt sql.NullTime
	if err := tx.QueryRowContext(ctx, gq, envelopeID).Scan(&conversationID, &readAt); err != nil {
		if err == sql.ErrNoRows {
			return ErrMessageNotFound
		}
		return err
	}
	wasUnread := !readAt.Valid

	var newReadAt any
	if read && wasUnread {
		newReadAt = time.Now().UTC()
	} else if !read {
		newReadAt = nil
	} else {
		newReadAt = readAt.Time
	}
	uq := fmt.Sprintf(`UPDATE mail_messages SET read_at=%s WHERE envelope_id=%s`, s.ph(1), s.ph(2))
	if _, err := tx.ExecContext(ctx, uq, newReadAt, envelopeID); err != nil {
		return err
	}

	delta := 0
	if read && wasUnread {
		delta = -1
	} else if !read && !wasUnread {
		delta = 1
	}
	if delta != 0 {
		tq := fmt.Sprintf(`UPDATE mail_threads SET unread_count = unread_count + (%s) WHERE conversation_id = %s`, s.ph(1), s.ph(2))
		if _, err := tx.ExecContext(ctx, tq, delta, conversationID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Label(ctx context.Context, _ string, envelopeID string, add, remove []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	gq := fmt.Sprintf(`SELECT labels FROM mail_messages WHERE envelope_id = %s FOR UPDATE`, s.ph(1))
	var labelsJSON string
	if err := tx.QueryRowContext(ctx, gq, envelopeID).Scan(&labelsJSON); err != nil {
		if err == sql.ErrNoRows {
			return ErrMessageNotFound
		}
		return err
	}
	var labels []string
	_ = json.Unmarshal([]byte(labelsJSON), &labels)
	set := map[string]bool{}
	for _, l := range labels {
		set[l] = true
	}
	for _, l := range add {
		set[l] = true
	}
	for _, l := range remove {
		delete(set, l)
	}
	var out []string
	for l := range set {
		out = append(out, l)
	}
	newJSON, _ := json.Marshal(out)

	uq := fmt.Sprintf(`UPDATE mail_messages SET labels=%s WHERE envelope_id=%s`, s.ph(1), s.ph(2))
	if _, err := tx.ExecContext(ctx, uq, string(newJSON), envelopeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetContact(ctx context.Context, ownerDID, peerDID string) (Contact, error) {
	q := fmt.Sprintf(`SELECT owner_did, peer_did, alias, consent, allowlisted, trust_override, first_seen_at, last_seen_at, message_count
		FROM mail_contacts WHERE owner_did = %s AND peer_did = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, ownerDID, peerDID)
	return scanContact(row)
}

func (s *SQLStore) SetConsent(ctx context.Context, ownerDID, peerDID string, consent ConsentState) (Contact, error) {
	return s.upsertConsentField(ctx, ownerDID, peerDID, "consent", string(consent))
}

func (s *SQLStore) SetAllowlisted(ctx context.Context, ownerDID, peerDID string, allowlisted bool) (Contact, error) {
	return s.upsertConsentField(ctx, ownerDID, peerDID, "allowlisted", allowlisted)
}

func (s *SQLStore) upsertConsentField(ctx context.Context, ownerDID, peerDID, column string, value any) (Contact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Contact{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	gq := fmt.Sprintf(`SELECT 1 FROM mail_contacts WHERE owner_did=%s AND peer_did=%s FOR UPDATE`, s.ph(1), s.ph(2))
	var dummy int
	err = tx.QueryRowContext(ctx, gq, ownerDID, peerDID).Scan(&dummy)
	if err == sql.ErrNoRows {
		iq := fmt.Sprintf(`INSERT INTO mail_contacts (owner_did, peer_did, consent, allowlisted, first_seen_at, last_seen_at, message_count)
			VALUES (%s,%s,'unknown',FALSE,%s,%s,0)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		if _, err := tx.ExecContext(ctx, iq, ownerDID, peerDID, now, now); err != nil {
			return Contact{}, err
		}
	} else if err != nil {
		return Contact{}, err
	}
	uq := fmt.Sprintf(`UPDATE mail_contacts SET %s = %s WHERE owner_did=%s AND peer_did=%s`, column, s.ph(1), s.ph(2), s.ph(3))
	if _, err := tx.ExecContext(ctx, uq, value, ownerDID, peerDID); err != nil {
		return Contact{}, err
	}
	if err := tx.Commit(); err != nil {
		return Contact{}, err
	}
	return s.GetContact(ctx, ownerDID, peerDID)
}

func (s *SQLStore) AreMutualContacts(ctx context.Context, sender, recipient string) (bool, error) {
	fwd, err := s.GetContact(ctx, recipient, sender)
	if err == nil && (fwd.Consent == ConsentConsented || fwd.Consent == ConsentTrusted || fwd.Allowlisted) {
		return true, nil
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM mail_contacts WHERE (owner_did=%s AND peer_did=%s) OR (owner_did=%s AND peer_did=%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	var count int
	if err := s.db.QueryRowContext(ctx, q, sender, recipient, recipient, sender).Scan(&count); err != nil {
		return false, err
	}
	return count >= 2, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var recipJSON, labelsJSON string
	var readAt sql.NullTime
	if err := row.Scan(&m.EnvelopeID, &m.ConversationID, &m.SenderDID, &recipJSON, &m.Subject, &m.Body,
		&m.MIMEType, &m.BodyHash, &labelsJSON, &m.CreatedAt, &m.ReceivedAt, &readAt); err != nil {
		return Message{}, err
	}
	_ = json.Unmarshal([]byte(recipJSON), &m.Recipients)
	_ = json.Unmarshal([]byte(labelsJSON), &m.Labels)
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return m, nil
}

func scanContact(row rowScanner) (Contact, error) {
	var c Contact
	var alias sql.NullString
	var consent string
	if err := row.Scan(&c.OwnerDID, &c.PeerDID, &alias, &consent, &c.Allowlisted, &c.TrustOverride, &c.FirstSeenAt, &c.LastSeenAt, &c.MessageCount); err != nil {
		if err == sql.ErrNoRows {
			return Contact{}, nil
		}
		return Contact{}, err
	}
	c.Alias = alias.String
	c.Consent = ConsentState(consent)
	return c, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"unique", "UNIQUE constraint", "duplicate key"} {
		if containsFold(msg, needle) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	ls, lsub := []rune(s), []rune(substr)
	toLower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + 32
		}
		return r
	}
	for i := range ls {
		ls[i] = toLower(ls[i])
	}
	for i := range lsub {
		lsub[i] = toLower(lsub[i])
	}
	s2, sub2 := string(ls), string(lsub)
	for i := 0; i+len(sub2) <= len(s2); i++ {
		if s2[i:i+len(sub2)] == sub2 {
			return true
		}
	}
	return false
}
