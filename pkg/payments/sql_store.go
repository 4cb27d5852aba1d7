package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore implements Store over database/sql, same dual-driver shape as
// the rest of the pack.
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

const paymentsSchema = `
CREATE TABLE IF NOT EXISTS payment_requests (
	id TEXT PRIMARY KEY,
	owner_did TEXT NOT NULL,
	amount_atomic BIGINT NOT NULL,
	currency TEXT NOT NULL,
	method TEXT NOT NULL,
	status TEXT NOT NULL,
	provider_ref TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	description TEXT,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_requests_owner ON payment_requests(owner_did);

CREATE TABLE IF NOT EXISTS payment_receipts (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL REFERENCES payment_requests(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	tx_reference TEXT NOT NULL,
	amount_atomic BIGINT NOT NULL,
	confirmed_at TIMESTAMP NOT NULL,
	raw_payload BLOB
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, paymentsSchema)
	return err
}

const selectRequestCols = `id, owner_did, amount_atomic, currency, method, status, provider_ref, metadata, description, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var r Request
	var methodStr, statusStr, metadataJSON string
	var providerRef, description sql.NullString
	if err := row.Scan(&r.ID, &r.OwnerDID, &r.AmountAtomic, &r.Currency, &methodStr, &statusStr,
		&providerRef, &metadataJSON, &description, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, err
	}
	r.Method = Method(methodStr)
	r.Status = Status(statusStr)
	r.ProviderRef = providerRef.String
	r.Description = description.String
	_ = json.Unmarshal([]byte(metadataJSON), &r.Metadata)
	return r, nil
}

func (s *SQLStore) CreateRequest(ctx context.Context, r Request) error {
	metadataJSON, _ := json.Marshal(r.Metadata)
	q := fmt.Sprintf(`INSERT INTO payment_requests
		(id, owner_did, amount_atomic, currency, method, status, provider_ref, metadata, description, expires_at, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12))
	_, err := s.db.ExecContext(ctx, q, r.ID, r.OwnerDID, r.AmountAtomic, r.Currency, string(r.Method), string(r.Status),
		nullIfEmpty(r.ProviderRef), string(metadataJSON), nullIfEmpty(r.Description), r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payments: create request: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (Request, error) {
	q := fmt.Sprintf(`SELECT %s FROM payment_requests WHERE id = %s`, selectRequestCols, s.ph(1))
	return scanRequest(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) Mutate(ctx context.Context, id string, fn func(r *Request) error) (Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`SELECT %s FROM payment_requests WHERE id = %s FOR UPDATE`, selectRequestCols, s.ph(1))
	r, err := scanRequest(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		return Request{}, err
	}

	if err := fn(&r); err != nil {
		return Request{}, err
	}
	r.UpdatedAt = time.Now().UTC()

	metadataJSON, _ := json.Marshal(r.Metadata)
	uq := fmt.Sprintf(`UPDATE payment_requests SET status=%s, provider_ref=%s, metadata=%s, updated_at=%s WHERE id=%s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err = tx.ExecContext(ctx, uq, string(r.Status), nullIfEmpty(r.ProviderRef), string(metadataJSON), r.UpdatedAt, id)
	if err != nil {
		return Request{}, fmt.Errorf("payments: update request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Request{}, err
	}
	return r, nil
}

func (s *SQLStore) AddReceipt(ctx context.Context, rcpt Receipt) error {
	q := fmt.Sprintf(`INSERT INTO payment_receipts (id, request_id, provider, tx_reference, amount_atomic, confirmed_at, raw_payload)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := s.db.ExecContext(ctx, q, rcpt.ID, rcpt.RequestID, rcpt.Provider, rcpt.TxReference, rcpt.AmountAtomic, rcpt.ConfirmedAt, rcpt.RawPayload)
	if err != nil {
		return fmt.Errorf("payments: insert receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) ListReceipts(ctx context.Context, requestID string) ([]Receipt, error) {
	q := fmt.Sprintf(`SELECT id, request_id, provider, tx_reference, amount_atomic, confirmed_at, raw_payload
		FROM payment_receipts WHERE request_id = %s ORDER BY confirmed_at ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Provider, &r.TxReference, &r.AmountAtomic, &r.ConfirmedAt, &r.RawPayload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListExpiring(ctx context.Context, cutoffUnixMs int64) ([]Request, error) {
	cutoff := time.UnixMilli(cutoffUnixMs).UTC()
	q := fmt.Sprintf(`SELECT %s FROM payment_requests WHERE status IN ('created','pending') AND expires_at < %s`, selectRequestCols, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
