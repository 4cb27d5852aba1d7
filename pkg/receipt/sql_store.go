package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store over database/sql, serializing the committee
// as a JSON column (an ordered list of arbitrary length) same as
// pkg/negotiation serializes rounds — the fixed scalar fields (status,
// quorum, committee size, amount) stay as real columns for the `FOR
// UPDATE` row lock Mutate relies on.
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

const receiptSchema = `
CREATE TABLE IF NOT EXISTS task_receipts (
	id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL,
	provider_did TEXT NOT NULL,
	client_did TEXT NOT NULL,
	amount_atomic BIGINT NOT NULL,
	validator_did TEXT,
	status TEXT NOT NULL,
	committee TEXT NOT NULL,
	quorum_k INT NOT NULL,
	committee_m INT NOT NULL,
	selection_seed TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	finalized_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS receipt_attestations (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES task_receipts(id) ON DELETE CASCADE,
	attestor TEXT NOT NULL,
	type TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	evidence TEXT,
	signature TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (task_id, attestor, type)
);

CREATE TABLE IF NOT EXISTS agent_reputations (
	agent_did TEXT PRIMARY KEY,
	q DOUBLE PRECISION NOT NULL DEFAULT 0,
	t DOUBLE PRECISION NOT NULL DEFAULT 0,
	r DOUBLE PRECISION NOT NULL DEFAULT 0,
	s DOUBLE PRECISION NOT NULL DEFAULT 0,
	v DOUBLE PRECISION NOT NULL DEFAULT 0,
	i DOUBLE PRECISION NOT NULL DEFAULT 0,
	e DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, receiptSchema)
	return err
}

const selectReceiptCols = `id, intent_id, provider_did, client_did, amount_atomic, validator_did, status, committee, quorum_k, committee_m, selection_seed, created_at, finalized_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (TaskReceipt, error) {
	var r TaskReceipt
	var statusStr, committeeJSON string
	var validatorDID sql.NullString
	var finalizedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.IntentID, &r.ProviderDID, &r.ClientDID, &r.AmountAtomic, &validatorDID,
		&statusStr, &committeeJSON, &r.QuorumK, &r.CommitteeM, &r.SelectionSeed, &r.CreatedAt, &finalizedAt); err != nil {
		if err == sql.ErrNoRows {
			return TaskReceipt{}, ErrReceiptNotFound
		}
		return TaskReceipt{}, err
	}
	r.Status = Status(statusStr)
	r.ValidatorDID = validatorDID.String
	if finalizedAt.Valid {
		r.FinalizedAt = finalizedAt.Time
	}
	_ = json.Unmarshal([]byte(committeeJSON), &r.Committee)
	return r, nil
}

func (s *SQLStore) CreateReceipt(ctx context.Context, r TaskReceipt) error {
	committeeJSON, _ := json.Marshal(r.Committee)
	q := fmt.Sprintf(`INSERT INTO task_receipts
		(id, intent_id, provider_did, client_did, amount_atomic, validator_did, status, committee, quorum_k, committee_m, selection_seed, created_at, finalized_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12), s.ph(13))
	_, err := s.db.ExecContext(ctx, q, r.ID, r.IntentID, r.ProviderDID, r.ClientDID, r.AmountAtomic,
		nullIfEmpty(r.ValidatorDID), string(r.Status), string(committeeJSON), r.QuorumK, r.CommitteeM, r.SelectionSeed,
		r.CreatedAt, nullTimeIfZero(r.FinalizedAt))
	if err != nil {
		return fmt.Errorf("receipt: create receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) GetReceipt(ctx context.Context, id string) (TaskReceipt, error) {
	q := fmt.Sprintf(`SELECT %s FROM task_receipts WHERE id = %s`, selectReceiptCols, s.ph(1))
	return scanReceipt(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) ListPending(ctx context.Context) ([]TaskReceipt, error) {
	q := fmt.Sprintf(`SELECT %s FROM task_receipts WHERE status = %s ORDER BY created_at ASC`, selectReceiptCols, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TaskReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Mutate(ctx context.Context, id string, fn func(r *TaskReceipt) error) (TaskReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskReceipt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`SELECT %s FROM task_receipts WHERE id = %s FOR UPDATE`, selectReceiptCols, s.ph(1))
	r, err := scanReceipt(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		return TaskReceipt{}, err
	}

	if err := fn(&r); err != nil {
		return TaskReceipt{}, err
	}

	committeeJSON, _ := json.Marshal(r.Committee)
	uq := fmt.Sprintf(`UPDATE task_receipts SET status=%s, committee=%s, quorum_k=%s, validator_did=%s, finalized_at=%s WHERE id=%s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err = tx.ExecContext(ctx, uq, string(r.Status), string(committeeJSON), r.QuorumK, nullIfEmpty(r.ValidatorDID), nullTimeIfZero(r.FinalizedAt), id)
	if err != nil {
		return TaskReceipt{}, fmt.Errorf("receipt: update receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TaskReceipt{}, err
	}
	return r, nil
}

func (s *SQLStore) AddAttestation(ctx context.Context, att Attestation) error {
	q := fmt.Sprintf(`INSERT INTO receipt_attestations (id, task_id, attestor, type, score, confidence, evidence, signature, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err := s.db.ExecContext(ctx, q, att.ID, att.TaskID, att.Attestor, string(att.Type), att.Score, att.Confidence,
		att.Evidence, att.Signature, att.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAttestation
		}
		return fmt.Errorf("receipt: insert attestation: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAttestations(ctx context.Context, taskID string) ([]Attestation, error) {
	q := fmt.Sprintf(`SELECT id, task_id, attestor, type, score, confidence, evidence, signature, created_at
		FROM receipt_attestations WHERE task_id = %s ORDER BY created_at ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Attestation
	for rows.Next() {
		var a Attestation
		var typeStr string
		var evidence, signature sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attestor, &typeStr, &a.Score, &a.Confidence, &evidence, &signature, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = AttestationType(typeStr)
		a.Evidence = evidence.String
		a.Signature = signature.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetReputation(ctx context.Context, agentDID string) (AgentReputation, bool, error) {
	q := fmt.Sprintf(`SELECT agent_did, q, t, r, s, v, i, e, updated_at FROM agent_reputations WHERE agent_did = %s`, s.ph(1))
	var rep AgentReputation
	err := s.db.QueryRowContext(ctx, q, agentDID).Scan(&rep.AgentDID, &rep.Q, &rep.T, &rep.R, &rep.S, &rep.V, &rep.I, &rep.E, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return AgentReputation{}, false, nil
	}
	if err != nil {
		return AgentReputation{}, false, err
	}
	return rep, true, nil
}

func (s *SQLStore) PutReputation(ctx context.Context, rep AgentReputation) error {
	var q string
	if s.ph(1) == "?" {
		q = `INSERT INTO agent_reputations (agent_did, q, t, r, s, v, i, e, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_did) DO UPDATE SET q=excluded.q, t=excluded.t, r=excluded.r, s=excluded.s, v=excluded.v, i=excluded.i, e=excluded.e, updated_at=excluded.updated_at`
	} else {
		q = `INSERT INTO agent_reputations (agent_did, q, t, r, s, v, i, e, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT(agent_did) DO UPDATE SET q=$2, t=$3, r=$4, s=$5, v=$6, i=$7, e=$8, updated_at=$9`
	}
	_, err := s.db.ExecContext(ctx, q, rep.AgentDID, rep.Q, rep.T, rep.R, rep.S, rep.V, rep.I, rep.E, rep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("receipt: upsert reputation: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTimeIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
