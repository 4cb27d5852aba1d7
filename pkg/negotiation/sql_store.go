package negotiation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore implements Store over database/sql, serializing the variable
// parts of a session (rounds, current/final proposal, incentive split) as
// JSON columns — negotiation terms are open-ended key/value maps (spec §3
// "Negotiation session"), so a relational column per term would not
// generalize; the session's fixed scalar fields (state, convergence,
// reserved_amount, timestamps) stay as real columns for indexing and for
// the `FOR UPDATE` row lock pkg/credit also relies on.
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

const negotiationSchema = `
CREATE TABLE IF NOT EXISTS negotiation_sessions (
	id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL,
	initiator TEXT NOT NULL,
	responder TEXT NOT NULL,
	state TEXT NOT NULL,
	rounds TEXT NOT NULL,
	convergence DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_proposal TEXT NOT NULL,
	final_proposal TEXT,
	reserved_amount BIGINT NOT NULL DEFAULT 0,
	incentive_split TEXT NOT NULL,
	validator_did TEXT,
	max_rounds INT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, negotiationSchema)
	return err
}

func (s *SQLStore) Create(ctx context.Context, sess Session) (Session, error) {
	roundsJSON, _ := json.Marshal(sess.Rounds)
	curJSON, _ := json.Marshal(sess.CurrentProposal)
	splitJSON, _ := json.Marshal(sess.IncentiveSplit)

	q := fmt.Sprintf(`INSERT INTO negotiation_sessions
		(id, intent_id, initiator, responder, state, rounds, convergence, current_proposal, final_proposal, reserved_amount, incentive_split, validator_did, max_rounds, created_at, expires_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9),
		s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14), s.ph(15), s.ph(16))
	_, err := s.db.ExecContext(ctx, q, sess.ID, sess.IntentID, sess.Initiator, sess.Responder, string(sess.State),
		string(roundsJSON), sess.Convergence, string(curJSON), nil, sess.ReservedAmount, string(splitJSON),
		nullIfEmpty(sess.ValidatorDID), sess.MaxRounds, sess.CreatedAt, sess.ExpiresAt, sess.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: create session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM negotiation_sessions WHERE id = %s`, selectCols, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, id)
	return scanSession(row)
}

func (s *SQLStore) Mutate(ctx context.Context, id string, fn func(sess *Session) error) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`SELECT %s FROM negotiation_sessions WHERE id = %s FOR UPDATE`, selectCols, s.ph(1))
	row := tx.QueryRowContext(ctx, q, id)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, err
	}

	if err := fn(&sess); err != nil {
		return Session{}, err
	}
	sess.UpdatedAt = time.Now().UTC()

	roundsJSON, _ := json.Marshal(sess.Rounds)
	curJSON, _ := json.Marshal(sess.CurrentProposal)
	splitJSON, _ := json.Marshal(sess.IncentiveSplit)
	var finalJSON []byte
	if sess.FinalProposal != nil {
		finalJSON, _ = json.Marshal(sess.FinalProposal)
	}

	uq := fmt.Sprintf(`UPDATE negotiation_sessions SET state=%s, rounds=%s, convergence=%s, current_proposal=%s,
		final_proposal=%s, reserved_amount=%s, incentive_split=%s, validator_did=%s, updated_at=%s WHERE id=%s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	_, err = tx.ExecContext(ctx, uq, string(sess.State), string(roundsJSON), sess.Convergence, string(curJSON),
		nullBytesIfEmpty(finalJSON), sess.ReservedAmount, string(splitJSON), nullIfEmpty(sess.ValidatorDID), sess.UpdatedAt, id)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *SQLStore) ListByAgent(ctx context.Context, agentDID string, state State) ([]Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM negotiation_sessions WHERE (initiator = %s OR responder = %s)`,
		selectCols, s.ph(1), s.ph(2))
	args := []any{agentDID, agentDID}
	if state != "" {
		q += fmt.Sprintf(` AND state = %s`, s.ph(3))
		args = append(args, string(state))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *SQLStore) ListNonTerminalExpiring(ctx context.Context, cutoffUnixMs int64) ([]Session, error) {
	cutoff := time.UnixMilli(cutoffUnixMs).UTC()
	q := fmt.Sprintf(`SELECT %s FROM negotiation_sessions WHERE state NOT IN ('accepted','rejected','expired') AND expires_at < %s`,
		selectCols, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

const selectCols = `id, intent_id, initiator, responder, state, rounds, convergence, current_proposal, final_proposal, reserved_amount, incentive_split, validator_did, max_rounds, created_at, expires_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var stateStr, roundsJSON, curJSON, splitJSON string
	var finalJSON, validatorDID sql.NullString
	if err := row.Scan(&sess.ID, &sess.IntentID, &sess.Initiator, &sess.Responder, &stateStr, &roundsJSON,
		&sess.Convergence, &curJSON, &finalJSON, &sess.ReservedAmount, &splitJSON, &validatorDID, &sess.MaxRounds,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.State = State(stateStr)
	_ = json.Unmarshal([]byte(roundsJSON), &sess.Rounds)
	_ = json.Unmarshal([]byte(curJSON), &sess.CurrentProposal)
	_ = json.Unmarshal([]byte(splitJSON), &sess.IncentiveSplit)
	sess.ValidatorDID = validatorDID.String
	if finalJSON.Valid && finalJSON.String != "" {
		var fp Proposal
		if err := json.Unmarshal([]byte(finalJSON.String), &fp); err == nil {
			sess.FinalProposal = &fp
		}
	}
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytesIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
