package usefulness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore implements Store over database/sql, same dual-driver shape as
// pkg/discovery.SQLStore and pkg/mail.SQLStore: Postgres in production,
// SQLite in Lite Mode.
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

const usefulnessSchema = `
CREATE TABLE IF NOT EXISTS usefulness_proofs (
	id TEXT PRIMARY KEY,
	agent_did TEXT NOT NULL,
	work_type TEXT NOT NULL,
	metrics TEXT NOT NULL,
	attestations TEXT,
	trace_id TEXT,
	ts TIMESTAMP NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usefulness_proofs_agent_ts ON usefulness_proofs(agent_did, ts);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, usefulnessSchema)
	return err
}

func (s *SQLStore) InsertProof(ctx context.Context, p UsefulnessProof) error {
	metricsJSON, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("usefulness: marshal metrics: %w", err)
	}
	attJSON, err := json.Marshal(p.Attestations)
	if err != nil {
		return fmt.Errorf("usefulness: marshal attestations: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO usefulness_proofs
		(id, agent_did, work_type, metrics, attestations, trace_id, ts, score, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.AgentDID, string(p.WorkType), string(metricsJSON), string(attJSON),
		p.TraceID, p.Timestamp, p.Score, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("usefulness: insert proof: %w", err)
	}
	return nil
}

func (s *SQLStore) ProofsSince(ctx context.Context, agentDID string, since time.Time) ([]UsefulnessProof, error) {
	query := fmt.Sprintf(`SELECT id, agent_did, work_type, metrics, attestations, trace_id, ts, score, created_at
		FROM usefulness_proofs WHERE agent_did = %s AND ts >= %s ORDER BY ts ASC`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, query, agentDID, since)
	if err != nil {
		return nil, fmt.Errorf("usefulness: query proofs: %w", err)
	}
	defer rows.Close()

	var out []UsefulnessProof
	for rows.Next() {
		var p UsefulnessProof
		var workType, metricsJSON string
		var attJSON sql.NullString
		var traceID sql.NullString
		if err := rows.Scan(&p.ID, &p.AgentDID, &workType, &metricsJSON, &attJSON, &traceID, &p.Timestamp, &p.Score, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("usefulness: scan proof: %w", err)
		}
		p.WorkType = WorkType(workType)
		p.TraceID = traceID.String
		_ = json.Unmarshal([]byte(metricsJSON), &p.Metrics)
		if attJSON.Valid {
			_ = json.Unmarshal([]byte(attJSON.String), &p.Attestations)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) DistinctAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_did FROM usefulness_proofs ORDER BY agent_did ASC`)
	if err != nil {
		return nil, fmt.Errorf("usefulness: query distinct agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("usefulness: scan agent did: %w", err)
		}
		out = append(out, did)
	}
	return out, rows.Err()
}
