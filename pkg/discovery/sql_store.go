package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLStore implements Store over database/sql. On Postgres it delegates
// nearest-neighbor search to the `pgvector` extension's `<=>` cosine
// distance operator, the same query shape as the teacher's
// pkg/store.PGVectorStore; on SQLite (Lite Mode) there is no pgvector, so
// CandidateSearch pulls the capability rows and computes cosine distance
// in Go, same math as MemoryStore.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	ph       func(n int) string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	isPG := driver == "postgres"
	ph := func(n int) string { return "?" }
	if isPG {
		ph = func(n int) string { return fmt.Sprintf("$%d", n) }
	}
	return &SQLStore{db: db, postgres: isPG, ph: ph}
}

const discoverySchemaPostgres = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS discovery_agents (
	agent_did TEXT PRIMARY KEY,
	public_key BYTEA NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	ttl_seconds BIGINT NOT NULL DEFAULT 0,
	expires_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS discovery_capabilities (
	id TEXT PRIMARY KEY,
	owner_did TEXT NOT NULL REFERENCES discovery_agents(agent_did) ON DELETE CASCADE,
	description TEXT NOT NULL,
	embedding vector(384) NOT NULL,
	tags TEXT,
	version TEXT,
	evidence_ref TEXT,
	max_latency_ms BIGINT,
	max_cost BIGINT,
	UNIQUE (owner_did, description)
);

CREATE TABLE IF NOT EXISTS discovery_trust (
	agent_did TEXT PRIMARY KEY REFERENCES discovery_agents(agent_did) ON DELETE CASCADE,
	aggregate DOUBLE PRECISION NOT NULL DEFAULT 0,
	reliability DOUBLE PRECISION NOT NULL DEFAULT 0,
	honesty DOUBLE PRECISION NOT NULL DEFAULT 0,
	competence DOUBLE PRECISION NOT NULL DEFAULT 0,
	timeliness DOUBLE PRECISION NOT NULL DEFAULT 0,
	decay_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS discovery_usefulness (
	agent_did TEXT PRIMARY KEY REFERENCES discovery_agents(agent_did) ON DELETE CASCADE,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`

const discoverySchemaSQLite = `
CREATE TABLE IF NOT EXISTS discovery_agents (
	agent_did TEXT PRIMARY KEY,
	public_key BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	ttl_seconds INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS discovery_capabilities (
	id TEXT PRIMARY KEY,
	owner_did TEXT NOT NULL,
	description TEXT NOT NULL,
	embedding TEXT NOT NULL,
	tags TEXT,
	version TEXT,
	evidence_ref TEXT,
	max_latency_ms INTEGER,
	max_cost INTEGER,
	UNIQUE (owner_did, description)
);

CREATE TABLE IF NOT EXISTS discovery_trust (
	agent_did TEXT PRIMARY KEY,
	aggregate REAL NOT NULL DEFAULT 0,
	reliability REAL NOT NULL DEFAULT 0,
	honesty REAL NOT NULL DEFAULT 0,
	competence REAL NOT NULL DEFAULT 0,
	timeliness REAL NOT NULL DEFAULT 0,
	decay_rate REAL NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS discovery_usefulness (
	agent_did TEXT PRIMARY KEY,
	score REAL NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	schema := discoverySchemaSQLite
	if s.postgres {
		schema = discoverySchemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Register(ctx context.Context, agentDID string, publicKey []byte, ttlSeconds int64, caps []Capability, trustSeed *TrustVector) (Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Agent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttlSeconds > 0 {
		e := now.Add(time.Duration(ttlSeconds) * time.Second)
		expiresAt = &e
	}

	upsertAgent := s.upsertAgentQuery()
	if _, err := tx.ExecContext(ctx, upsertAgent, agentDID, publicKey, now, now, ttlSeconds, expiresAt); err != nil {
		return Agent{}, fmt.Errorf("discovery: upsert agent: %w", err)
	}

	delCaps := fmt.Sprintf(`DELETE FROM discovery_capabilities WHERE owner_did = %s`, s.ph(1))
	if _, err := tx.ExecContext(ctx, delCaps, agentDID); err != nil {
		return Agent{}, fmt.Errorf("discovery: delete capabilities: %w", err)
	}

	for _, c := range caps {
		if err := s.insertCapability(ctx, tx, agentDID, c); err != nil {
			return Agent{}, err
		}
	}

	if trustSeed != nil {
		if err := s.upsertTrust(ctx, tx, agentDID, *trustSeed, now); err != nil {
			return Agent{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Agent{}, err
	}

	a := Agent{DID: agentDID, PublicKey: publicKey, CreatedAt: now, LastSeenAt: now}
	if expiresAt != nil {
		a.TTL = time.Duration(ttlSeconds) * time.Second
		a.ExpiresAt = *expiresAt
	}
	return a, nil
}

func (s *SQLStore) upsertAgentQuery() string {
	if s.postgres {
		return fmt.Sprintf(`INSERT INTO discovery_agents (agent_did, public_key, created_at, last_seen_at, ttl_seconds, expires_at)
			VALUES (%s, %s, %s, %s, %s, %s)
			ON CONFLICT (agent_did) DO UPDATE SET
				public_key=EXCLUDED.public_key, last_seen_at=EXCLUDED.last_seen_at,
				ttl_seconds=EXCLUDED.ttl_seconds, expires_at=EXCLUDED.expires_at`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	}
	return `INSERT INTO discovery_agents (agent_did, public_key, created_at, last_seen_at, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_did) DO UPDATE SET
			public_key=excluded.public_key, last_seen_at=excluded.last_seen_at,
			ttl_seconds=excluded.ttl_seconds, expires_at=excluded.expires_at`
}

func (s *SQLStore) insertCapability(ctx context.Context, tx *sql.Tx, agentDID string, c Capability) error {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	tagsJoined := strings.Join(c.Tags, ",")
	embCol := s.encodeEmbedding(c.Embedding)

	q := fmt.Sprintf(`INSERT INTO discovery_capabilities
		(id, owner_did, description, embedding, tags, version, evidence_ref, max_latency_ms, max_cost)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err := tx.ExecContext(ctx, q, id, agentDID, c.Description, embCol, tagsJoined, c.Version, c.EvidenceRef,
		c.MaxLatency.Milliseconds(), c.MaxCost)
	if err != nil {
		return fmt.Errorf("discovery: insert capability: %w", err)
	}
	return nil
}

// encodeEmbedding renders a vector as pgvector's literal `[v1,v2,...]` form
// on Postgres, or as a compact JSON array for SQLite's TEXT column.
func (s *SQLStore) encodeEmbedding(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func decodeEmbedding(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		_, _ = fmt.Sscanf(strings.TrimSpace(p), "%g", &f)
		out = append(out, float32(f))
	}
	return out
}

func (s *SQLStore) upsertTrust(ctx context.Context, tx *sql.Tx, agentDID string, t TrustVector, now time.Time) error {
	var q string
	if s.postgres {
		q = fmt.Sprintf(`INSERT INTO discovery_trust (agent_did, aggregate, reliability, honesty, competence, timeliness, decay_rate, updated_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (agent_did) DO UPDATE SET
				aggregate=EXCLUDED.aggregate, reliability=EXCLUDED.reliability, honesty=EXCLUDED.honesty,
				competence=EXCLUDED.competence, timeliness=EXCLUDED.timeliness, decay_rate=EXCLUDED.decay_rate,
				updated_at=EXCLUDED.updated_at`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	} else {
		q = `INSERT INTO discovery_trust (agent_did, aggregate, reliability, honesty, competence, timeliness, decay_rate, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (agent_did) DO UPDATE SET
				aggregate=excluded.aggregate, reliability=excluded.reliability, honesty=excluded.honesty,
				competence=excluded.competence, timeliness=excluded.timeliness, decay_rate=excluded.decay_rate,
				updated_at=excluded.updated_at`
	}
	_, err := tx.ExecContext(ctx, q, agentDID, t.Aggregate, t.Reliability, t.Honesty, t.Competence, t.Timeliness, t.DecayRate, now)
	return err
}

func (s *SQLStore) GetAgent(ctx context.Context, agentDID string) (Agent, error) {
	q := fmt.Sprintf(`SELECT agent_did, public_key, created_at, last_seen_at, ttl_seconds, expires_at
		FROM discovery_agents WHERE agent_did = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, agentDID)
	var a Agent
	var ttlSeconds int64
	var expiresAt sql.NullTime
	if err := row.Scan(&a.DID, &a.PublicKey, &a.CreatedAt, &a.LastSeenAt, &ttlSeconds, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	a.TTL = time.Duration(ttlSeconds) * time.Second
	if expiresAt.Valid {
		a.ExpiresAt = expiresAt.Time
	}
	return a, nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_did, public_key, created_at, last_seen_at, ttl_seconds, expires_at
		FROM discovery_agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var ttlSeconds int64
		var expiresAt sql.NullTime
		if err := rows.Scan(&a.DID, &a.PublicKey, &a.CreatedAt, &a.LastSeenAt, &ttlSeconds, &expiresAt); err != nil {
			return nil, err
		}
		a.TTL = time.Duration(ttlSeconds) * time.Second
		if expiresAt.Valid {
			a.ExpiresAt = expiresAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetTrustVector(ctx context.Context, agentDID string) (TrustVector, error) {
	q := fmt.Sprintf(`SELECT agent_did, aggregate, reliability, honesty, competence, timeliness, decay_rate, updated_at
		FROM discovery_trust WHERE agent_did = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, agentDID)
	var t TrustVector
	if err := row.Scan(&t.AgentDID, &t.Aggregate, &t.Reliability, &t.Honesty, &t.Competence, &t.Timeliness, &t.DecayRate, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return TrustVector{AgentDID: agentDID}, nil
		}
		return TrustVector{}, err
	}
	return t, nil
}

func (s *SQLStore) GetUsefulness(ctx context.Context, agentDID string) (UsefulnessCache, error) {
	q := fmt.Sprintf(`SELECT agent_did, score, updated_at FROM discovery_usefulness WHERE agent_did = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, agentDID)
	var u UsefulnessCache
	if err := row.Scan(&u.AgentDID, &u.Score, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return UsefulnessCache{AgentDID: agentDID}, nil
		}
		return UsefulnessCache{}, err
	}
	return u, nil
}

func (s *SQLStore) SetUsefulness(ctx context.Context, agentDID string, score float64) error {
	now := time.Now().UTC()
	var q string
	if s.postgres {
		q = fmt.Sprintf(`INSERT INTO discovery_usefulness (agent_did, score, updated_at) VALUES (%s, %s, %s)
			ON CONFLICT (agent_did) DO UPDATE SET score=EXCLUDED.score, updated_at=EXCLUDED.updated_at`,
			s.ph(1), s.ph(2), s.ph(3))
	} else {
		q = `INSERT INTO discovery_usefulness (agent_did, score, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (agent_did) DO UPDATE SET score=excluded.score, updated_at=excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, q, agentDID, score, now)
	return err
}

func (s *SQLStore) CandidateSearch(ctx context.Context, queryVec []float32, topK int) ([]candidateRow, error) {
	if s.postgres {
		return s.candidateSearchPostgres(ctx, queryVec, topK)
	}
	return s.candidateSearchBruteForce(ctx, queryVec, topK)
}

func (s *SQLStore) candidateSearchPostgres(ctx context.Context, queryVec []float32, topK int) ([]candidateRow, error) {
	vecLit := s.encodeEmbedding(queryVec)
	q := `SELECT c.id, c.owner_did, c.description, c.embedding::text, c.tags, c.version, c.evidence_ref, c.max_latency_ms, c.max_cost,
			c.embedding <=> $1::vector AS distance,
			a.agent_did, a.public_key, a.created_at, a.last_seen_at, a.ttl_seconds, a.expires_at
		FROM discovery_capabilities c
		JOIN discovery_agents a ON a.agent_did = c.owner_did
		ORDER BY c.embedding <=> $1::vector
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, vecLit, topK)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCandidateRows(rows)
}

func (s *SQLStore) candidateSearchBruteForce(ctx context.Context, queryVec []float32, topK int) ([]candidateRow, error) {
	q := `SELECT c.id, c.owner_did, c.description, c.embedding, c.tags, c.version, c.evidence_ref, c.max_latency_ms, c.max_cost,
			0 AS distance,
			a.agent_did, a.public_key, a.created_at, a.last_seen_at, a.ttl_seconds, a.expires_at
		FROM discovery_capabilities c
		JOIN discovery_agents a ON a.agent_did = c.owner_did`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	all, err := scanCandidateRows(rows)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].Distance = cosineDistance(queryVec, all[i].Capability.Embedding)
	}
	for i := 0; i < len(all) && i < topK; i++ {
		min := i
		for j := i + 1; j < len(all); j++ {
			if all[j].Distance < all[min].Distance {
				min = j
			}
		}
		all[i], all[min] = all[min], all[i]
	}
	if topK < len(all) {
		all = all[:topK]
	}
	return all, nil
}

func scanCandidateRows(rows *sql.Rows) ([]candidateRow, error) {
	var out []candidateRow
	for rows.Next() {
		var cr candidateRow
		var embStr, tags sql.NullString
		var expiresAt sql.NullTime
		var ttlSeconds int64
		var maxLatencyMs, maxCost sql.NullInt64
		if err := rows.Scan(&cr.Capability.ID, &cr.Capability.OwnerDID, &cr.Capability.Description, &embStr,
			&tags, &cr.Capability.Version, &cr.Capability.EvidenceRef, &maxLatencyMs, &maxCost,
			&cr.Distance,
			&cr.Agent.DID, &cr.Agent.PublicKey, &cr.Agent.CreatedAt, &cr.Agent.LastSeenAt, &ttlSeconds, &expiresAt); err != nil {
			return nil, err
		}
		cr.Capability.Embedding = decodeEmbedding(embStr.String)
		if tags.Valid && tags.String != "" {
			cr.Capability.Tags = strings.Split(tags.String, ",")
		}
		if maxLatencyMs.Valid {
			cr.Capability.MaxLatency = time.Duration(maxLatencyMs.Int64) * time.Millisecond
		}
		if maxCost.Valid {
			cr.Capability.MaxCost = maxCost.Int64
		}
		cr.Agent.TTL = time.Duration(ttlSeconds) * time.Second
		if expiresAt.Valid {
			cr.Agent.ExpiresAt = expiresAt.Time
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}
