package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLLedger implements Ledger over database/sql. It runs against both
// Postgres (`$1` placeholders, real `FOR UPDATE`) and the SQLite Lite Mode
// path — SQLite serializes writers itself, so `FOR UPDATE` is accepted but
// a no-op there; the transaction boundary still gives us the atomicity
// spec §4.4 requires.
type SQLLedger struct {
	db        *sql.DB
	placeholder func(n int) string
}

// NewSQLLedger builds a ledger against db. driver selects $-style
// (Postgres) or ?-style (SQLite) placeholders.
func NewSQLLedger(db *sql.DB, driver string) *SQLLedger {
	if driver == "postgres" {
		return &SQLLedger{db: db, placeholder: dollarPlaceholder}
	}
	return &SQLLedger{db: db, placeholder: questionPlaceholder}
}

func dollarPlaceholder(n int) string  { return fmt.Sprintf("$%d", n) }
func questionPlaceholder(int) string  { return "?" }

const creditSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	agent_did TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0,
	reserved BIGINT NOT NULL DEFAULT 0,
	earned BIGINT NOT NULL DEFAULT 0,
	spent BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	agent_did TEXT NOT NULL,
	type TEXT NOT NULL,
	kind TEXT,
	amount BIGINT NOT NULL,
	intent_ref TEXT,
	proof_ref TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS credit_tx_idempotency
	ON credit_transactions (agent_did, type, intent_ref)
	WHERE intent_ref IS NOT NULL AND intent_ref <> '';
`

// Init creates the schema if it does not already exist.
func (l *SQLLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, creditSchema)
	return err
}

func (l *SQLLedger) CreateAccount(ctx context.Context, agentDID string, initial int64) (Account, error) {
	now := time.Now().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`INSERT INTO credit_accounts (agent_did, balance, reserved, earned, spent, created_at, updated_at)
		VALUES (%s, %s, 0, 0, 0, %s, %s)`,
		l.placeholder(1), l.placeholder(2), l.placeholder(3), l.placeholder(4))
	if _, err := tx.ExecContext(ctx, q, agentDID, initial, now, now); err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("credit: create account: %w", err)
	}

	if initial != 0 {
		if err := l.insertTx(ctx, tx, agentDID, TxDeposit, "initial_allocation", initial, "", "", nil, now); err != nil {
			return Account{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Account{}, err
	}
	return Account{AgentDID: agentDID, Balance: initial, CreatedAt: now, UpdatedAt: now}, nil
}

func (l *SQLLedger) GetAccount(ctx context.Context, agentDID string) (Account, error) {
	q := fmt.Sprintf(`SELECT agent_did, balance, reserved, earned, spent, created_at, updated_at
		FROM credit_accounts WHERE agent_did = %s`, l.placeholder(1))
	row := l.db.QueryRowContext(ctx, q, agentDID)
	return scanAccount(row)
}

// lockAccount selects the account row FOR UPDATE within tx, serializing
// concurrent mutations to the same agent (spec §4.4, §5 "row-level
// locks").
func (l *SQLLedger) lockAccount(ctx context.Context, tx *sql.Tx, agentDID string) (Account, error) {
	q := fmt.Sprintf(`SELECT agent_did, balance, reserved, earned, spent, created_at, updated_at
		FROM credit_accounts WHERE agent_did = %s FOR UPDATE`, l.placeholder(1))
	row := tx.QueryRowContext(ctx, q, agentDID)
	acct, err := scanAccount(row)
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (l *SQLLedger) updateAccount(ctx context.Context, tx *sql.Tx, a Account) error {
	q := fmt.Sprintf(`UPDATE credit_accounts SET balance=%s, reserved=%s, earned=%s, spent=%s, updated_at=%s
		WHERE agent_did=%s`,
		l.placeholder(1), l.placeholder(2), l.placeholder(3), l.placeholder(4), l.placeholder(5), l.placeholder(6))
	_, err := tx.ExecContext(ctx, q, a.Balance, a.Reserved, a.Earned, a.Spent, a.UpdatedAt, a.AgentDID)
	return err
}

func (l *SQLLedger) insertTx(ctx context.Context, tx *sql.Tx, agentDID string, typ TxType, kind string, amount int64, intentRef, proofRef string, metadata map[string]any, now time.Time) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("credit: marshal metadata: %w", err)
		}
	}
	q := fmt.Sprintf(`INSERT INTO credit_transactions (id, agent_did, type, kind, amount, intent_ref, proof_ref, metadata, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		l.placeholder(1), l.placeholder(2), l.placeholder(3), l.placeholder(4), l.placeholder(5),
		l.placeholder(6), l.placeholder(7), l.placeholder(8), l.placeholder(9))
	_, err := tx.ExecContext(ctx, q, uuid.NewString(), agentDID, string(typ), kind, amount, nullIfEmpty(intentRef), nullIfEmpty(proofRef), string(metaJSON), now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIntent
		}
		return fmt.Errorf("credit: insert transaction: %w", err)
	}
	return nil
}

func (l *SQLLedger) Deposit(ctx context.Context, agentDID string, amount int64, intentRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(a *Account) (TxType, string, int64, string, error) {
		a.Balance += amount
		return TxDeposit, "", amount, intentRef, nil
	})
}

func (l *SQLLedger) Reserve(ctx context.Context, agentDID string, amount int64, intentRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(a *Account) (TxType, string, int64, string, error) {
		if a.Balance-a.Reserved < amount {
			return "", "", 0, "", ErrInsufficientBalance
		}
		a.Reserved += amount
		return TxReserve, "", amount, intentRef, nil
	})
}

func (l *SQLLedger) Release(ctx context.Context, agentDID string, reservedAmt, spentAmt int64, intentRef string) (Account, error) {
	if reservedAmt < 0 || spentAmt < 0 || spentAmt > reservedAmt {
		return Account{}, ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(a *Account) (TxType, string, int64, string, error) {
		if a.Reserved < reservedAmt {
			return "", "", 0, "", ErrInsufficientReserved
		}
		a.Reserved -= reservedAmt
		a.Balance -= spentAmt
		a.Spent += spentAmt
		return TxRelease, "", reservedAmt, intentRef, nil
	})
}

func (l *SQLLedger) Earn(ctx context.Context, agentDID string, amount int64, kind, intentRef, proofRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	return l.mutateFull(ctx, agentDID, func(a *Account) (TxType, string, int64, string, string, map[string]any, error) {
		a.Balance += amount
		a.Earned += amount
		return TxEarn, kind, amount, intentRef, proofRef, nil, nil
	})
}

func (l *SQLLedger) Spend(ctx context.Context, agentDID string, amount int64, metadata map[string]any, intentRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	return l.mutateFull(ctx, agentDID, func(a *Account) (TxType, string, int64, string, string, map[string]any, error) {
		if a.Balance-a.Reserved < amount {
			return "", "", 0, "", "", nil, ErrInsufficientBalance
		}
		a.Balance -= amount
		a.Spent += amount
		return TxSpend, "", amount, intentRef, "", metadata, nil
	})
}

// mutate is the common path for operations that carry no kind/proof/metadata.
func (l *SQLLedger) mutate(ctx context.Context, agentDID string, fn func(a *Account) (TxType, string, int64, string, error)) (Account, error) {
	return l.mutateFull(ctx, agentDID, func(a *Account) (TxType, string, int64, string, string, map[string]any, error) {
		typ, kind, amt, ref, err := fn(a)
		return typ, kind, amt, ref, "", nil, err
	})
}

func (l *SQLLedger) mutateFull(ctx context.Context, agentDID string, fn func(a *Account) (typ TxType, kind string, amount int64, intentRef, proofRef string, metadata map[string]any, err error)) (Account, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := l.lockAccount(ctx, tx, agentDID)
	if err != nil {
		return Account{}, err
	}

	typ, kind, amount, intentRef, proofRef, metadata, err := fn(&acct)
	if err != nil {
		return Account{}, err
	}
	acct.UpdatedAt = time.Now().UTC()

	if err := l.insertTx(ctx, tx, agentDID, typ, kind, amount, intentRef, proofRef, metadata, acct.UpdatedAt); err != nil {
		return Account{}, err
	}
	if err := l.invariantCheck(acct); err != nil {
		return Account{}, err
	}
	if err := l.updateAccount(ctx, tx, acct); err != nil {
		return Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// invariantCheck enforces spec §4.4's "Invariants after every commit":
// balance >= 0, reserved >= 0, balance >= reserved, earned >= 0, spent >= 0.
// A violation is a programmer fault (spec §7): the caller should log at
// fatal level and return 500 INTERNAL rather than surface this as input
// validation, since the pre-condition checks above should have prevented
// it from ever being reached.
func (l *SQLLedger) invariantCheck(a Account) error {
	if a.Balance < 0 || a.Reserved < 0 || a.Balance < a.Reserved || a.Earned < 0 || a.Spent < 0 {
		return fmt.Errorf("credit: invariant violation for %s: balance=%d reserved=%d earned=%d spent=%d",
			a.AgentDID, a.Balance, a.Reserved, a.Earned, a.Spent)
	}
	return nil
}

func (l *SQLLedger) ListTransactions(ctx context.Context, agentDID string, limit int) ([]Transaction, error) {
	q := fmt.Sprintf(`SELECT id, agent_did, type, kind, amount, intent_ref, proof_ref, metadata, created_at
		FROM credit_transactions WHERE agent_did = %s ORDER BY created_at DESC LIMIT %s`,
		l.placeholder(1), l.placeholder(2))
	rows, err := l.db.QueryContext(ctx, q, agentDID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var kind, intentRef, proofRef, metaJSON sql.NullString
		var typ string
		if err := rows.Scan(&t.ID, &t.AgentDID, &typ, &kind, &t.Amount, &intentRef, &proofRef, &metaJSON, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TxType(typ)
		t.Kind = kind.String
		t.IntentRef = intentRef.String
		t.ProofRef = proofRef.String
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.AgentDID, &a.Balance, &a.Reserved, &a.Earned, &a.Spent, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches both Postgres's lib/pq error text and SQLite's
// modernc.org/sqlite constraint error text; both drivers are exercised by
// Lite Mode vs. production (spec §1.2).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "unique") || contains(msg, "duplicate key") || contains(msg, "UNIQUE constraint")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			match := true
			for j := 0; j < len(substr); j++ {
				a, b := s[i+j], substr[j]
				if 'A' <= a && a <= 'Z' {
					a += 'a' - 'A'
				}
				if 'A' <= b && b <= 'Z' {
					b += 'a' - 'A'
				}
				if a != b {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
		return false
	})()
}
