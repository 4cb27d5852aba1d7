package credit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger used by unit tests and any caller
// that wants the exact semantics of SQLLedger without a database — the
// invariant and idempotency checks are identical, only the storage medium
// differs. Not suitable for multi-process deployment.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]Account
	txByKey  map[string]bool // (agent, type, intent_ref) idempotency index
	txs      map[string][]Transaction
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]Account),
		txByKey:  make(map[string]bool),
		txs:      make(map[string][]Transaction),
	}
}

func idempotencyKey(agentDID string, typ TxType, intentRef string) string {
	if intentRef == "" {
		return ""
	}
	return string(typ) + "|" + agentDID + "|" + intentRef
}

func (l *MemoryLedger) CreateAccount(_ context.Context, agentDID string, initial int64) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[agentDID]; ok {
		return Account{}, ErrAccountExists
	}
	now := time.Now().UTC()
	a := Account{AgentDID: agentDID, Balance: initial, CreatedAt: now, UpdatedAt: now}
	l.accounts[agentDID] = a
	if initial != 0 {
		l.appendTx(agentDID, TxDeposit, "initial_allocation", initial, "", "", nil, now)
	}
	return a, nil
}

func (l *MemoryLedger) GetAccount(_ context.Context, agentDID string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentDID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (l *MemoryLedger) Deposit(_ context.Context, agentDID string, amount int64, intentRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentDID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if err := l.reserveKey(agentDID, TxDeposit, intentRef); err != nil {
		return Account{}, err
	}
	a.Balance += amount
	a.UpdatedAt = time.Now().UTC()
	if err := checkInvariants(a); err != nil {
		return Account{}, err
	}
	l.accounts[agentDID] = a
	l.appendTx(agentDID, TxDeposit, "", amount, intentRef, "", nil, a.UpdatedAt)
	return a, nil
}

func (l *MemoryLedger) Reserve(_ context.Context, agentDID string, amount int64, intentRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentDID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if a.Balance-a.Reserved < amount {
		return Account{}, ErrInsufficientBalance
	}
	if err := l.reserveKey(agentDID, TxReserve, intentRef); err != nil {
		return Account{}, err
	}
	a.Reserved += amount
	a.UpdatedAt = time.Now().UTC()
	l.accounts[agentDID] = a
	l.appendTx(agentDID, TxReserve, "", amount, intentRef, "", nil, a.UpdatedAt)
	return a, nil
}

func (l *MemoryLedger) Release(_ context.Context, agentDID string, reservedAmt, spentAmt int64, intentRef string) (Account, error) {
	if reservedAmt < 0 || spentAmt < 0 || spentAmt > reservedAmt {
		return Account{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentDID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if a.Reserved < reservedAmt {
		return Account{}, ErrInsufficientReserved
	}
	if err := l.reserveKey(agentDID, TxRelease, intentRef); err != nil {
		return Account{}, err
	}
	a.Reserved -= reservedAmt
	a.Balance -= spentAmt
	a.Spent += spentAmt
	a.UpdatedAt = time.Now().UTC()
	if err := checkInvariants(a); err != nil {
		return Account{}, err
	}
	l.accounts[agentDID] = a
	l.appendTx(agentDID, TxRelease, "", reservedAmt, intentRef, "", nil, a.UpdatedAt)
	return a, nil
}

func (l *MemoryLedger) Earn(_ context.Context, agentDID string, amount int64, kind, intentRef, proofRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentDID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if err := l.reserveKey(agentDID, TxEarn, intentRef); err != nil {
		return Account{}, err
	}
	a.Balance += amount
	a.Earned += amount
	a.UpdatedAt = time.Now().UTC()
	l.accounts[agentDID] = a
	l.appendTx(agentDID, TxEarn, kind, amount, intentRef, proofRef, nil, a.UpdatedAt)
	return a, nil
}

func (l *MemoryLedger) Spend(_ context.Context, agentDID string, amount int64, metadata map[string]any, intentRef string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentDID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if a.Balance-a.Reserved < amount {
		return Account{}, ErrInsufficientBalance
	}
	if err := l.reserveKey(agentDID, TxSpend, intentRef); err != nil {
		return Account{}, err
	}
	a.Balance -= amount
	a.Spent += amount
	a.UpdatedAt = time.Now().UTC()
	l.accounts[agentDID] = a
	l.appendTx(agentDID, TxSpend, "", amount, intentRef, "", metadata, a.UpdatedAt)
	return a, nil
}

func (l *MemoryLedger) ListTransactions(_ context.Context, agentDID string, limit int) ([]Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.txs[agentDID]
	out := make([]Transaction, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// reserveKey must be called under l.mu.
func (l *MemoryLedger) reserveKey(agentDID string, typ TxType, intentRef string) error {
	key := idempotencyKey(agentDID, typ, intentRef)
	if key == "" {
		return nil
	}
	if l.txByKey[key] {
		return ErrDuplicateIntent
	}
	l.txByKey[key] = true
	return nil
}

// appendTx must be called under l.mu.
func (l *MemoryLedger) appendTx(agentDID string, typ TxType, kind string, amount int64, intentRef, proofRef string, metadata map[string]any, now time.Time) {
	l.txs[agentDID] = append(l.txs[agentDID], Transaction{
		ID: uuid.NewString(), AgentDID: agentDID, Type: typ, Kind: kind, Amount: amount,
		IntentRef: intentRef, ProofRef: proofRef, Metadata: metadata, CreatedAt: now,
	})
}

func checkInvariants(a Account) error {
	if a.Balance < 0 || a.Reserved < 0 || a.Balance < a.Reserved || a.Earned < 0 || a.Spent < 0 {
		return ErrInsufficientBalance
	}
	return nil
}
