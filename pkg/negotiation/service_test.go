package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/ainp-broker/broker/pkg/credit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReceipts struct {
	created bool
	amount  int64
}

func (s *stubReceipts) CreatePending(_ context.Context, taskID, intentID, providerDID, clientDID string, amountAtomic int64, validatorDID string) error {
	s.created = true
	s.amount = amountAtomic
	return nil
}

func newTestService(t *testing.T) (*Service, *credit.MemoryLedger, *stubReceipts) {
	t.Helper()
	ledger := credit.NewMemoryLedger()
	receipts := &stubReceipts{}
	svc := New(NewMemoryStore(), ledger, receipts, true, 10, 5*time.Minute, 0.9)
	return svc, ledger, receipts
}

// Scenario 3 of spec §8: A initiates at 100, B counters 80, A counters
// 90, B accepts; settle with the default incentive split.
func TestService_FullNegotiationCycle(t *testing.T) {
	ctx := context.Background()
	svc, ledger, receipts := newTestService(t)

	_, err := ledger.CreateAccount(ctx, "did:key:zA", 1_000_000)
	require.NoError(t, err)
	_, err = ledger.CreateAccount(ctx, "did:key:zB", 0)
	require.NoError(t, err)

	sess, err := svc.Initiate(ctx, "intent-1", "did:key:zA", "did:key:zB", map[string]any{"price_atomic_units": int64(100_000)}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, sess.State)

	sess, err = svc.Propose(ctx, sess.ID, "did:key:zB", map[string]any{"price_atomic_units": int64(80_000)})
	require.NoError(t, err)
	assert.Equal(t, StateProposed, sess.State)
	firstConvergence := sess.Convergence

	sess, err = svc.Propose(ctx, sess.ID, "did:key:zA", map[string]any{"price_atomic_units": int64(90_000)})
	require.NoError(t, err)
	assert.Equal(t, StateCounterProposed, sess.State)
	assert.GreaterOrEqual(t, sess.Convergence, firstConvergence, "convergence must be non-decreasing after each counter")

	sess, err = svc.Accept(ctx, sess.ID, "did:key:zB")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, sess.State)
	assert.Equal(t, int64(90_000), sess.ReservedAmount)

	acctA, err := ledger.GetAccount(ctx, "did:key:zA")
	require.NoError(t, err)
	assert.Equal(t, int64(90_000), acctA.Reserved)

	sess, err = svc.Settle(ctx, sess.ID, "did:key:zB", "")
	require.NoError(t, err)

	acctA, err = ledger.GetAccount(ctx, "did:key:zA")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acctA.Reserved)
	assert.Equal(t, int64(90_000), acctA.Spent)

	acctB, err := ledger.GetAccount(ctx, "did:key:zB")
	require.NoError(t, err)
	assert.Equal(t, int64(63_000), acctB.Balance, "provider share: 0.7 * 90000")

	assert.True(t, receipts.created)
	assert.Equal(t, int64(90_000), receipts.amount)
}

func TestService_AcceptByLatestProposerRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	sess, err := svc.Initiate(ctx, "intent-2", "did:key:zA", "did:key:zB", map[string]any{"price_atomic_units": int64(100)}, 0, 0)
	require.NoError(t, err)

	sess, err = svc.Propose(ctx, sess.ID, "did:key:zB", map[string]any{"price_atomic_units": int64(90)})
	require.NoError(t, err)

	_, err = svc.Accept(ctx, sess.ID, "did:key:zB")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestService_SamePartyTwiceRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	sess, err := svc.Initiate(ctx, "intent-3", "did:key:zA", "did:key:zB", map[string]any{"price_atomic_units": int64(100)}, 0, 0)
	require.NoError(t, err)

	_, err = svc.Propose(ctx, sess.ID, "did:key:zA", map[string]any{"price_atomic_units": int64(95)})
	assert.ErrorIs(t, err, ErrSamePartyTwice)
}

func TestService_MaxRoundsExceeded(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	sess, err := svc.Initiate(ctx, "intent-4", "did:key:zA", "did:key:zB", map[string]any{"price_atomic_units": int64(100)}, 2, 0)
	require.NoError(t, err)

	sess, err = svc.Propose(ctx, sess.ID, "did:key:zB", map[string]any{"price_atomic_units": int64(90)})
	require.NoError(t, err)

	_, err = svc.Propose(ctx, sess.ID, "did:key:zA", map[string]any{"price_atomic_units": int64(95)})
	assert.ErrorIs(t, err, ErrMaxRounds)
}

func TestService_NotAParticipantRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	sess, err := svc.Initiate(ctx, "intent-5", "did:key:zA", "did:key:zB", map[string]any{"price_atomic_units": int64(100)}, 0, 0)
	require.NoError(t, err)

	_, err = svc.Propose(ctx, sess.ID, "did:key:zStranger", map[string]any{"price_atomic_units": int64(95)})
	assert.ErrorIs(t, err, ErrNotAParticipant)
}

func TestService_ExpiredSessionRejectsActions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	sess, err := svc.Initiate(ctx, "intent-6", "did:key:zA", "did:key:zB", map[string]any{"price_atomic_units": int64(100)}, 0, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = svc.Propose(ctx, sess.ID, "did:key:zB", map[string]any{"price_atomic_units": int64(90)})
	assert.ErrorIs(t, err, ErrExpired)

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
}

func TestService_InitiatorEqualsResponderRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.Initiate(ctx, "intent-7", "did:key:zA", "did:key:zA", nil, 0, 0)
	assert.ErrorIs(t, err, ErrInitiatorEqualsResponder)
}

func TestConvergence_MonotoneNonDecreasingTowardAgreement(t *testing.T) {
	p1 := Proposal{Terms: map[string]any{"price_atomic_units": int64(100)}}
	p2 := Proposal{Terms: map[string]any{"price_atomic_units": int64(80)}}
	p3 := Proposal{Terms: map[string]any{"price_atomic_units": int64(90)}}

	c1 := computeConvergence(p1, p2, 0)
	c2 := computeConvergence(p2, p3, c1)
	assert.GreaterOrEqual(t, c2, c1)
}
