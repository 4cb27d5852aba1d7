package receipt

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEligibility struct {
	candidates []CandidateAgent
}

func (f *fakeEligibility) EligibleCommitteeAgents(_ context.Context, excludeDIDs ...string) ([]CandidateAgent, error) {
	excluded := map[string]bool{}
	for _, d := range excludeDIDs {
		excluded[d] = true
	}
	var out []CandidateAgent
	for _, c := range f.candidates {
		if !excluded[c.DID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func futureCandidates(n int) []CandidateAgent {
	out := make([]CandidateAgent, n)
	for i := 0; i < n; i++ {
		out[i] = CandidateAgent{DID: string(rune('a' + i)), TrustScore: 0.5, ExpiresAt: time.Now().Add(time.Hour)}
	}
	return out
}

func TestSelectCommittee_ExcludesExpiredAndDeterministic(t *testing.T) {
	candidates := futureCandidates(8)
	candidates = append(candidates, CandidateAgent{DID: "expired", TrustScore: 0.99, ExpiresAt: time.Now().Add(-time.Hour)})

	c1, k1 := SelectCommittee(candidates, "seed-1", 5, 3, false, time.Now())
	c2, k2 := SelectCommittee(candidates, "seed-1", 5, 3, false, time.Now())

	assert.Equal(t, c1, c2)
	assert.Equal(t, k1, k2)
	assert.Len(t, c1, 5)
	for _, did := range c1 {
		assert.NotEqual(t, "expired", did)
	}
}

func TestSelectCommittee_DifferentSeedsDifferentOrder(t *testing.T) {
	candidates := futureCandidates(8)
	c1, _ := SelectCommittee(candidates, "seed-a", 5, 3, false, time.Now())
	c2, _ := SelectCommittee(candidates, "seed-b", 5, 3, false, time.Now())
	assert.NotEqual(t, c1, c2)
}

func TestSelectCommittee_FewerThanMScalesQuorum(t *testing.T) {
	candidates := futureCandidates(2)
	committee, k := SelectCommittee(candidates, "seed", 5, 3, false, time.Now())
	assert.Len(t, committee, 2)
	assert.Equal(t, 2, k) // ceil(2*3/5) = 2
}

func newTestService(t *testing.T, eligibility EligibilityProvider) (*Service, Store) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, eligibility, nil, 5, 3, false, slog.Default())
	return svc, store
}

func TestService_CreatePendingSelectsCommittee(t *testing.T) {
	svc, store := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})

	err := svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, "")
	require.NoError(t, err)

	r, err := store.GetReceipt(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Len(t, r.Committee, 5)
}

func TestService_SubmitAttestation_RejectsUnauthorizedClientType(t *testing.T) {
	svc, store := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})
	require.NoError(t, svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, ""))

	_, err := svc.SubmitAttestation(context.Background(), SubmitAttestationInput{
		TaskID: "task-1", Attestor: "did:key:zClient", Type: AttestAuditPass,
	})
	assert.ErrorIs(t, err, ErrUnauthorizedAttestor)

	_, err = store.GetReceipt(context.Background(), "task-1")
	require.NoError(t, err)
}

func TestService_SubmitAttestation_ClientCanAccept(t *testing.T) {
	svc, _ := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})
	require.NoError(t, svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, ""))

	att, err := svc.SubmitAttestation(context.Background(), SubmitAttestationInput{
		TaskID: "task-1", Attestor: "did:key:zClient", Type: AttestAccepted, Score: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, AttestAccepted, att.Type)
}

func TestService_SubmitAttestation_DuplicateRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})
	require.NoError(t, svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, ""))

	_, err := svc.SubmitAttestation(context.Background(), SubmitAttestationInput{TaskID: "task-1", Attestor: "did:key:zClient", Type: AttestAccepted})
	require.NoError(t, err)
	_, err = svc.SubmitAttestation(context.Background(), SubmitAttestationInput{TaskID: "task-1", Attestor: "did:key:zClient", Type: AttestAccepted})
	assert.ErrorIs(t, err, ErrDuplicateAttestation)
}

func TestService_Finalize_QuorumReached(t *testing.T) {
	svc, store := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})
	require.NoError(t, svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, ""))

	r, err := store.GetReceipt(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, r.Committee, 5)

	for i := 0; i < r.QuorumK; i++ {
		_, err := svc.SubmitAttestation(context.Background(), SubmitAttestationInput{
			TaskID: "task-1", Attestor: r.Committee[i], Type: AttestAuditPass, Score: 0.8,
		})
		require.NoError(t, err)
	}

	final, err := svc.Finalize(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, final.Status)
	assert.False(t, final.FinalizedAt.IsZero())

	rep, ok, err := store.GetReputation(context.Background(), "did:key:zProvider")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, rep.Q, 0.0)
}

func TestService_Finalize_DisputedOnRejects(t *testing.T) {
	svc, store := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})
	require.NoError(t, svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, ""))

	r, err := store.GetReceipt(context.Background(), "task-1")
	require.NoError(t, err)

	for i := 0; i < DisputeThreshold; i++ {
		_, err := svc.SubmitAttestation(context.Background(), SubmitAttestationInput{
			TaskID: "task-1", Attestor: r.Committee[i], Type: AttestReject,
		})
		require.NoError(t, err)
	}

	final, err := svc.Finalize(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, final.Status)
}

func TestService_Finalize_AlreadyTerminalIsNoop(t *testing.T) {
	svc, store := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})
	require.NoError(t, svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, ""))

	r, _ := store.GetReceipt(context.Background(), "task-1")
	for i := 0; i < r.QuorumK; i++ {
		_, _ = svc.SubmitAttestation(context.Background(), SubmitAttestationInput{TaskID: "task-1", Attestor: r.Committee[i], Type: AttestAuditPass, Score: 1})
	}
	_, err := svc.Finalize(context.Background(), "task-1")
	require.NoError(t, err)

	_, err = svc.Finalize(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestFinalizer_RunOnce_SweepsPendingReceipts(t *testing.T) {
	svc, store := newTestService(t, &fakeEligibility{candidates: futureCandidates(6)})
	require.NoError(t, svc.CreatePending(context.Background(), "task-1", "intent-1", "did:key:zProvider", "did:key:zClient", 1000, ""))

	r, _ := store.GetReceipt(context.Background(), "task-1")
	for i := 0; i < r.QuorumK; i++ {
		_, _ = svc.SubmitAttestation(context.Background(), SubmitAttestationInput{TaskID: "task-1", Attestor: r.Committee[i], Type: AttestAuditPass, Score: 0.7})
	}

	finalizer := NewFinalizer(svc, store, slog.Default())
	require.NoError(t, finalizer.RunOnce(context.Background()))

	got, err := store.GetReceipt(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, got.Status)
}
