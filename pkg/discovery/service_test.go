package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *MemoryStore) {
	st := NewMemoryStore()
	weights := Weights{SimilarityWeight: 0.6, TrustWeight: 0.4}
	svc := New(st, NewCachedEmbedder(NewHashEmbedder()), weights, 0.0, 10)
	return svc, st
}

func TestService_RegisterAndSearch_FindsRegisteredAgent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()

	_, err := svc.Register(ctx, RegisterRequest{
		AgentDID:  "did:key:zAgentA",
		PublicKey: []byte{1, 2, 3},
		Capabilities: []CapabilityInput{
			{Description: "translate english to french", Tags: []string{"nlp", "translation"}, Version: "1.2.0"},
		},
		TrustSeed: &TrustVector{Aggregate: 0.9},
	})
	require.NoError(t, err)

	matches, err := svc.Search(ctx, SearchQuery{Description: "translate english to french", Limit: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "did:key:zAgentA", matches[0].AgentDID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 0.01, "identical description should be near-exact match")

	_ = store
}

func TestService_Register_RejectsBadSemver(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.Register(ctx, RegisterRequest{
		AgentDID:     "did:key:zAgentB",
		Capabilities: []CapabilityInput{{Description: "x", Version: "not-a-version"}},
	})
	assert.Error(t, err)
}

func TestService_Search_FiltersByMinTrust(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.Register(ctx, RegisterRequest{
		AgentDID:     "did:key:zLowTrust",
		Capabilities: []CapabilityInput{{Description: "summarize documents"}},
		TrustSeed:    &TrustVector{Aggregate: 0.1},
	})
	require.NoError(t, err)

	matches, err := svc.Search(ctx, SearchQuery{Description: "summarize documents", MinTrust: 0.5, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestService_Search_ExcludesExpiredAgents(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.Register(ctx, RegisterRequest{
		AgentDID:     "did:key:zExpiring",
		Capabilities: []CapabilityInput{{Description: "render images"}},
		TrustSeed:    &TrustVector{Aggregate: 0.9},
		TTL:          time.Second,
	})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	matches, err := svc.Search(ctx, SearchQuery{Description: "render images", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestService_Search_CachesResult(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()

	_, err := svc.Register(ctx, RegisterRequest{
		AgentDID:     "did:key:zCached",
		Capabilities: []CapabilityInput{{Description: "index code repositories"}},
		TrustSeed:    &TrustVector{Aggregate: 0.8},
	})
	require.NoError(t, err)

	q := SearchQuery{Description: "index code repositories", Limit: 5}
	first, err := svc.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// remove the agent directly from the store; a cache hit should still
	// return the stale result within the TTL window.
	store.mu.Lock()
	delete(store.caps, "did:key:zCached")
	store.mu.Unlock()

	second, err := svc.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashEmbedder_DeterministicAndFixedDimension(t *testing.T) {
	e := NewHashEmbedder()
	v1, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, EmbeddingDim)
}
