package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_PublishConsumeOrdering(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	subject := Subject(CategoryIntents, "did:key:zB")

	seq1, err := b.Publish(ctx, subject, []byte("m1"))
	require.NoError(t, err)
	seq2, err := b.Publish(ctx, subject, []byte("m2"))
	require.NoError(t, err)
	assert.Less(t, seq1, seq2)

	msgs, err := b.Consume(ctx, subject, "consumer-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("m1"), msgs[0].Data)
	assert.Equal(t, []byte("m2"), msgs[1].Data)
}

func TestMemoryBroker_ConsumeResumesAfterSeq(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	subject := Subject(CategoryResults, "did:key:zC")

	_, _ = b.Publish(ctx, subject, []byte("m1"))
	seq2, _ := b.Publish(ctx, subject, []byte("m2"))
	_, _ = b.Publish(ctx, subject, []byte("m3"))

	msgs, err := b.Consume(ctx, subject, "consumer-1", seq2, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("m3"), msgs[0].Data)
}

func TestMemoryBroker_DifferentSubjectsDoNotInterfere(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	a := Subject(CategoryIntents, "did:key:zA")
	c := Subject(CategoryIntents, "did:key:zC")

	_, _ = b.Publish(ctx, a, []byte("for-a"))
	msgs, err := b.Consume(ctx, c, "consumer-1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
