package mail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliver_ThreadAndContactRollup(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	err := svc.Deliver(ctx, DeliverInput{
		EnvelopeID: "E1", ConversationID: "C1", SenderDID: "did:key:zA",
		Recipients: []string{"did:key:zB"}, Subject: "hi", Body: "hello", CreatedAt: now,
	})
	require.NoError(t, err)

	thread, msgs, err := svc.Thread(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)
	assert.ElementsMatch(t, []string{"did:key:zA", "did:key:zB"}, thread.Participants)
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].BodyHash)

	mutual, err := svc.AreMutualContacts(ctx, "did:key:zA", "did:key:zB")
	require.NoError(t, err)
	assert.True(t, mutual)
}

func TestDeliver_DuplicateEnvelopeIsRejected(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	in := DeliverInput{EnvelopeID: "E1", ConversationID: "C1", SenderDID: "did:key:zA", Recipients: []string{"did:key:zB"}, CreatedAt: time.Now()}

	require.NoError(t, svc.Deliver(ctx, in))
	err := svc.Deliver(ctx, in)
	assert.ErrorIs(t, err, ErrDuplicateEnvelope)

	thread, _, err := svc.Thread(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
}

func TestMarkRead_UpdatesThreadUnreadCount(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.Deliver(ctx, DeliverInput{
		EnvelopeID: "E1", ConversationID: "C1", SenderDID: "did:key:zA",
		Recipients: []string{"did:key:zB"}, CreatedAt: time.Now(),
	}))

	require.NoError(t, svc.MarkRead(ctx, "did:key:zB", "E1", true))
	thread, _, err := svc.Thread(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 0, thread.UnreadCount)

	// Idempotent: marking read again does not double-decrement.
	require.NoError(t, svc.MarkRead(ctx, "did:key:zB", "E1", true))
	thread, _, err = svc.Thread(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 0, thread.UnreadCount)
}

func TestLabel_AddAndRemove(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.Deliver(ctx, DeliverInput{
		EnvelopeID: "E1", ConversationID: "C1", SenderDID: "did:key:zA",
		Recipients: []string{"did:key:zB"}, CreatedAt: time.Now(),
	}))
	require.NoError(t, svc.Label(ctx, "did:key:zB", "E1", []string{"important"}, nil))

	_, msgs, err := svc.Thread(ctx, "C1")
	require.NoError(t, err)
	assert.Contains(t, msgs[0].Labels, "important")

	require.NoError(t, svc.Label(ctx, "did:key:zB", "E1", nil, []string{"important"}))
	_, msgs, err = svc.Thread(ctx, "C1")
	require.NoError(t, err)
	assert.NotContains(t, msgs[0].Labels, "important")
}
