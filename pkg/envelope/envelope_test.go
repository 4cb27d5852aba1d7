package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainp-broker/broker/pkg/crypto"
	"github.com/ainp-broker/broker/pkg/did"
)

func newSignedEnvelope(t *testing.T) (*Envelope, *crypto.Ed25519Signer) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	from, err := did.Encode(signer.PublicKeyBytes())
	require.NoError(t, err)

	e := &Envelope{
		Version:   1,
		ID:        "E1",
		TraceID:   "T1",
		FromDID:   from,
		ToDID:     "did:key:zRecipient",
		MsgType:   MsgIntent,
		TTL:       300_000,
		Timestamp: time.Now().UnixMilli(),
		Payload:   json.RawMessage(`{"semantics":{"conversation_id":"c1"}}`),
	}
	require.NoError(t, e.Sign(signer))
	return e, signer
}

func TestEnvelope_SignVerify_RoundTrip(t *testing.T) {
	e, _ := newSignedEnvelope(t)
	assert.NoError(t, e.VerifySignature(""))
}

func TestEnvelope_TamperedPayload_FailsVerification(t *testing.T) {
	e, _ := newSignedEnvelope(t)
	e.Payload = json.RawMessage(`{"semantics":{"conversation_id":"tampered"}}`)
	assert.ErrorIs(t, e.VerifySignature(""), ErrBadSignature)
}

func TestEnvelope_MissingSignature(t *testing.T) {
	e, _ := newSignedEnvelope(t)
	e.Signature = ""
	assert.ErrorIs(t, e.VerifySignature(""), ErrSignatureMissing)
}

func TestEnvelope_UnsupportedDIDScheme(t *testing.T) {
	e, _ := newSignedEnvelope(t)
	e.FromDID = "did:web:example.com"
	assert.ErrorIs(t, e.VerifySignature(""), ErrUnsupportedDID)
}

func TestEnvelope_TestBypassSentinel(t *testing.T) {
	e, _ := newSignedEnvelope(t)
	e.Signature = "TEST_BYPASS_SIGNATURE"
	assert.NoError(t, e.VerifySignature("TEST_BYPASS_SIGNATURE"))
}

func TestEnvelope_ValidateShape_TTLBoundaries(t *testing.T) {
	// Timestamps are whole milliseconds, so now must be too for
	// timestamp+ttl to land exactly on it.
	now := time.UnixMilli(time.Now().UnixMilli())
	e := &Envelope{MsgType: MsgIntent, Timestamp: now.UnixMilli(), TTL: 0}
	assert.NoError(t, e.ValidateShape(now, time.Minute), "timestamp+ttl == now is accepted")

	e.Timestamp = now.Add(-time.Millisecond).UnixMilli()
	assert.ErrorIs(t, e.ValidateShape(now, time.Minute), ErrExpiredOrFuture)
}

func TestEnvelope_ValidateShape_UnknownMsgType(t *testing.T) {
	now := time.Now()
	e := &Envelope{MsgType: "BOGUS", Timestamp: now.UnixMilli(), TTL: 1000}
	assert.ErrorIs(t, e.ValidateShape(now, time.Minute), ErrUnknownMsgType)
}

func TestEnvelope_CanonicalBytes_Deterministic(t *testing.T) {
	e, _ := newSignedEnvelope(t)
	b1, err := e.CanonicalBytes()
	require.NoError(t, err)
	b2, err := e.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}
