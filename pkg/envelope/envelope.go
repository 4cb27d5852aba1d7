// Package envelope implements the broker's wire message container: typed
// fields, canonical-JSON signing, and Ed25519 verification against a
// did:key sender identifier.
package envelope

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ainp-broker/broker/pkg/canonicalize"
	"github.com/ainp-broker/broker/pkg/crypto"
	"github.com/ainp-broker/broker/pkg/did"
)

// MsgType is the discriminator for the envelope's typed payload.
type MsgType string

const (
	MsgIntent          MsgType = "INTENT"
	MsgResult          MsgType = "RESULT"
	MsgNegotiate       MsgType = "NEGOTIATE"
	MsgAdvertise       MsgType = "ADVERTISE"
	MsgDiscover        MsgType = "DISCOVER"
	MsgDiscoverResult  MsgType = "DISCOVER_RESULT"
	MsgNotification    MsgType = "NOTIFICATION"
)

var validMsgTypes = map[MsgType]bool{
	MsgIntent: true, MsgResult: true, MsgNegotiate: true, MsgAdvertise: true,
	MsgDiscover: true, MsgDiscoverResult: true, MsgNotification: true,
}

// MailProducingTypes are msg_types that, once routed, are persisted to the
// mail store (§4.5 step 2).
var MailProducingTypes = map[MsgType]bool{
	MsgIntent: true, MsgResult: true, MsgNotification: true,
}

// Envelope is the canonical wire object described in spec §6.
type Envelope struct {
	Version   int             `json:"version"`
	ID        string          `json:"id"`
	TraceID   string          `json:"trace_id"`
	FromDID   string          `json:"from_did"`
	ToDID     string          `json:"to_did,omitempty"`
	MsgType   MsgType         `json:"msg_type"`
	TTL       int64           `json:"ttl"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// Sentinel errors mapped to HTTP status + error code at the handler
// boundary (spec §7).
var (
	ErrMalformedDID     = errors.New("MALFORMED_DID")
	ErrUnsupportedDID   = errors.New("UNSUPPORTED_DID")
	ErrBadSignature     = errors.New("BAD_SIGNATURE")
	ErrSignatureMissing = errors.New("SIGNATURE_MISSING")
	ErrExpiredOrFuture  = errors.New("EXPIRED_OR_FUTURE")
	ErrUnknownMsgType   = errors.New("UNKNOWN_MSG_TYPE")
)

// signingCopy removes the signature field before canonicalization so the
// signature never signs over itself.
type signingCopy struct {
	Version   int             `json:"version"`
	ID        string          `json:"id"`
	TraceID   string          `json:"trace_id"`
	FromDID   string          `json:"from_did"`
	ToDID     string          `json:"to_did,omitempty"`
	MsgType   MsgType         `json:"msg_type"`
	TTL       int64           `json:"ttl"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// CanonicalBytes returns the deterministic, signature-excluded JCS bytes
// that are hashed and signed (spec §4.1).
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	cp := signingCopy{
		Version: e.Version, ID: e.ID, TraceID: e.TraceID, FromDID: e.FromDID,
		ToDID: e.ToDID, MsgType: e.MsgType, TTL: e.TTL, Timestamp: e.Timestamp,
		Payload: e.Payload,
	}
	return canonicalize.JCS(cp)
}

// ContentHash is the SHA-256 hex digest over the canonical bytes.
func (e *Envelope) ContentHash() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}

// Sign computes the canonical hash and signs it with s, storing the result
// as the envelope's hex signature.
func (e *Envelope) Sign(s crypto.Signer) error {
	b, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := s.Sign(b)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// ValidateShape checks the envelope's structural invariants independent of
// signature verification: known msg_type, non-expired TTL window.
func (e *Envelope) ValidateShape(now time.Time, skew time.Duration) error {
	if !validMsgTypes[e.MsgType] {
		return fmt.Errorf("%w: %s", ErrUnknownMsgType, e.MsgType)
	}
	ts := time.UnixMilli(e.Timestamp)
	deadline := ts.Add(time.Duration(e.TTL) * time.Millisecond)
	if deadline.Before(now) {
		return fmt.Errorf("%w: timestamp+ttl before now", ErrExpiredOrFuture)
	}
	if ts.After(now.Add(skew)) {
		return fmt.Errorf("%w: timestamp beyond allowed skew", ErrExpiredOrFuture)
	}
	return nil
}

// VerifySignature recovers the sender's public key from FromDID and checks
// the signature over the canonical payload. testBypassSentinel, when
// non-empty and matching e.Signature, short-circuits verification — used
// only by designated test profiles (spec §4.1).
func (e *Envelope) VerifySignature(testBypassSentinel string) error {
	if e.Signature == "" {
		return ErrSignatureMissing
	}
	if testBypassSentinel != "" && e.Signature == testBypassSentinel {
		return nil
	}
	pub, err := did.Decode(e.FromDID)
	if err != nil {
		if errors.Is(err, did.ErrUnsupportedDID) {
			return fmt.Errorf("%w: %v", ErrUnsupportedDID, err)
		}
		return fmt.Errorf("%w: %v", ErrMalformedDID, err)
	}
	canon, err := e.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("%w: canonicalization failed: %v", ErrBadSignature, err)
	}
	ok, err := crypto.Verify(fmt.Sprintf("%x", []byte(pub)), e.Signature, canon)
	if err != nil || !ok {
		return ErrBadSignature
	}
	return nil
}
