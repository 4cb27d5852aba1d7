// Package did resolves and mints did:key identifiers for Ed25519 agent
// identities: did:key:z<multibase-base58btc>, where the decoded bytes are
// the two-byte multicodec prefix 0xED 0x01 followed by 32 raw public-key
// bytes.
package did

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	didScheme     = "did:"
	keyMethod     = "did:key:"
	prefix        = "did:key:z"
	multicodecHi  = 0xED
	multicodecLo  = 0x01
	encodedKeyLen = 2 + ed25519.PublicKeySize
)

// ErrUnsupportedDID is returned for a syntactically valid DID that names a
// method or key encoding this broker doesn't implement (any method other
// than did:key, or a did:key multicodec other than Ed25519), matching
// spec's UNSUPPORTED_DID error code.
var ErrUnsupportedDID = errors.New("UNSUPPORTED_DID")

// ErrMalformedDID is returned when the identifier isn't a DID at all, or
// claims to be a did:key but its multibase/base58 encoding is corrupt,
// matching spec's MALFORMED_DID error code.
var ErrMalformedDID = errors.New("MALFORMED_DID")

// Encode builds a did:key identifier from an Ed25519 public key.
func Encode(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: invalid ed25519 public key length %d", ErrUnsupportedDID, len(pub))
	}
	buf := make([]byte, 0, encodedKeyLen)
	buf = append(buf, multicodecHi, multicodecLo)
	buf = append(buf, pub...)
	return prefix + base58.Encode(buf), nil
}

// Decode recovers the Ed25519 public key embedded in a did:key identifier.
// A string that isn't a DID at all, or a did:key whose multibase/base58
// encoding is corrupt, fails with ErrMalformedDID. A syntactically valid
// DID of another method, or a did:key using a non-Ed25519 multicodec,
// fails with ErrUnsupportedDID.
func Decode(id string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(id, didScheme) {
		return nil, fmt.Errorf("%w: not a did: identifier: %s", ErrMalformedDID, id)
	}
	if !strings.HasPrefix(id, keyMethod) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDID, id)
	}
	if !strings.HasPrefix(id, prefix) {
		return nil, fmt.Errorf("%w: unsupported multibase encoding: %s", ErrUnsupportedDID, id)
	}
	encoded := strings.TrimPrefix(id, prefix)
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base58btc: %v", ErrMalformedDID, err)
	}
	if len(raw) != encodedKeyLen {
		return nil, fmt.Errorf("%w: unexpected decoded length %d", ErrMalformedDID, len(raw))
	}
	if raw[0] != multicodecHi || raw[1] != multicodecLo {
		return nil, fmt.Errorf("%w: unsupported multicodec prefix %x%x", ErrUnsupportedDID, raw[0], raw[1])
	}
	return ed25519.PublicKey(raw[2:]), nil
}
