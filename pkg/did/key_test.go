package did

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	id, err := Encode(pub)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if id[:9] != "did:key:z" {
		t.Fatalf("unexpected did prefix: %s", id)
	}

	got, err := Decode(id)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.Equal(pub) {
		t.Errorf("decoded key does not match original")
	}
}

func TestDecode_UnsupportedScheme(t *testing.T) {
	_, err := Decode("did:web:example.com")
	if !errors.Is(err, ErrUnsupportedDID) {
		t.Errorf("expected ErrUnsupportedDID, got %v", err)
	}
}

func TestDecode_BadMulticodec(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	// Right length for an Ed25519 did:key, but with the secp256k1
	// multicodec prefix 0xE7 0x01 instead of 0xED 0x01.
	raw := append([]byte{0xE7, 0x01}, pub...)
	_, err := Decode("did:key:z" + base58.Encode(raw))
	if !errors.Is(err, ErrUnsupportedDID) {
		t.Errorf("expected ErrUnsupportedDID, got %v", err)
	}
}

func TestDecode_NotADID(t *testing.T) {
	_, err := Decode("not-a-did-at-all")
	if !errors.Is(err, ErrMalformedDID) {
		t.Errorf("expected ErrMalformedDID, got %v", err)
	}
}

func TestDecode_BadBase58(t *testing.T) {
	_, err := Decode("did:key:z0OIl")
	if !errors.Is(err, ErrMalformedDID) {
		t.Errorf("expected ErrMalformedDID, got %v", err)
	}
}

func TestDecode_WrongDecodedLength(t *testing.T) {
	_, err := Decode("did:key:z1111")
	if !errors.Is(err, ErrMalformedDID) {
		t.Errorf("expected ErrMalformedDID, got %v", err)
	}
}
