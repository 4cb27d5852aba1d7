package crypto

import (
	"encoding/hex"
	"testing"
)

func TestKeyRing_ActiveKeySigning(t *testing.T) {
	kr := NewKeyRing()

	k1, _ := NewEd25519Signer("key1")
	k2, _ := NewEd25519Signer("key2")
	k3, _ := NewEd25519Signer("key3")

	kr.AddKey(k1)
	kr.AddKey(k2)
	kr.AddKey(k3)

	msg := []byte(`{"id":"env-1"}`)
	sig, keyID, err := kr.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if keyID != "key3" {
		t.Errorf("expected the most recently added key to sign, got %s", keyID)
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		t.Fatalf("invalid hex signature: %v", err)
	}
	valid, err := kr.VerifyKey(keyID, msg, sigBytes)
	if err != nil {
		t.Fatalf("VerifyKey failed: %v", err)
	}
	if !valid {
		t.Error("VerifyKey returned false for a freshly produced signature")
	}
}

func TestKeyRing_VerifyKey(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewEd25519Signer("key1")
	kr.AddKey(k1)

	msg := []byte("hello world")
	sigHex, err := k1.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sigBytes, _ := hex.DecodeString(sigHex)

	valid, err := kr.VerifyKey("key1", msg, sigBytes)
	if err != nil {
		t.Fatalf("VerifyKey failed: %v", err)
	}
	if !valid {
		t.Error("VerifyKey returned false")
	}

	_, err = kr.VerifyKey("unknown", msg, sigBytes)
	if err == nil {
		t.Error("VerifyKey should fail for unknown key")
	}
}

func TestKeyRing_RevokeKey(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewEd25519Signer("key1")
	k2, _ := NewEd25519Signer("key2")
	kr.AddKey(k1)
	kr.AddKey(k2)

	kr.RevokeKey("key2")

	_, keyID, err := kr.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if keyID != "key1" {
		t.Errorf("expected fallback to key1 after revoking key2, got %s", keyID)
	}
}
