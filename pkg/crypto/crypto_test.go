package crypto

import "testing"

func TestCanonicalMarshal_KeyOrderIndependent(t *testing.T) {
	m1 := map[string]int{"a": 1, "b": 2}
	m2 := map[string]int{"b": 2, "a": 1}

	b1, err := CanonicalMarshal(m1)
	if err != nil {
		t.Fatalf("CanonicalMarshal failed: %v", err)
	}
	b2, err := CanonicalMarshal(m2)
	if err != nil {
		t.Fatalf("CanonicalMarshal failed: %v", err)
	}

	if string(b1) != string(b2) {
		t.Errorf("maps with different key insertion order produced different canonical bytes: %q vs %q", b1, b2)
	}
}

func TestEd25519Signer_SignVerify(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	data := []byte("hello world")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	pubKey := signer.PublicKey()

	valid, err := Verify(pubKey, sig, data)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("Signature verification failed")
	}

	valid, _ = Verify(pubKey, sig, []byte("hello world modified"))
	if valid {
		t.Error("Tampered data should not verify")
	}
}
