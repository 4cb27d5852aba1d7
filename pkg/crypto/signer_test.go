package crypto

import "testing"

func TestSigner_Integrity(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	payload := []byte(`{"id":"env-123","sender":"did:key:z6Mk..."}`)

	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if sig == "" {
		t.Error("Signature empty")
	}

	valid, err := Verify(signer.PublicKey(), sig, payload)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("Valid payload rejected")
	}

	tampered := []byte(`{"id":"env-123","sender":"did:key:zTampered"}`)
	valid, _ = Verify(signer.PublicKey(), sig, tampered)
	if valid {
		t.Error("Tampered payload accepted")
	}
}
