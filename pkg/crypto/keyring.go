package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds a broker's own signing keys across a rotation, always
// signing new material with the most-recently-added (active) key while
// still accepting verification against any key that has not been revoked.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*Ed25519Signer
	order   []string
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]*Ed25519Signer)}
}

// AddKey adds a signer to the keyring, making it the active key.
func (k *KeyRing) AddKey(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.signers[s.KeyID]; !exists {
		k.order = append(k.order, s.KeyID)
	}
	k.signers[s.KeyID] = s
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
	for i, id := range k.order {
		if id == keyID {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
}

func (k *KeyRing) activeKeyID() (string, error) {
	if len(k.order) == 0 {
		return "", fmt.Errorf("no keyring keys available")
	}
	return k.order[len(k.order)-1], nil
}

// Sign signs data with the active (most recently added, non-revoked) key
// and returns the hex signature alongside the key ID used, so callers can
// stamp the wire envelope with `ed25519:<key-id>`.
func (k *KeyRing) Sign(data []byte) (sig string, keyID string, err error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keyID, err = k.activeKeyID()
	if err != nil {
		return "", "", err
	}
	sig, err = k.signers[keyID].Sign(data)
	return sig, keyID, err
}

// VerifyKey verifies a signature against one specific key in the ring.
func (k *KeyRing) VerifyKey(keyID string, message, signature []byte) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	signer, exists := k.signers[keyID]
	if !exists {
		return false, fmt.Errorf("unknown or revoked key: %s", keyID)
	}
	return signer.Verify(message, signature), nil
}

// PublicKeys returns a map from each non-revoked key ID to its hex-encoded
// public key.
func (k *KeyRing) PublicKeys() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.signers))
	keys := make([]string, len(k.order))
	copy(keys, k.order)
	sort.Strings(keys)
	for _, id := range keys {
		out[id] = k.signers[id].PublicKey()
	}
	return out
}
