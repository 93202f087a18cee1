package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pakt/pakt/internal/hash"
)

// Keyring holds the HMAC keys trusted to sign manifest hashes and the
// active signing key id. Key storage and rotation live outside the
// kernel; the keyring only consumes configured key material.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("signing keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active signing key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active signing key id %q is not configured", activeKeyID)
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID}, nil
}

func (k *Keyring) ActiveKeyID() string {
	return k.activeKeyID
}

// Sign produces a keyed MAC over a manifest hash with the active key.
func (k *Keyring) Sign(manifestHash hash.Digest) (string, string, error) {
	key := k.keys[k.activeKeyID]
	return hmacHex(key, manifestHash), k.activeKeyID, nil
}

// Verify checks a signature over a manifest hash against the named key.
// Comparison is constant-time.
func (k *Keyring) Verify(manifestHash hash.Digest, signature, keyID string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("signature key id is required")
	}
	key, ok := k.keys[keyID]
	if !ok {
		return fmt.Errorf("signature key id %q is not trusted", keyID)
	}
	expected := hmacHex(key, manifestHash)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch for manifest %s under key %s", manifestHash, keyID)
	}
	return nil
}

func hmacHex(key []byte, manifestHash hash.Digest) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(manifestHash))
	return hex.EncodeToString(mac.Sum(nil))
}
