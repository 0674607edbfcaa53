package models

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// keyFingerprintDomain separates key fingerprints from any other BLAKE3
// digest computed by the daemon.
const keyFingerprintDomain = "gophsso.key.fingerprint.v1"

// Key is an opaque secret able to unlock the encrypted credentials volume.
type Key []byte

// Equal compares two keys in constant time.
func (k Key) Equal(other Key) bool {
	return subtle.ConstantTimeCompare(k, other) == 1
}

// IsEmpty reports whether the key has no bytes.
func (k Key) IsEmpty() bool { return len(k) == 0 }

// Fingerprint returns a short digest suitable for logs. The key bytes
// themselves must never be logged.
func (k Key) Fingerprint() string {
	if len(k) == 0 {
		return "<empty>"
	}
	h := blake3.New()
	_, _ = h.Write([]byte(keyFingerprintDomain))
	_, _ = h.Write(k)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// String implements fmt.Stringer without revealing the key.
func (k Key) String() string { return "key:" + k.Fingerprint() }

// KeySet is a set of keys indexed by their bytes.
type KeySet map[string]Key

// Add inserts k.
func (s KeySet) Add(k Key) { s[string(k)] = k }

// Remove deletes k and reports whether it was present.
func (s KeySet) Remove(k Key) bool {
	if _, ok := s[string(k)]; !ok {
		return false
	}
	delete(s, string(k))
	return true
}

// Has reports whether k is present.
func (s KeySet) Has(k Key) bool {
	_, ok := s[string(k)]
	return ok
}

// Keys returns the members in unspecified order.
func (s KeySet) Keys() []Key {
	out := make([]Key, 0, len(s))
	for _, k := range s {
		out = append(out, k)
	}
	return out
}
