package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Algorithm identifies a signature scheme accepted by the verifier.
type Algorithm string

const (
	// AlgEd25519 is the primary scheme; signatures cover the raw
	// canonical bytes.
	AlgEd25519 Algorithm = "ed25519"

	// AlgSecp256k1 is accepted for workers on constrained hardware that
	// only ship an EC implementation. Signatures are compact (r||s, with
	// an optional leading recovery byte) over the SHA-256 of the
	// canonical bytes.
	AlgSecp256k1 Algorithm = "secp256k1"

	// AlgHMACSHA256 is the legacy shared-secret scheme, kept for workers
	// that have not migrated to asymmetric keys.
	AlgHMACSHA256 Algorithm = "hmac-sha256"
)

type verifyKey struct {
	alg    Algorithm
	ed     ed25519.PublicKey
	ec     *secp256k1.PublicKey
	secret []byte
}

// KeyRing holds the public keys (and legacy secrets) the verifier trusts,
// indexed by key identifier. Tickets and envelopes carry a keyId so keys
// can rotate without breaking outstanding tickets; an empty keyId selects
// the default key.
type KeyRing struct {
	keys      map[string]verifyKey
	defaultID string
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]verifyKey)}
}

// AddEd25519 registers an Ed25519 public key under the given id. The
// first key added becomes the default.
func (r *KeyRing) AddEd25519(id string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	r.add(id, verifyKey{alg: AlgEd25519, ed: pub})
	return nil
}

// AddSecp256k1 registers a compressed (33-byte) secp256k1 public key.
func (r *KeyRing) AddSecp256k1(id string, compressed []byte) error {
	pub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return fmt.Errorf("parse secp256k1 public key: %w", err)
	}
	r.add(id, verifyKey{alg: AlgSecp256k1, ec: pub})
	return nil
}

// AddHMAC registers a legacy shared secret.
func (r *KeyRing) AddHMAC(id string, secret []byte) {
	r.add(id, verifyKey{alg: AlgHMACSHA256, secret: secret})
}

func (r *KeyRing) add(id string, k verifyKey) {
	if len(r.keys) == 0 {
		r.defaultID = id
	}
	r.keys[id] = k
}

// Verify checks sig over the canonical message bytes using the key
// registered under keyID. An unknown keyID fails closed.
func (r *KeyRing) Verify(keyID string, msg, sig []byte) error {
	if keyID == "" {
		keyID = r.defaultID
	}
	k, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("unknown key id %q", keyID)
	}

	switch k.alg {
	case AlgEd25519:
		if !ed25519.Verify(k.ed, msg, sig) {
			return fmt.Errorf("ed25519 signature mismatch")
		}
	case AlgSecp256k1:
		// Accept 64-byte r||s or 65-byte compact (leading recovery byte).
		if len(sig) == 65 {
			sig = sig[1:]
		}
		if len(sig) != 64 {
			return fmt.Errorf("secp256k1 signature must be 64 or 65 bytes, got %d", len(sig))
		}
		var rr, ss secp256k1.ModNScalar
		if rr.SetByteSlice(sig[:32]) || ss.SetByteSlice(sig[32:]) {
			return fmt.Errorf("secp256k1 signature scalar overflow")
		}
		digest := sha256.Sum256(msg)
		if !ecdsa.NewSignature(&rr, &ss).Verify(digest[:], k.ec) {
			return fmt.Errorf("secp256k1 signature mismatch")
		}
	case AlgHMACSHA256:
		mac := hmac.New(sha256.New, k.secret)
		mac.Write(msg)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return fmt.Errorf("hmac mismatch")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", k.alg)
	}
	return nil
}
