package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Reason codes carried by VerifyError. They match the wire-level error
// codes returned by the HTTP surfaces.
const (
	CodeBadSignature   = "BAD_SIGNATURE"
	CodeTicketExpired  = "TICKET_EXPIRED"
	CodeBadPayloadHash = "BAD_PAYLOAD_HASH"
)

// VerifyError reports why a ticket or result failed verification.
type VerifyError struct {
	Code   string
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Signer produces detached signatures with one private key and verifies
// against a KeyRing. Key material is process-wide and read-only after
// init; loading it is the caller's problem and must fail the process
// rather than fall back to an insecure default.
type Signer struct {
	keyID string
	alg   Algorithm
	ed    ed25519.PrivateKey
	ec    *secp256k1.PrivateKey
	ring  *KeyRing
}

// NewEd25519Signer constructs a Signer over an Ed25519 private key.
func NewEd25519Signer(keyID string, priv ed25519.PrivateKey, ring *KeyRing) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	if ring == nil {
		return nil, fmt.Errorf("key ring is required")
	}
	return &Signer{keyID: keyID, alg: AlgEd25519, ed: priv, ring: ring}, nil
}

// NewSecp256k1Signer constructs a Signer over a secp256k1 private key.
func NewSecp256k1Signer(keyID string, priv *secp256k1.PrivateKey, ring *KeyRing) (*Signer, error) {
	if priv == nil {
		return nil, fmt.Errorf("secp256k1 private key is required")
	}
	if ring == nil {
		return nil, fmt.Errorf("key ring is required")
	}
	return &Signer{keyID: keyID, alg: AlgSecp256k1, ec: priv, ring: ring}, nil
}

// KeyID returns the identifier stamped into signed tickets and envelopes.
func (s *Signer) KeyID() string { return s.keyID }

// Ring exposes the verification key ring.
func (s *Signer) Ring() *KeyRing { return s.ring }

func (s *Signer) sign(msg []byte) ([]byte, error) {
	switch s.alg {
	case AlgEd25519:
		return ed25519.Sign(s.ed, msg), nil
	case AlgSecp256k1:
		digest := sha256.Sum256(msg)
		// SignCompact yields [recovery, r, s]; the ring accepts both the
		// 65-byte and the stripped 64-byte form.
		return ecdsa.SignCompact(s.ec, digest[:], true), nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", s.alg)
	}
}

// signingBytes returns the canonical bytes of v with the signature field
// removed and any extra fields merged in.
func signingBytes(v any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	delete(m, "signature")
	for k, val := range extra {
		m[k] = val
	}
	return Canonicalize(m)
}

// SignTicket stamps the signer's key id into the ticket and populates the
// detached signature over every other field.
func (s *Signer) SignTicket(t *Ticket) error {
	t.KeyID = s.keyID
	msg, err := signingBytes(t, nil)
	if err != nil {
		return fmt.Errorf("ticket signing bytes: %w", err)
	}
	sig, err := s.sign(msg)
	if err != nil {
		return err
	}
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyTicket recomputes the canonical bytes and checks the detached
// signature and the expiry. A ticket at exactly expiresAt is rejected.
func (s *Signer) VerifyTicket(t *Ticket, now time.Time) error {
	msg, err := signingBytes(t, nil)
	if err != nil {
		return &VerifyError{Code: CodeBadSignature, Reason: err.Error()}
	}
	sig, err := base64.StdEncoding.DecodeString(t.Signature)
	if err != nil {
		return &VerifyError{Code: CodeBadSignature, Reason: "signature is not valid base64"}
	}
	if err := s.ring.Verify(t.KeyID, msg, sig); err != nil {
		return &VerifyError{Code: CodeBadSignature, Reason: err.Error()}
	}

	exp, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		return &VerifyError{Code: CodeBadSignature, Reason: "invalid expiresAt"}
	}
	if !now.Before(exp) {
		return &VerifyError{Code: CodeTicketExpired, Reason: fmt.Sprintf("ticket expired at %s", t.ExpiresAt)}
	}
	return nil
}

// VerifyTicketPayload checks that the canonical payload hashes to the
// value the ticket was signed over.
func (s *Signer) VerifyTicketPayload(t *Ticket, canonicalPayload []byte) error {
	if PayloadHash(canonicalPayload) != t.PayloadHash {
		return &VerifyError{Code: CodeBadPayloadHash, Reason: "payload hash does not match ticket"}
	}
	return nil
}

// SignResult signs a result envelope. The stored ticket's payloadHash is
// folded into the signed bytes so the envelope is bound to the exact job
// body the worker processed, without shipping the hash on the wire twice.
func (s *Signer) SignResult(env *ResultEnvelope, payloadHash string) error {
	env.KeyID = s.keyID
	msg, err := signingBytes(env, map[string]any{"payloadHash": payloadHash})
	if err != nil {
		return fmt.Errorf("result signing bytes: %w", err)
	}
	sig, err := s.sign(msg)
	if err != nil {
		return err
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyResult checks a result envelope against the stored ticket it
// acknowledges. A forged envelope referencing a different job, or a body
// with a different payload hash, fails with BAD_SIGNATURE.
func (s *Signer) VerifyResult(env *ResultEnvelope, stored *Ticket) error {
	if env.JobID != stored.JobID {
		return &VerifyError{Code: CodeBadSignature, Reason: "envelope does not reference the stored ticket"}
	}
	if env.Status != ResultSuccess && env.Status != ResultFailure {
		return &VerifyError{Code: CodeBadSignature, Reason: fmt.Sprintf("unknown result status %q", env.Status)}
	}
	msg, err := signingBytes(env, map[string]any{"payloadHash": stored.PayloadHash})
	if err != nil {
		return &VerifyError{Code: CodeBadSignature, Reason: err.Error()}
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return &VerifyError{Code: CodeBadSignature, Reason: "signature is not valid base64"}
	}
	if err := s.ring.Verify(env.KeyID, msg, sig); err != nil {
		return &VerifyError{Code: CodeBadSignature, Reason: err.Error()}
	}
	return nil
}
