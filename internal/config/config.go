// Package config provides configuration loading and validation for the
// dispatch server and its background tasks.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Port is the TCP port the server listens on (e.g. "8080").
	Port string

	// DBPath is the filesystem path to the SQLite database file, or
	// ":memory:" for tests.
	DBPath string

	// AttestationKey is the process-wide Ed25519 private key used to sign
	// job tickets. Loading it must fail the process rather than fall back
	// to an insecure default.
	AttestationKey ed25519.PrivateKey

	// AttestationPub is the matching public key. Derived from the private
	// key when ATTESTATION_PUBLIC_KEY is unset.
	AttestationPub ed25519.PublicKey

	// KeyID identifies the attestation key pair in signed tickets so keys
	// can rotate without breaking outstanding tickets.
	KeyID string

	// WorkerKeys are additional verification keys for worker result
	// envelopes, registered in the ring under their key ids.
	WorkerKeys []WorkerKey

	// WorkerHMACSecret enables legacy HMAC result verification when set.
	WorkerHMACSecret string

	// CronSecret is the bearer token required by POST /cron/tick. When
	// empty the endpoint is disabled.
	CronSecret string

	// APIKey protects the producer/admin surface (X-API-Key) when set.
	APIKey string

	// WorkerKey protects the worker surface (X-API-Key) when set.
	WorkerKey string

	// ShutdownTimeout is the budget for graceful shutdown.
	ShutdownTimeout time.Duration

	// ReaperInterval controls how often the in-process cron driver runs
	// the reaper and nonce GC.
	ReaperInterval time.Duration
}

// Load reads configuration from environment variables, applies defaults
// and validates required values.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             strings.TrimSpace(os.Getenv("DISPATCH_PORT")),
		DBPath:           strings.TrimSpace(os.Getenv("DISPATCH_DB_PATH")),
		WorkerHMACSecret: strings.TrimSpace(os.Getenv("JOB_WORKER_HMAC_SECRET")),
		CronSecret:       strings.TrimSpace(os.Getenv("CRON_SECRET")),
		APIKey:           strings.TrimSpace(os.Getenv("DISPATCH_API_KEY")),
		WorkerKey:        strings.TrimSpace(os.Getenv("DISPATCH_WORKER_KEY")),
		KeyID:            strings.TrimSpace(os.Getenv("DISPATCH_KEY_ID")),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DISPATCH_DB_PATH is required")
	}
	if cfg.KeyID == "" {
		cfg.KeyID = "attestation-1"
	}

	priv, pub, err := loadKeyPair()
	if err != nil {
		return nil, err
	}
	cfg.AttestationKey = priv
	cfg.AttestationPub = pub

	keys, err := parseWorkerKeys(os.Getenv("WORKER_PUBLIC_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.WorkerKeys = keys

	st := strings.TrimSpace(os.Getenv("DISPATCH_SHUTDOWN_TIMEOUT"))
	if st == "" {
		cfg.ShutdownTimeout = 30 * time.Second
	} else {
		d, err := time.ParseDuration(st)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	ri := strings.TrimSpace(os.Getenv("DISPATCH_REAPER_INTERVAL"))
	if ri == "" {
		cfg.ReaperInterval = 30 * time.Second
	} else {
		d, err := time.ParseDuration(ri)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_REAPER_INTERVAL: %w", err)
		}
		cfg.ReaperInterval = d
	}

	return cfg, nil
}

// WorkerKey is one worker verification key from WORKER_PUBLIC_KEYS.
type WorkerKey struct {
	ID       string
	Alg      string // "ed25519" or "secp256k1"
	Material []byte
}

// parseWorkerKeys parses WORKER_PUBLIC_KEYS: comma-separated entries of
// the form id=alg:base64, where alg is ed25519 (32-byte public key) or
// secp256k1 (33-byte compressed public key).
func parseWorkerKeys(raw string) ([]WorkerKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var keys []WorkerKey
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid WORKER_PUBLIC_KEYS entry %q: want id=alg:key", entry)
		}
		alg, encoded, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("invalid WORKER_PUBLIC_KEYS entry %q: want id=alg:key", entry)
		}
		material, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid key material for %q: %w", id, err)
		}
		switch alg {
		case "ed25519":
			if len(material) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("ed25519 key %q must decode to %d bytes, got %d",
					id, ed25519.PublicKeySize, len(material))
			}
		case "secp256k1":
			if len(material) != 33 {
				return nil, fmt.Errorf("secp256k1 key %q must decode to 33 bytes, got %d", id, len(material))
			}
		default:
			return nil, fmt.Errorf("unknown algorithm %q for key %q", alg, id)
		}
		keys = append(keys, WorkerKey{ID: strings.TrimSpace(id), Alg: alg, Material: material})
	}
	return keys, nil
}

// loadKeyPair reads the attestation key pair from the environment. The
// private key is base64: either the full 64-byte Ed25519 private key or
// the 32-byte seed.
func loadKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	encoded := strings.TrimSpace(os.Getenv("ATTESTATION_PRIVATE_KEY"))
	if encoded == "" {
		return nil, nil, fmt.Errorf("ATTESTATION_PRIVATE_KEY is required")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ATTESTATION_PRIVATE_KEY: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, nil, fmt.Errorf("ATTESTATION_PRIVATE_KEY must decode to %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	derived, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("derive attestation public key")
	}

	if encodedPub := strings.TrimSpace(os.Getenv("ATTESTATION_PUBLIC_KEY")); encodedPub != "" {
		pub, err := base64.StdEncoding.DecodeString(encodedPub)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid ATTESTATION_PUBLIC_KEY: %w", err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("ATTESTATION_PUBLIC_KEY must decode to %d bytes, got %d",
				ed25519.PublicKeySize, len(pub))
		}
		if !derived.Equal(ed25519.PublicKey(pub)) {
			return nil, nil, fmt.Errorf("ATTESTATION_PUBLIC_KEY does not match the private key")
		}
		return priv, ed25519.PublicKey(pub), nil
	}

	return priv, derived, nil
}
