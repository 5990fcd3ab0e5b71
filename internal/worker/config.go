// Package worker implements the reference polling worker: an HTTP
// client for the claim/heartbeat/result surface, a poll loop with
// exponential backoff, and a pluggable handler registry keyed by job
// type.
package worker

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds worker configuration values loaded from environment.
type Config struct {
	APIURL   string
	WorkerID string

	// APIKey is sent as X-API-Key when the server's worker surface is
	// protected.
	APIKey string

	// SigningKey signs result envelopes. The server must have the
	// matching public key registered under KeyID.
	SigningKey ed25519.PrivateKey
	KeyID      string

	// PollInterval is the base delay between empty claim attempts; the
	// poll backoff grows from here.
	PollInterval time.Duration

	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
}

// LoadConfig reads configuration from environment variables and
// validates them.
//
// Required env vars:
//
//	DISPATCH_API_URL
//	WORKER_SIGNING_KEY (base64, 32-byte seed or 64-byte private key)
//
// Optional env vars:
//
//	WORKER_ID (auto-generated if empty)
//	WORKER_KEY_ID (default: worker-1)
//	DISPATCH_WORKER_KEY
//	WORKER_POLL_INTERVAL (default: 2s)
func LoadConfig() (*Config, error) {
	apiURL := os.Getenv("DISPATCH_API_URL")
	if apiURL == "" {
		return nil, fmt.Errorf("missing required environment variable DISPATCH_API_URL")
	}
	if err := validateURL(apiURL); err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_API_URL: %w", err)
	}

	key, err := loadSigningKey()
	if err != nil {
		return nil, err
	}

	keyID := os.Getenv("WORKER_KEY_ID")
	if keyID == "" {
		keyID = "worker-1"
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		id, err := autoGenerateWorkerID()
		if err != nil {
			return nil, fmt.Errorf("failed to auto-generate WORKER_ID: %w", err)
		}
		workerID = id
	}

	pollInterval := 2 * time.Second
	if v := os.Getenv("WORKER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL: %w", err)
		}
		pollInterval = d
	}

	return &Config{
		APIURL:        apiURL,
		WorkerID:      workerID,
		APIKey:        os.Getenv("DISPATCH_WORKER_KEY"),
		SigningKey:    key,
		KeyID:         keyID,
		PollInterval:  pollInterval,
		RetryMinDelay: 1 * time.Second,
		RetryMaxDelay: 5 * time.Minute,
	}, nil
}

func loadSigningKey() (ed25519.PrivateKey, error) {
	encoded := os.Getenv("WORKER_SIGNING_KEY")
	if encoded == "" {
		return nil, fmt.Errorf("missing required environment variable WORKER_SIGNING_KEY")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_SIGNING_KEY: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("WORKER_SIGNING_KEY must decode to %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must include scheme and host")
	}
	return nil
}

// autoGenerateWorkerID builds an id using hostname and random bytes.
func autoGenerateWorkerID() (string, error) {
	hn, _ := os.Hostname()
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("worker-%s-%s", sanitizeHostname(hn), hex.EncodeToString(b)), nil
}

// sanitizeHostname keeps hostname safe for use in IDs.
func sanitizeHostname(h string) string {
	if h == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(h))
	for _, r := range h {
		if r == ' ' || r == '/' || r == '\\' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
