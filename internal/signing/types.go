package signing

import "encoding/json"

// Ticket is the signed, immutable intent to run one job. The signature is
// detached and covers the canonical JSON of every field except
// "signature" itself.
type Ticket struct {
	JobID            string   `json:"jobId"`
	JobType          string   `json:"jobType"`
	ActorID          string   `json:"actorId"`
	Scope            []string `json:"scope,omitempty"`
	PolicyDecisionID string   `json:"policyDecisionId"`
	RequestedAt      string   `json:"requestedAt"` // RFC3339 UTC
	ExpiresAt        string   `json:"expiresAt"`   // RFC3339 UTC
	PayloadHash      string   `json:"payloadHash"` // hex SHA-256 of the canonical payload
	Nonce            string   `json:"nonce"`
	TraceID          string   `json:"traceId"`
	KeyID            string   `json:"keyId,omitempty"`
	Signature        string   `json:"signature"` // base64
}

// ResultError describes a worker-reported failure. Workers classify their
// own errors as retryable or not; the queue honors the flag but still
// enforces maxAttempts.
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Result statuses reported by workers.
const (
	ResultSuccess = "SUCCESS"
	ResultFailure = "FAILURE"
)

// ResultEnvelope is the signed acknowledgement a worker posts back after
// processing a job. The signed bytes additionally bind the stored
// ticket's payloadHash (see Signer.SignResult), so an envelope cannot be
// replayed against a different job body.
type ResultEnvelope struct {
	JobID       string          `json:"jobId"`
	WorkerID    string          `json:"workerId"`
	Status      string          `json:"status"` // SUCCESS or FAILURE
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ResultError    `json:"error,omitempty"`
	CompletedAt string          `json:"completedAt"` // RFC3339 UTC
	KeyID       string          `json:"keyId,omitempty"`
	Signature   string          `json:"signature"` // base64
}
