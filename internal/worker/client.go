package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/signing"
)

// APIError represents a non-2xx response from the dispatch API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// ErrUnauthorized is returned when the dispatch API responds with 401 or
// 403. The worker must stop because its credentials are missing or
// invalid.
var ErrUnauthorized = errors.New("unauthorized: worker key required or invalid")

// Client is a small HTTP client for the worker surface of the dispatch
// API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	workerID   string
	apiKey     string
}

// NewClient constructs a Client from the worker Config.
func NewClient(cfg *Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.APIURL,
		workerID:   cfg.WorkerID,
		apiKey:     cfg.APIKey,
	}
}

// doRequestWithContext performs an HTTP request, marshaling reqBody (if
// not nil) and unmarshaling the response into respBody (if not nil).
// Returns *APIError for non-2xx responses.
func (c *Client) doRequestWithContext(ctx context.Context, method, p string, reqBody, respBody any) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = path.Join(base.Path, p)

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return ErrUnauthorized
		}
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(respBytes, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = string(respBytes)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: msg}
	}

	if respBody != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, respBody); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// Claim asks for the next claimable job. A nil envelope with a nil error
// means the queue had nothing claimable.
func (c *Client) Claim(ctx context.Context) (*queue.Envelope, error) {
	req := map[string]string{"workerId": c.workerID}

	var resp struct {
		Job        *queue.Envelope `json:"job"`
		Idempotent bool            `json:"idempotent"`
	}
	if err := c.doRequestWithContext(ctx, http.MethodPost, "/jobs/claim", req, &resp); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("claim request failed: %w", err)
	}
	return resp.Job, nil
}

// HeartbeatResult is the server's acknowledgement of a lease extension.
type HeartbeatResult struct {
	JobID      string `json:"jobId"`
	LeaseUntil int64  `json:"leaseUntil"`
	Version    int64  `json:"version"`
}

// Heartbeat extends the lease on a claimed job.
func (c *Client) Heartbeat(ctx context.Context, jobID string) (*HeartbeatResult, error) {
	req := map[string]string{"jobId": jobID, "workerId": c.workerID}

	var resp HeartbeatResult
	if err := c.doRequestWithContext(ctx, http.MethodPost, "/jobs/heartbeat", req, &resp); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	return &resp, nil
}

// SubmitResult posts a signed result envelope. The returned status is
// the job's status after acknowledgement; changed is false when the job
// was already terminal.
func (c *Client) SubmitResult(ctx context.Context, env *signing.ResultEnvelope) (queue.Status, bool, error) {
	var resp struct {
		JobID   string       `json:"jobId"`
		Status  queue.Status `json:"status"`
		Changed bool         `json:"changed"`
	}
	if err := c.doRequestWithContext(ctx, http.MethodPost, "/jobs/result", env, &resp); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return "", false, ErrUnauthorized
		}
		return "", false, fmt.Errorf("result submission failed: %w", err)
	}
	return resp.Status, resp.Changed, nil
}
