// Package sync implements the sync engine: the offline queue's
// batch replay, server-authoritative consensus/merge routing, and the
// server push/poll reconciliation loop. It is the only package that speaks
// HTTP to a remote federation server; policy packages (consensus, merge)
// depend on it only through the narrow RemoteEvaluator/RemoteMerger seams
// they define.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lucasnoah/gitswarm/internal/config"
	"github.com/lucasnoah/gitswarm/internal/models"
)

// defaultTimeout is the default budget for a single remote API call.
const defaultTimeout = 30 * time.Second

// Client is a thin typed wrapper over the federation server's HTTP API,
// built on net/http directly rather than a dedicated REST client library.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Client against baseURL (e.g. "https://gitswarm.example.com").
// token, if non-empty, is sent as a Bearer credential on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{baseURL: baseURL, token: token, http: &http.Client{Timeout: defaultTimeout}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sync client: encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.baseURL, "/")+path, reqBody)
	if err != nil {
		return fmt.Errorf("sync client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode >= 500 {
		return &TransportError{Err: fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("sync client: decode response: %w", err)
		}
	}
	return nil
}

// TransportError wraps a network-level failure: connection refused, DNS,
// or timeout. Callers treat it as retryable.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "sync transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError wraps a non-2xx HTTP response with status < 500: terminal,
// not retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("sync: http %d: %s", e.Code, e.Body) }

// RegisterResponse is returned by POST /repos/register.
type RegisterResponse struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
}

// RegisterRepo implements `POST /repos/register`.
func (c *Client) RegisterRepo(ctx context.Context, name string) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/repos/register", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitReview implements `POST /streams/:id/reviews`.
func (c *Client) SubmitReview(ctx context.Context, streamID string, review models.Review) error {
	return c.do(ctx, http.MethodPost, "/streams/"+streamID+"/reviews", review, nil)
}

// GetConsensus implements `GET /streams/:id/consensus`.
func (c *Client) GetConsensus(ctx context.Context, streamID string) (*models.ConsensusResult, error) {
	var out models.ConsensusResult
	if err := c.do(ctx, http.MethodGet, "/streams/"+streamID+"/consensus", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestMerge implements `POST /streams/:id/merge`.
func (c *Client) RequestMerge(ctx context.Context, streamID string) error {
	return c.do(ctx, http.MethodPost, "/streams/"+streamID+"/merge", nil, nil)
}

// BatchEvent is one queued event as shipped in a `POST /sync/batch` request.
type BatchEvent struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// BatchResult is one event's outcome as returned by `POST /sync/batch`.
type BatchResult struct {
	Seq        int64  `json:"seq"`
	Status     string `json:"status"` // "ok" | "duplicate" | "error" | "pending"
	Message    string `json:"message,omitempty"`
	Terminal   bool   `json:"terminal,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
}

// SyncBatch implements `POST /sync/batch`.
func (c *Client) SyncBatch(ctx context.Context, events []BatchEvent) ([]BatchResult, error) {
	var out struct {
		Results []BatchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/sync/batch", map[string]any{"events": events}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Update is one polled record from `GET /updates?since=`.
type Update struct {
	Kind      string          `json:"kind"` // "task_assignment" | "access_change" | "council_decision" | "plugin_result"
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// GetUpdates implements `GET /updates?since=<iso8601>`.
func (c *Client) GetUpdates(ctx context.Context, since time.Time) ([]Update, error) {
	var out struct {
		Updates []Update `json:"updates"`
	}
	path := "/updates?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Updates, nil
}

// GetConfig implements `GET /repos/:id/config`.
func (c *Client) GetConfig(ctx context.Context, repoID string) (*config.ServerConfig, error) {
	var out config.ServerConfig
	if err := c.do(ctx, http.MethodGet, "/repos/"+repoID+"/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
