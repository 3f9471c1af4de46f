package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/status"
)

// DefaultBaseURL is where a locally served instance listens.
const DefaultBaseURL = "http://127.0.0.1:7620"

// Client talks to a running server. The out-of-process CLI commands go
// through it.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for the server at baseURL. An empty baseURL
// means the default local address.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL returns the server address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestError is a non-2xx response decoded into the error envelope.
// Code carries the server's error code for robot output passthrough.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	Hint       string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return &RequestError{
				StatusCode: resp.StatusCode,
				Code:       apiErr.ErrorCode,
				Message:    apiErr.Error,
				Hint:       apiErr.Hint,
			}
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Healthy reports whether the server answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil) == nil
}

// Submit queues one task on the server and returns its id.
func (c *Client) Submit(ctx context.Context, source, target, payload string) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	req := submitRequest{Target: target, Payload: payload, Source: source}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Status fetches the server's status snapshot.
func (c *Client) Status(ctx context.Context) (status.SystemSnapshot, error) {
	var resp struct {
		Status status.SystemSnapshot `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
		return status.SystemSnapshot{}, err
	}
	return resp.Status, nil
}

// Log fetches up to limit records with sequence numbers greater than
// from, optionally filtered to one target identity.
func (c *Client) Log(ctx context.Context, from uint64, limit int, target string) ([]msglog.Message, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if target != "" {
		q.Set("target", target)
	}
	path := "/api/v1/log"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp struct {
		Messages []msglog.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Stop asks the server to stop the dispatcher, draining the backlog
// first when drain is set.
func (c *Client) Stop(ctx context.Context, drain bool) error {
	return c.do(ctx, http.MethodPost, "/api/v1/stop", stopRequest{Drain: drain}, nil)
}

// Spawn registers and prestarts sessions for the given identities.
func (c *Client) Spawn(ctx context.Context, identities []string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/spawn", spawnRequest{Identities: identities}, nil)
}
