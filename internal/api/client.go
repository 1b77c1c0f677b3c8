// Package api talks to the scheduler server: it fetches due executions and
// pushes execution status reports.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Header names sent on every request
const (
	HeaderToken  = "token"
	HeaderRunner = "runner"
)

// DefaultTimeout bounds a single request to the scheduler
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept for the error
const maxErrorBody = 512

// ErrUnexpectedStatus matches every *StatusError
var ErrUnexpectedStatus = errors.New("unexpected response status")

// StatusError is returned for a non-2xx response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Is makes errors.Is(err, ErrUnexpectedStatus) true
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Client is safe for concurrent use; it holds no per-request state.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a scheduler API client with connection pooling.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
		logger: logger.With("component", "api"),
	}
}

// FetchDueExecutions calls GET /api/v1/execs.
func (c *Client) FetchDueExecutions(ctx context.Context) ([]Execution, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/execs", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch executions: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch executions: %w", err)
	}

	var execs []Execution
	if err := json.NewDecoder(resp.Body).Decode(&execs); err != nil {
		return nil, fmt.Errorf("fetch executions: decode response: %w", err)
	}
	return execs, nil
}

// ReportStatus calls POST /api/v1/execs/{id}. It returns true only for a 2xx
// response whose body is {"result": true}; every failure collapses to false.
func (c *Client) ReportStatus(ctx context.Context, execID string, status ExecutionStatus) bool {
	body, err := json.Marshal(StatusUpdate{Status: status})
	if err != nil {
		c.logger.Error("encode status update", "exec_id", execID, "error", err)
		return false
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/execs/"+url.PathEscape(execID), body)
	if err != nil {
		c.logger.Warn("status update failed", "exec_id", execID, "status", status.Value, "error", err)
		return false
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		c.logger.Warn("status update rejected", "exec_id", execID, "status", status.Value, "error", err)
		return false
	}

	var result UpdateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Warn("status update: malformed response", "exec_id", execID, "error", err)
		return false
	}
	if !result.Result {
		c.logger.Info("status update refused by server", "exec_id", execID, "status", status.Value)
	}
	return result.Result
}

// do executes an HTTP request with the runner headers applied.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderToken, c.token)
	req.Header.Set(HeaderRunner, "Client")

	return c.httpClient.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
