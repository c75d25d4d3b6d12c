package garage

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

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the garage server (e.g. "http://localhost:7001").
	BaseURL string

	// HTTPClient is optional. If nil, a client with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual requests. Defaults to 2 minutes, since
	// a plan run blocks until every step finishes.
	Timeout time.Duration
}

// Client talks to one garage server. Safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client. BaseURL is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("garage: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// RunPlan executes plan against hdo and returns the final HDO. When a step
// fails for good the error carries a RunFailure; see AsRunFailure.
func (c *Client) RunPlan(ctx context.Context, plan Plan, hdo HDO, call *CallContext) (*HDO, error) {
	var out HDO
	if err := c.post(ctx, "/v1/orchestra/run", runPlanRequest{Plan: plan, HDO: hdo, CallContext: call}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Invoke makes one standalone delegated call. Failures are written to the
// master error log and surface as an AgentFailure; see AsAgentFailure.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	var out InvokeResponse
	if err := c.post(ctx, "/v1/orchestra/invoke", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Active lists in-flight invocations.
func (c *Client) Active(ctx context.Context) (*ActiveResponse, error) {
	var out ActiveResponse
	if err := c.get(ctx, "/v1/orchestra/active", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agents lists registered agents.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	if err := c.get(ctx, "/v1/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListErrors queries the master error log, newest first.
func (c *Client) ListErrors(ctx context.Context, f ErrorFilters) (*ErrorList, error) {
	params := url.Values{}
	if f.ProcessID != "" {
		params.Set("process_id", f.ProcessID)
	}
	if f.AgentID != "" {
		params.Set("agent_id", f.AgentID)
	}
	if f.Severity != "" {
		params.Set("severity", f.Severity)
	}
	if f.Unresolved {
		params.Set("unresolved", "true")
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/errors"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out ErrorList
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetError fetches one error record.
func (c *Client) GetError(ctx context.Context, id uuid.UUID) (*ErrorRecord, error) {
	var out ErrorRecord
	if err := c.get(ctx, "/v1/errors/"+id.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveError marks a record resolved. Resolving twice returns a conflict
// error (IsConflict).
func (c *Client) ResolveError(ctx context.Context, id uuid.UUID, resolvedBy, notes string) (*ErrorRecord, error) {
	var out ErrorRecord
	body := resolveRequest{ResolvedBy: resolvedBy, Notes: notes}
	if err := c.post(ctx, "/v1/errors/"+id.String()+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Info describes the server, its agent routes and registered agents.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var out Info
	if err := c.get(ctx, "/info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the server's health. A 503 (unhealthy) is returned as an
// error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("garage: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("garage: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("garage: create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("garage: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("garage: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, body)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("garage: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("garage: response has no data")
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("garage: decode response data: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
