// Package transport implements the Agent Transport (C5): an HTTP client
// addressing agent containers by their DNS name, with differentiated
// timeouts and response truncation. The `http://agent-{name}:8000`
// addressing convention is grounded on
// original_source/src/backend/services/agent_service/dashboard.py's
// agent_url construction.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/common/constants"
	"github.com/trinitylabs/controlplane/internal/common/stringutil"
)

// maxRetries bounds connection-reset retries on idempotent reads. Only GET
// requests retry here -- request bodies may have already been partially
// applied server-side, so a reset on a write is never safe to replay.
const maxRetries = 2

// Client talks to a single agent container over HTTP.
type Client struct {
	agentName string
	baseURL   string
	mcpKey    string
	http      *http.Client
}

// New builds a Client for agentName, addressing it at the container DNS
// name convention. mcpKey is attached as a bearer credential on every
// outbound call; pass "" for agents that accept unauthenticated calls from
// the core (the inbound direction carries no auth).
func New(agentName, mcpKey string) *Client {
	return &Client{
		agentName: agentName,
		baseURL:   fmt.Sprintf("http://agent-%s:8000", agentName),
		mcpKey:    mcpKey,
		http:      &http.Client{},
	}
}

// TaskResult is the outcome of a dispatched task.
type TaskResult struct {
	Response         string `json:"response"`
	ContextUsed      int    `json:"context_used,omitempty"`
	ContextMax       int    `json:"context_max,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	ToolCallsJSON    string `json:"-"`
	ExecutionLogJSON string `json:"-"`
}

// Health reports whether the agent's /health endpoint returns 200 within
// HealthCheckTimeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()
	_, err := c.doWithRetry(ctx, http.MethodGet, "/health", nil)
	return err
}

// Dispatch sends message to the agent's /task endpoint and waits for a
// response, up to TaskTimeout. This is the method the Scheduler and the
// Execution Queue's dispatch path call; it satisfies
// scheduler.Dispatcher.
func (c *Client) Dispatch(ctx context.Context, agentName, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.TaskTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", apierr.Internal("failed to encode task request", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/task", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var result TaskResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// The agent returned a non-JSON body; treat the raw text as the
		// response rather than failing the whole dispatch.
		return truncate(string(raw)), nil
	}
	return truncate(result.Response), nil
}

// ReadFile fetches a file's contents from the agent's workspace.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.FileOpTimeout)
	defer cancel()
	raw, err := c.doWithRetry(ctx, http.MethodGet, "/api/files?path="+path, nil)
	if err != nil {
		return "", err
	}
	return truncate(string(raw)), nil
}

// WriteFile writes contents to a file in the agent's workspace.
func (c *Client) WriteFile(ctx context.Context, path, contents string) error {
	ctx, cancel := context.WithTimeout(ctx, constants.FileOpTimeout)
	defer cancel()
	body, err := json.Marshal(map[string]string{"path": path, "contents": contents})
	if err != nil {
		return apierr.Internal("failed to encode file write request", err)
	}
	_, err = c.do(ctx, http.MethodPut, "/api/files", bytes.NewReader(body))
	return err
}

// Dashboard fetches the agent's dashboard.yaml-derived configuration.
func (c *Client) Dashboard(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.FileOpTimeout)
	defer cancel()
	return c.doWithRetry(ctx, http.MethodGet, "/api/dashboard", nil)
}

// Metrics fetches the agent's self-reported runtime metrics.
func (c *Client) Metrics(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()
	return c.doWithRetry(ctx, http.MethodGet, "/api/metrics", nil)
}

// GitStatus fetches the agent's working tree status.
func (c *Client) GitStatus(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.FileOpTimeout)
	defer cancel()
	return c.doWithRetry(ctx, http.MethodGet, "/api/git/status", nil)
}

// Plans fetches the agent's current plan documents.
func (c *Client) Plans(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.FileOpTimeout)
	defer cancel()
	return c.doWithRetry(ctx, http.MethodGet, "/api/plans", nil)
}

// doWithRetry retries GET requests up to maxRetries times on a connection
// reset. 5xx responses are returned as-is, never retried.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		raw, err := c.do(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}
		if !isConnReset(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apierr.Internal("failed to build agent request", err)
	}
	if c.mcpKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.mcpKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apierr.Wrap(apierr.KindAgentNotReachable, fmt.Sprintf("agent '%s' timed out", c.agentName), ctxErr)
		}
		return nil, apierr.AgentNotReachable(c.agentName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.AgentNotReachable(c.agentName, err)
	}

	if resp.StatusCode >= 400 {
		return nil, apierr.New(apierr.KindInternal,
			fmt.Sprintf("agent '%s' returned HTTP %d: %s", c.agentName, resp.StatusCode, truncate(string(raw)))).
			WithDetails(map[string]any{"status": resp.StatusCode, "detail": truncate(string(raw))})
	}

	return raw, nil
}

func truncate(s string) string {
	if len(s) <= constants.ResponseTruncateBytes {
		return s
	}
	return stringutil.TruncateString(s, constants.ResponseTruncateBytes) + "...[truncated]"
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
