package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shellpod/shellpod/internal/breaker"
)

// Breaker names, one independent breaker per guarded call path. Keys are
// prefixed with the instance name so a single misbehaving instance cannot
// open the breaker for its neighbours.
const (
	breakerHealth  = "health"
	breakerControl = "control"
	breakerData    = "session-data"
)

// HealthStatus is the syncer status record relayed verbatim by the agent's
// health endpoint.
type HealthStatus struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	UserPath string `json:"user_path"`
}

// Client talks to one instance's internal control API. Every call goes
// through a circuit breaker and is bounded by the breaker layer's call
// timeout.
type Client struct {
	name     string
	endpoint string
	breakers *breaker.Registry
	http     *http.Client
}

// NewClient builds a control client for the named instance. The endpoint
// comes from Orchestrator.InstanceEndpoint.
func NewClient(name, endpoint string, breakers *breaker.Registry) *Client {
	return &Client{
		name:     name,
		endpoint: "http://" + endpoint,
		breakers: breakers,
		// No client-level timeout: the breaker layer bounds every call and
		// abandons stragglers.
		http: &http.Client{},
	}
}

func (c *Client) breakerName(path string) string {
	return c.name + "/" + path
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// Health performs the active probe. This can wake a hibernated instance;
// use SafeStatus for routine polling.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	return breaker.Call(ctx, c.breakers, c.breakerName(breakerHealth), func(ctx context.Context) (*HealthStatus, error) {
		resp, err := c.doRequest(ctx, "GET", "/health", nil)
		if err != nil {
			return nil, fmt.Errorf("health: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("health: HTTP %d", resp.StatusCode)
		}
		var hs HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
			return nil, fmt.Errorf("health: decode: %w", err)
		}
		return &hs, nil
	})
}

// GetBucketName reads the bucket the instance believes it is bound to.
func (c *Client) GetBucketName(ctx context.Context) (string, error) {
	return breaker.Call(ctx, c.breakers, c.breakerName(breakerControl), func(ctx context.Context) (string, error) {
		resp, err := c.doRequest(ctx, "GET", "/_internal/getBucketName", nil)
		if err != nil {
			return "", fmt.Errorf("get bucket name: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("get bucket name: HTTP %d", resp.StatusCode)
		}
		var out struct {
			Bucket string `json:"bucket"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("get bucket name: decode: %w", err)
		}
		return out.Bucket, nil
	})
}

// SetBinding pushes bucket credentials, endpoint, tab configuration and
// sync-mode preference into the instance.
func (c *Client) SetBinding(ctx context.Context, b Binding) error {
	_, err := breaker.Call(ctx, c.breakers, c.breakerName(breakerControl), func(ctx context.Context) (struct{}, error) {
		resp, err := c.doRequest(ctx, "POST", "/_internal/setBucketName", b)
		if err != nil {
			return struct{}{}, fmt.Errorf("set binding: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			return struct{}{}, fmt.Errorf("set binding: HTTP %d: %s", resp.StatusCode, string(body))
		}
		return struct{}{}, nil
	})
	return err
}

// SetSessionID updates the session id the instance reports in its records.
func (c *Client) SetSessionID(ctx context.Context, sessionID string) error {
	_, err := breaker.Call(ctx, c.breakers, c.breakerName(breakerData), func(ctx context.Context) (struct{}, error) {
		resp, err := c.doRequest(ctx, "PUT", "/_internal/setSessionId", map[string]string{"session_id": sessionID})
		if err != nil {
			return struct{}{}, fmt.Errorf("set session id: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("set session id: HTTP %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}

// SafeStatus is the two-phase probe: a non-waking inspect first, then the
// active health probe only when the inspect already reports the instance
// up. Routine status polling must never cause a cold start.
func SafeStatus(ctx context.Context, orch Orchestrator, breakers *breaker.Registry, name string) (string, *HealthStatus, error) {
	state, err := orch.InstanceStatus(ctx, name)
	if err != nil {
		return StateUnknown, nil, err
	}
	if state != StateRunning && state != StateHealthy {
		return state, nil, nil
	}

	endpoint, err := orch.InstanceEndpoint(ctx, name)
	if err != nil {
		return state, nil, nil
	}
	hs, err := NewClient(name, endpoint, breakers).Health(ctx)
	if err != nil {
		// Inspect says running but the agent is unreachable; report the
		// inspect state and let the breaker isolate the probe path.
		return state, nil, nil
	}
	// The agent answers as soon as its server is up; the instance is only
	// ready once the workspace sync pipeline has settled.
	if hs.Status == "success" || hs.Status == "skipped" {
		return StateHealthy, hs, nil
	}
	return state, hs, nil
}
