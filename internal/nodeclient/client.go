// Package nodeclient is the panel-side RPC client for node agents, plus
// the wire types both sides share.
package nodeclient

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

	"github.com/sethvargo/go-retry"

	"github.com/vahid162/Smite/internal/database"
)

// ApplyRequest asks a node to materialize one tunnel endpoint.
type ApplyRequest struct {
	TunnelID string           `json:"tunnel_id"`
	Core     string           `json:"core"`
	Mode     string           `json:"mode"`
	Spec     database.SpecMap `json:"spec"`
}

// RemoveRequest asks a node to tear an endpoint down.
type RemoveRequest struct {
	TunnelID string `json:"tunnel_id"`
}

// TunnelStatus reports one endpoint's runtime state. Active requires
// both a live process and the rendered config still on disk.
type TunnelStatus struct {
	TunnelID       string `json:"tunnel_id"`
	Active         bool   `json:"active"`
	Type           string `json:"type,omitempty"`
	State          string `json:"state"`
	ConfigExists   bool   `json:"config_exists"`
	ProcessRunning bool   `json:"process_running"`
}

// NodeStatus is the agent's health snapshot.
type NodeStatus struct {
	Role    string   `json:"role"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Uptime  float64  `json:"uptime_seconds"`
	Tunnels []string `json:"tunnels"`
}

// UsageReport is one traffic sample a node pushes to the panel.
type UsageReport struct {
	NodeID  string        `json:"node_id"`
	Samples []UsageSample `json:"samples"`
}

type UsageSample struct {
	TunnelID  string `json:"tunnel_id"`
	BytesUsed int64  `json:"bytes_used"`
}

type errorBody struct {
	Error string `json:"error"`
}

const (
	defaultTimeout = 10 * time.Second
	applyTimeout   = 30 * time.Second
)

// Client talks to one node agent's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New builds a client for the node at base, e.g. "http://203.0.113.10:8888".
func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: applyTimeout},
	}
}

// Apply pushes an endpoint spec to the node. Network failures are retried
// with backoff; an HTTP error response is final (the node understood and
// refused).
func (c *Client) Apply(ctx context.Context, req ApplyRequest) error {
	ctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	return c.postRetry(ctx, "/api/agent/tunnels/apply", req)
}

// Remove tears an endpoint down. Unknown tunnels succeed on the node side.
func (c *Client) Remove(ctx context.Context, tunnelID string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.postRetry(ctx, "/api/agent/tunnels/remove", RemoveRequest{TunnelID: tunnelID})
}

// TunnelStatus fetches the runtime state of one endpoint.
func (c *Client) TunnelStatus(ctx context.Context, tunnelID string) (*TunnelStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var out TunnelStatus
	q := url.Values{"id": {tunnelID}}
	if err := c.get(ctx, "/api/agent/tunnels/status?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the agent's health snapshot.
func (c *Client) Status(ctx context.Context) (*NodeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var out NodeStatus
	if err := c.get(ctx, "/api/agent/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postRetry(ctx context.Context, path string, payload interface{}) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.post(ctx, path, payload)
		if err == nil {
			return nil
		}
		var hErr *httpError
		if asHTTPError(err, &hErr) {
			return err // the node answered; retrying will not change its mind
		}
		return retry.RetryableError(err)
	})
}

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("node returned %d: %s", e.status, e.msg)
	}
	return fmt.Sprintf("node returned %d", e.status)
}

func asHTTPError(err error, target **httpError) bool {
	for err != nil {
		if he, ok := err.(*httpError); ok {
			*target = he
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// StatusCode extracts the HTTP status of a node error, 0 when the node
// was never reached.
func StatusCode(err error) int {
	var hErr *httpError
	if asHTTPError(err, &hErr) {
		return hErr.status
	}
	return 0
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode, msg: readError(resp.Body)}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode, msg: readError(resp.Body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body errorBody
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
