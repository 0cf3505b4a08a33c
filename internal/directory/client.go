package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/postalsys/connect-proxy/internal/metrics"
)

// Client talks to the device directory API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMetrics sets the metrics instance to record request outcomes on.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a new directory client.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetDevice looks up a device by UUID using the given credential.
// Returns ErrDeviceNotFound when the directory has no such device.
func (c *Client) GetDevice(ctx context.Context, uuid, token string) (*Device, error) {
	const op = "get device"

	resp, err := c.get(ctx, "/v1/devices/"+url.PathEscape(uuid), token)
	if err != nil {
		c.record(op, "error")
		return nil, &APIError{Operation: op, Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.record(op, "not_found")
		return nil, ErrDeviceNotFound
	default:
		c.record(op, "error")
		return nil, &APIError{Operation: op, Status: resp.StatusCode}
	}

	var device Device
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		c.record(op, "error")
		return nil, &APIError{Operation: op, Cause: fmt.Errorf("decode response: %w", err)}
	}

	c.record(op, "ok")
	return &device, nil
}

// CanAccess evaluates whether the holder of the given credential may open a
// tunnel to the device on the given port.
func (c *Client) CanAccess(ctx context.Context, device *Device, port uint16, credential []byte) (bool, error) {
	const op = "can access"

	body, err := json.Marshal(map[string]any{
		"port":       port,
		"credential": string(credential),
	})
	if err != nil {
		return false, &APIError{Operation: op, Cause: err}
	}

	resp, err := c.post(ctx, fmt.Sprintf("/v1/devices/%d/access", device.ID), body)
	if err != nil {
		c.record(op, "error")
		return false, &APIError{Operation: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.record(op, "error")
		return false, &APIError{Operation: op, Status: resp.StatusCode}
	}

	var result struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.record(op, "error")
		return false, &APIError{Operation: op, Cause: fmt.Errorf("decode response: %w", err)}
	}

	c.record(op, "ok")
	return result.Allowed, nil
}

// GetDeviceVpnHost returns the service instance currently holding the
// device's VPN session.
func (c *Client) GetDeviceVpnHost(ctx context.Context, uuid, token string) (*VpnHostAssignment, error) {
	const op = "get vpn host"

	resp, err := c.get(ctx, "/v1/devices/"+url.PathEscape(uuid)+"/vpn-host", token)
	if err != nil {
		c.record(op, "error")
		return nil, &APIError{Operation: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.record(op, "error")
		return nil, &APIError{Operation: op, Status: resp.StatusCode}
	}

	var assignment VpnHostAssignment
	if err := json.NewDecoder(resp.Body).Decode(&assignment); err != nil {
		c.record(op, "error")
		return nil, &APIError{Operation: op, Cause: fmt.Errorf("decode response: %w", err)}
	}

	c.record(op, "ok")
	return &assignment, nil
}

// get performs an authenticated GET request.
func (c *Client) get(ctx context.Context, path, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.httpClient.Do(req)
}

// post performs a JSON POST request.
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

func (c *Client) record(operation, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordDirectoryRequest(operation, outcome)
	}
}
