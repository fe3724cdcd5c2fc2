// =============================================================================
// CLI HTTP CLIENT - ADMIN INTERFACE TO A RUNNING DELAY STORE
// =============================================================================
//
// A thin HTTP client over the admin API served by `delaystore serve`.
//
// HTTP ENDPOINTS USED:
//
//   GET    /health              Liveness
//   GET    /readyz              Readiness (with ?verbose=true)
//   GET    /version             Server build info
//   GET    /stats               Service statistics
//   GET    /segments            Schedule and dispatch segments
//   POST   /messages            Schedule a message
//   GET    /ready               Re-published messages (?from=&limit=)
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/WuJingLearn/rocketmq/internal/api"
	"github.com/WuJingLearn/rocketmq/internal/delay"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration for the CLI HTTP client.
type ClientConfig struct {
	// ServerURL is the base URL of the admin API (e.g., "http://localhost:8080")
	ServerURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// InsecureSkipVerify accepts any server certificate (self-signed test
	// setups only).
	InsecureSkipVerify bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for CLI operations.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new CLI HTTP client.
func NewClient(config ClientConfig) *Client {
	httpClient := &http.Client{Timeout: config.Timeout}
	if config.InsecureSkipVerify {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in flag
		httpClient.Transport = transport
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// doRequest executes an HTTP request and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, result interface{}) error {
	u, err := url.JoinPath(c.config.ServerURL, path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError represents an error from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// ErrorResponse is the error response format from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// PROBES
// =============================================================================

// HealthResponse is the body of /health and /readyz.
type HealthResponse struct {
	Status    string                           `json:"status" yaml:"status"`
	Timestamp string                           `json:"timestamp" yaml:"timestamp"`
	Uptime    string                           `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	Checks    map[string]api.HealthCheckResult `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// VersionInfo combines client and server build information.
type VersionInfo struct {
	ClientVersion string `json:"client_version" yaml:"client_version"`
	ServerVersion string `json:"version,omitempty" yaml:"server_version,omitempty"`
	GitCommit     string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	BuildTime     string `json:"build_time,omitempty" yaml:"build_time,omitempty"`
}

// Health calls /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready calls /readyz with every check listed. A not-ready store is returned
// as an *APIError with status 503.
func (c *Client) Ready(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	query := url.Values{"verbose": []string{"true"}}
	if err := c.doRequest(ctx, http.MethodGet, "/readyz", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version fetches the server build information.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := c.doRequest(ctx, http.MethodGet, "/version", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// =============================================================================
// STORE
// =============================================================================

// Stats fetches service statistics.
func (c *Client) Stats(ctx context.Context) (*delay.Stats, error) {
	var stats delay.Stats
	if err := c.doRequest(ctx, http.MethodGet, "/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Segments lists both logs.
func (c *Client) Segments(ctx context.Context) (*api.SegmentsResponse, error) {
	var resp api.SegmentsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/segments", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Schedule submits a message. Exactly one of DelaySeconds and ScheduleTime
// must be set on req.
func (c *Client) Schedule(ctx context.Context, req api.ScheduleRequest) (*api.ScheduleResponse, error) {
	var resp api.ScheduleResponse
	if err := c.doRequest(ctx, http.MethodPost, "/messages", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReadyMessages pages through re-published messages starting at sequence from.
func (c *Client) ReadyMessages(ctx context.Context, from uint64, limit int) (*api.ReadyResponse, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp api.ReadyResponse
	if err := c.doRequest(ctx, http.MethodGet, "/ready", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
