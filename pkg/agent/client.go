package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/retry"
)

// APIError is a non-2xx answer from the master
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("master answered %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status back onto the error taxonomy so callers can use errors.Is
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return models.ErrValidation
	case http.StatusUnauthorized:
		return models.ErrUnauthorized
	case http.StatusNotFound:
		if e.Kind == "unknown_node" {
			return models.ErrUnknownNode
		}
		return models.ErrNotFound
	case http.StatusConflict:
		if e.Kind == "invalid_state" {
			return models.ErrInvalidState
		}
		return models.ErrConflict
	case http.StatusServiceUnavailable:
		return models.ErrCapacity
	}
	return models.ErrTransport
}

// Client manages communication with the master node
type Client struct {
	masterURL  string
	httpClient *http.Client
	apiKey     string
	nodeID     string
	credential string
	retry      retry.Config
}

// NewClient creates a new agent client
func NewClient(masterURL string) *Client {
	return &Client{
		masterURL: strings.TrimRight(masterURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// NewClientWithTLS creates a new agent client with TLS support
func NewClientWithTLS(masterURL string, tlsConfig *tls.Config) *Client {
	c := NewClient(masterURL)
	c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return c
}

// SetAPIKey sets the operator key used for registration
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// SetRetry overrides the retry policy for progress and result reports
func (c *Client) SetRetry(cfg retry.Config) {
	c.retry = cfg
}

// Register registers the node with the master and remembers its credential
func (c *Client) Register(ctx context.Context, reg models.NodeRegistration) (*models.Node, error) {
	var node models.Node
	if err := c.do(ctx, "POST", "/nodes/register", reg, http.StatusCreated, &node, false); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	c.nodeID = node.ID
	c.credential = reg.Credential
	return &node, nil
}

// SendHeartbeat reports the node's health; not retried, the next tick is the retry
func (c *Client) SendHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	if c.nodeID == "" {
		return fmt.Errorf("node not registered")
	}
	return c.do(ctx, "POST", c.nodePath("/heartbeat"), hb, http.StatusOK, nil, true)
}

// ReportProgress sends a batch of frames for jobID
func (c *Client) ReportProgress(ctx context.Context, jobID string, update models.ProgressUpdate) (*models.Job, error) {
	var job models.Job
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, "POST", c.nodePath("/jobs/"+jobID+"/progress"), update, http.StatusOK, &job, true)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete reports jobID finished
func (c *Client) Complete(ctx context.Context, jobID string) error {
	return c.withRetry(ctx, func() error {
		return c.do(ctx, "POST", c.nodePath("/jobs/"+jobID+"/complete"), nil, http.StatusOK, nil, true)
	})
}

// Fail reports jobID failed on this node
func (c *Client) Fail(ctx context.Context, jobID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.withRetry(ctx, func() error {
		return c.do(ctx, "POST", c.nodePath("/jobs/"+jobID+"/fail"), body, http.StatusOK, nil, true)
	})
}

// GetNodeID returns the node ID
func (c *Client) GetNodeID() string {
	return c.nodeID
}

// GetMasterURL returns the master URL
func (c *Client) GetMasterURL() string {
	return c.masterURL
}

func (c *Client) nodePath(suffix string) string {
	return "/nodes/" + c.nodeID + suffix
}

// withRetry retries transport failures and 5xx answers; any other API error is final
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, c.retry, func() error {
		err := fn()
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return &retry.Permanent{Err: err}
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}, nodeAuth bool) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.masterURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if nodeAuth {
		req.Header.Set("X-Node-Credential", c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			apiErr.Message, apiErr.Kind = parsed.Error, parsed.Kind
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
