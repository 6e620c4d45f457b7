package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/tracing"
)

// DispatchRequest is the body the master POSTs to a node's /jobs endpoint
type DispatchRequest struct {
	Job models.Job `json:"job"` // Summary, no frames
	// Index of the last frame the master already holds; the node resumes after it. -1 = start.
	ResumeAfter int `json:"resume_after"`
}

// HTTPDispatcher hands jobs to node agents over HTTP
type HTTPDispatcher struct {
	httpClient *http.Client
	token      string
}

// NewHTTPDispatcher creates a dispatcher authenticating with token.
// tlsConfig may be nil.
func NewHTTPDispatcher(token string, timeout time.Duration, tlsConfig *tls.Config) *HTTPDispatcher {
	client := &http.Client{Timeout: timeout}
	if tlsConfig != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return &HTTPDispatcher{httpClient: client, token: token}
}

// Dispatch submits job to node. Any failure to get a 2xx answer is a transport error.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, node models.Node, job models.Job) error {
	req := DispatchRequest{Job: job.Summary(), ResumeAfter: -1}
	if n := len(job.Frames); n > 0 {
		req.ResumeAfter = job.Frames[n-1].Index
	}
	return d.post(ctx, "dispatch", node, "/jobs", req)
}

// Cancel tells node to stop working on jobID
func (d *HTTPDispatcher) Cancel(ctx context.Context, node models.Node, jobID string) error {
	return d.post(ctx, "cancel", node, "/jobs/"+jobID+"/cancel", nil)
}

func (d *HTTPDispatcher) post(ctx context.Context, op string, node models.Node, path string, body interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	url := strings.TrimRight(node.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return models.WrapError(models.ErrTransport, op, node.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return models.WrapError(models.ErrTransport, op, node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.NewError(models.ErrTransport, op, node.ID,
			fmt.Sprintf("node answered %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return nil
}
