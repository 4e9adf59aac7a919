package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ktrdr/core/pkg/resilience"
)

// CompletedResult is one terminal outcome the worker retains so it can be
// reported in a future registration packet after a coordinator blackout,
// per §4.6's bounded retention window.
type CompletedResult struct {
	OperationID string          `json:"operation_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// RegistrationAck mirrors the Coordinator API's worker-registration response.
type RegistrationAck struct {
	ReconciledCurrentOperationID *string `json:"reconciled_current_operation_id"`
	Directive                    string  `json:"directive"`
}

// HeartbeatAck mirrors the Coordinator API's heartbeat response.
type HeartbeatAck struct {
	CancelRequested bool `json:"cancel_requested"`
}

// HeartbeatProgress carries a progress snapshot alongside a heartbeat. A
// nil *HeartbeatProgress on a Heartbeat call means "liveness ping only" and
// must not overwrite the operation's last-known progress server-side.
type HeartbeatProgress struct {
	Percent float64         `json:"percent"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

// CoordinatorClient is the worker's outbound view of the Coordinator API:
// registration, heartbeats, and deregistration. Register and Deregister are
// retried with capped exponential backoff (worker-to-coordinator calls
// tolerate longer timeouts than the coordinator's own dispatch calls);
// Heartbeat makes a single attempt and is not retried.
type CoordinatorClient struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewCoordinatorClient constructs a client pointed at the coordinator's base URL.
func NewCoordinatorClient(baseURL string) *CoordinatorClient {
	return &CoordinatorClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		retry:   resilience.DefaultWorkerRetryConfig(),
	}
}

// Register posts the full registration packet and returns the reconciled
// directive for current_operation_id.
func (c *CoordinatorClient) Register(ctx context.Context, workerID, workerType, endpointURL string, capabilities json.RawMessage, currentOperationID *string, completed []CompletedResult) (RegistrationAck, error) {
	body := map[string]interface{}{
		"worker_id":    workerID,
		"worker_type":  workerType,
		"endpoint_url": endpointURL,
		"capabilities": capabilities,
	}
	if currentOperationID != nil {
		body["current_operation_id"] = *currentOperationID
	}
	if len(completed) > 0 {
		body["completed_operations"] = completed
	}

	var ack RegistrationAck
	err := resilience.Retry(ctx, c.retry, func() error {
		return c.postJSON(ctx, "/api/v1/workers/register", body, &ack)
	})
	return ack, err
}

// Heartbeat reports liveness and, optionally, progress for the worker's
// current operation. progress may be nil for a plain liveness ping; the
// coordinator only touches the operation's progress record when it is
// present. Not retried: the re-registration monitor counts consecutive
// failures across calls to decide when to enter disconnected mode, so a
// single failed call must surface immediately rather than be masked by
// backoff.Retry.
func (c *CoordinatorClient) Heartbeat(ctx context.Context, workerID string, currentOperationID *string, progress *HeartbeatProgress) (HeartbeatAck, error) {
	body := map[string]interface{}{}
	if currentOperationID != nil {
		body["current_operation_id"] = *currentOperationID
	}
	if progress != nil {
		body["progress"] = progress
	}

	var ack HeartbeatAck
	err := c.postJSON(ctx, fmt.Sprintf("/api/v1/workers/%s/heartbeat", workerID), body, &ack)
	return ack, err
}

// Deregister tells the coordinator this worker is shutting down cleanly.
func (c *CoordinatorClient) Deregister(ctx context.Context, workerID string) error {
	return resilience.Retry(ctx, c.retry, func() error {
		return c.postJSON(ctx, fmt.Sprintf("/api/v1/workers/%s/deregister", workerID), nil, nil)
	})
}

func (c *CoordinatorClient) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator responded with status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
