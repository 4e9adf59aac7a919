package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/metrics"
	"github.com/ktrdr/core/pkg/resilience"
	"github.com/ktrdr/core/pkg/types"
)

// dispatchAckTimeout bounds the worker's start-acknowledgement call, per
// §4.5: the worker acknowledges without blocking on the actual computation.
// The worker does not write the operation row; the coordinator performs the
// RUNNING transition itself once the ack arrives (see dispatchAndStart).
const dispatchAckTimeout = 30 * time.Second

// cancelNotifyTimeout bounds the best-effort cancel notification; the
// coordinator does not retry or wait on it, per §4.5/§5.
const cancelNotifyTimeout = 5 * time.Second

// startRequest is the body posted to a worker's POST {endpoint_url}/{type}/start.
type startRequest struct {
	OperationID    string          `json:"operation_id"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	Resume         bool            `json:"resume,omitempty"`
}

// dispatcher posts start/cancel calls to worker endpoints, one circuit
// breaker per worker so a single wedged worker does not stall selection of
// its peers. Modeled on cuemby-warren's health.HTTPChecker: a plain
// *http.Client with a per-call context timeout, no retry at this layer
// (dispatch failures are surfaced to the caller, not retried, per §4.5).
type dispatcher struct {
	client *http.Client

	breakers breakerSet
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		client:   &http.Client{Timeout: dispatchAckTimeout},
		breakers: newBreakerSet(),
	}
}

// start posts a new-operation dispatch to worker and returns once the
// worker has acknowledged (or the call failed/timed out).
func (d *dispatcher) start(ctx context.Context, worker *types.Worker, operationID string, opType types.OperationType, payload json.RawMessage) error {
	return d.post(ctx, worker, opType, startRequest{OperationID: operationID, RequestPayload: payload})
}

// resume posts a resume dispatch; the worker loads its own checkpoint.
func (d *dispatcher) resume(ctx context.Context, worker *types.Worker, operationID string, opType types.OperationType) error {
	return d.post(ctx, worker, opType, startRequest{OperationID: operationID, Resume: true})
}

func (d *dispatcher) post(ctx context.Context, worker *types.Worker, opType types.OperationType, body startRequest) error {
	timer := metrics.NewTimer()
	outcome := "error"
	defer func() { timer.ObserveDurationVec(metrics.DispatchDuration, outcome) }()

	breaker := d.breakers.forWorker(worker.WorkerID)
	url := fmt.Sprintf("%s/%s/start", worker.EndpointURL, opType)

	err := breaker.Execute(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, dispatchAckTimeout)
		defer cancel()
		return d.doJSON(reqCtx, http.MethodPost, url, body)
	})
	if err != nil {
		log.WithWorkerID(worker.WorkerID).Warn().Err(err).Str("url", url).Msg("dispatch failed")
		return err
	}
	outcome = "ok"
	return nil
}

// cancel notifies the worker that cancellation was requested, best-effort:
// errors are logged, never surfaced to the DELETE /operations/{id} caller.
func (d *dispatcher) cancel(worker *types.Worker, operationID string) {
	url := fmt.Sprintf("%s/operations/%s/cancel", worker.EndpointURL, operationID)
	ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
	defer cancel()

	if err := d.doJSON(ctx, http.MethodPost, url, nil); err != nil {
		log.WithWorkerID(worker.WorkerID).Warn().Err(err).Str("url", url).Msg("best-effort cancel notification failed")
	}
}

func (d *dispatcher) doJSON(ctx context.Context, method, url string, body interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode dispatch request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker responded with status %d", resp.StatusCode)
	}
	return nil
}
