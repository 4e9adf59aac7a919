package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/metrics"
	"github.com/ktrdr/core/pkg/types"
)

// capabilities reports the single operation type this worker serves. A real
// fleet member is built and deployed as one designated type, per §4.4.
func (rt *Runtime) capabilities() json.RawMessage {
	encoded, _ := json.Marshal([]types.OperationType{rt.cfg.WorkerType})
	return encoded
}

// Register performs the worker's initial registration with the
// coordinator, retrying with the client's capped backoff until it succeeds,
// the retry attempts run out, or ctx is done.
func (rt *Runtime) Register(ctx context.Context) error {
	ack, err := rt.client.Register(ctx, rt.cfg.WorkerID, string(rt.cfg.WorkerType), rt.cfg.EndpointPublicURL, rt.capabilities(), nil, nil)
	if err != nil {
		return err
	}
	log.WithWorkerID(rt.cfg.WorkerID).Info().Str("directive", ack.Directive).Msg("registered with coordinator")
	return nil
}

// Start launches the re-registration/heartbeat monitor goroutine. Router()
// must be served separately by the caller (cmd/worker wires its own
// http.Server around it, mirroring the coordinator's entrypoint).
func (rt *Runtime) Start() {
	rt.wg.Add(1)
	go rt.monitorLoop()
}

// Stop runs the graceful shutdown sequence described in §4.6: stop
// accepting new dispatches, request cancellation of any in-flight
// operation, wait up to the configured drain deadline for it to reach a
// terminal checkpoint, then deregister.
func (rt *Runtime) Stop(ctx context.Context) {
	rt.mu.Lock()
	rt.shuttingDown = true
	slot := rt.current
	rt.mu.Unlock()

	close(rt.stopCh)
	rt.wg.Wait()

	if slot != nil {
		slot.harness.SetCancelRequested(true)
		select {
		case <-slot.done:
			log.WithWorkerID(rt.cfg.WorkerID).Info().Str("operation_id", slot.operationID).Msg("operation drained before shutdown")
		case <-time.After(rt.cfg.DrainDeadline):
			log.WithWorkerID(rt.cfg.WorkerID).Warn().Str("operation_id", slot.operationID).Msg("drain deadline elapsed; exiting with operation still in flight")
		case <-ctx.Done():
		}
	}

	deregisterCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.client.Deregister(deregisterCtx, rt.cfg.WorkerID); err != nil {
		log.WithWorkerID(rt.cfg.WorkerID).Warn().Err(err).Msg("deregister failed during shutdown")
	}
}

// monitorLoop pings the coordinator on a fixed interval. Two consecutive
// failures put the worker into disconnected mode: it keeps running its
// current operation locally, and re-registers with the full packet
// (current_operation_id plus retained completed_operations) on the next
// successful ping, per §4.6.
func (rt *Runtime) monitorLoop() {
	defer rt.wg.Done()

	interval := rt.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rt.pingOnce()
		case <-rt.stopCh:
			return
		}
	}
}

func (rt *Runtime) pingOnce() {
	rt.mu.Lock()
	wasDisconnected := rt.disconnected
	slot := rt.current
	rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if wasDisconnected {
		rt.reconnect(ctx, slot)
		return
	}

	var currentOperationID *string
	if slot != nil {
		currentOperationID = &slot.operationID
	}

	ack, err := rt.client.Heartbeat(ctx, rt.cfg.WorkerID, currentOperationID, nil)
	if err != nil {
		metrics.HeartbeatFailuresTotal.Inc()
		rt.recordHeartbeatFailure()
		return
	}
	metrics.HeartbeatsSentTotal.Inc()
	rt.recordHeartbeatSuccess()

	if ack.CancelRequested && slot != nil {
		slot.harness.SetCancelRequested(true)
	}
}

func (rt *Runtime) recordHeartbeatFailure() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.consecutiveHB++
	if rt.consecutiveHB >= 2 && !rt.disconnected {
		rt.disconnected = true
		log.WithWorkerID(rt.cfg.WorkerID).Warn().Msg("entering disconnected mode after consecutive heartbeat failures")
	}
}

func (rt *Runtime) recordHeartbeatSuccess() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.consecutiveHB = 0
}

// reconnect attempts a full re-registration after a disconnected spell,
// reporting the current operation (if any) and the completed-operations
// window accumulated while out of touch.
func (rt *Runtime) reconnect(ctx context.Context, slot *operationSlot) {
	rt.mu.Lock()
	completed := append([]CompletedResult(nil), rt.completed...)
	rt.mu.Unlock()

	var currentOperationID *string
	if slot != nil {
		currentOperationID = &slot.operationID
	}

	ack, err := rt.client.Register(ctx, rt.cfg.WorkerID, string(rt.cfg.WorkerType), rt.cfg.EndpointPublicURL, rt.capabilities(), currentOperationID, completed)
	if err != nil {
		log.WithWorkerID(rt.cfg.WorkerID).Warn().Err(err).Msg("re-registration attempt failed; remaining disconnected")
		return
	}

	rt.mu.Lock()
	rt.disconnected = false
	rt.consecutiveHB = 0
	// The reconciled completed_operations the coordinator now has on file
	// no longer need to be retained client-side.
	rt.completed = nil
	rt.mu.Unlock()

	log.WithWorkerID(rt.cfg.WorkerID).Info().Str("directive", ack.Directive).Msg("reconnected to coordinator")
}
