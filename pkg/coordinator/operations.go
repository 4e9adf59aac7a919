package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	coreerrors "github.com/ktrdr/core/pkg/errors"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/operation"
	"github.com/ktrdr/core/pkg/types"
)

type createOperationRequest struct {
	OperationType  types.OperationType `json:"operation_type"`
	RequestPayload json.RawMessage     `json:"request_payload"`
}

// handleCreateOperation implements POST /operations, per §4.5/§6.1: create,
// select a worker, dispatch, and return synchronously.
func (s *Server) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", nil)
		return
	}

	ctx := r.Context()
	operationID := uuid.New().String()

	op, err := s.ops.Create(ctx, operationID, req.OperationType, types.BackendLocal, req.RequestPayload)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}

	worker, err := s.registry.Select(req.OperationType, nil)
	if err != nil {
		if failErr := s.ops.FailNoWorker(ctx, operationID, string(req.OperationType)); failErr != nil {
			log.WithOperationID(operationID).Error().Err(failErr).Msg("failed to mark operation failed after no-worker selection")
		}
		writeError(w, http.StatusServiceUnavailable, "NO_WORKER", map[string]interface{}{"capability": req.OperationType})
		return
	}

	if err := s.dispatchAndStart(ctx, op, worker); err != nil {
		// Dispatch failure leaves the operation PENDING, per §4.5; the
		// caller decides whether to retry (create is not idempotent, so a
		// retry here means issuing a fresh operation_id).
		writeJSON(w, http.StatusOK, map[string]interface{}{"operation_id": operationID, "status": types.StatusPending})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"operation_id": operationID, "status": types.StatusRunning})
}

// dispatchAndStart posts the dispatch call and, on success, transitions the
// operation to RUNNING and marks the worker BUSY. The worker's own start
// handler is expected to be fast and non-blocking; the DB transition
// happens here rather than being pushed back from the worker, since only
// the Operation Repository writes operation rows (§5).
func (s *Server) dispatchAndStart(ctx context.Context, op *types.Operation, worker *types.Worker) error {
	if err := s.dispatcher.start(ctx, worker, op.OperationID, op.OperationType, op.RequestPayload); err != nil {
		return err
	}
	if err := s.ops.Start(ctx, op.OperationID, worker.WorkerID); err != nil {
		log.WithOperationID(op.OperationID).Error().Err(err).Msg("dispatch acked but start transition failed")
		return err
	}
	if err := s.registry.MarkBusy(ctx, worker.WorkerID, op.OperationID); err != nil {
		log.WithWorkerID(worker.WorkerID).Error().Err(err).Msg("failed to mark worker busy after dispatch")
	}
	return nil
}

// handleGetOperation implements GET /operations/{id}.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	op, err := s.ops.Get(r.Context(), operationID)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	if op.Status == types.StatusResuming {
		// Consult the Worker Registry for the owning worker and log a
		// warning if it is UNRESPONSIVE. The response is the stored record
		// either way; the registry's view does not change it.
		if op.Owner != "" && op.Owner != types.BackendLocal {
			if w := s.registry.Get(op.Owner); w != nil && w.State == types.WorkerStateUnresponsive {
				log.WithOperationID(operationID).Warn().Str("owner", op.Owner).Msg("resuming operation's worker is unresponsive")
			}
		}
	}

	checkpointPresent := false
	if cp, err := s.checkpoints.Load(r.Context(), operationID, false); err == nil && cp != nil {
		checkpointPresent = true
	}

	writeJSON(w, http.StatusOK, operationView(op, checkpointPresent))
}

func operationView(op *types.Operation, checkpointPresent bool) map[string]interface{} {
	view := map[string]interface{}{
		"operation_id":      op.OperationID,
		"operation_type":    op.OperationType,
		"status":            op.Status,
		"owner":             op.Owner,
		"progress":          op.Progress,
		"checkpoint_present": checkpointPresent,
	}
	if op.Result != nil {
		view["result"] = op.Result
	}
	if op.Error != nil {
		view["error"] = op.Error
	}
	return view
}

// handleCancelOperation implements DELETE /operations/{id}.
func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	ctx := r.Context()

	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	status, err := s.ops.Cancel(ctx, operationID)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}

	if status == types.StatusCancelRequested {
		if op.Owner != "" && op.Owner != types.BackendLocal {
			if worker := s.registry.Get(op.Owner); worker != nil {
				go s.dispatcher.cancel(worker, operationID)
			}
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": status})
}

// handleResumeOperation implements POST /operations/{id}/resume.
func (s *Server) handleResumeOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	ctx := r.Context()

	existing, err := s.ops.Get(ctx, operationID)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	cp, err := s.checkpoints.Load(ctx, operationID, true)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "NO_CHECKPOINT", nil)
		return
	}

	priorStatus := existing.Status
	op, err := s.ops.TryResume(ctx, operationID)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}

	worker, err := s.registry.Select(op.OperationType, nil)
	if err != nil {
		_ = s.ops.RevertResumeFailed(ctx, operationID, priorStatus)
		writeError(w, http.StatusServiceUnavailable, "NO_WORKER", map[string]interface{}{"capability": op.OperationType})
		return
	}

	if err := s.dispatchResumeAndStart(ctx, op, worker); err != nil {
		_ = s.ops.RevertResumeFailed(ctx, operationID, priorStatus)
		writeError(w, http.StatusServiceUnavailable, "DISPATCH_FAILED", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operation_id": operationID,
		"status":       types.StatusResuming,
		"resumed_from": map[string]interface{}{
			"checkpoint_type": cp.CheckpointType,
			"created_at":      cp.CreatedAt,
			"resume_point":    cp.State,
		},
	})
}

func (s *Server) dispatchResumeAndStart(ctx context.Context, op *types.Operation, worker *types.Worker) error {
	if err := s.dispatcher.resume(ctx, worker, op.OperationID, op.OperationType); err != nil {
		return err
	}
	if err := s.ops.Start(ctx, op.OperationID, worker.WorkerID); err != nil {
		return err
	}
	if err := s.registry.MarkBusy(ctx, worker.WorkerID, op.OperationID); err != nil {
		log.WithWorkerID(worker.WorkerID).Error().Err(err).Msg("failed to mark worker busy after resume dispatch")
	}
	return nil
}

// handleListOperations implements GET /operations with status/type/owner/age/resumable filters.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := operation.ListFilter{
		Status: types.OperationStatus(q.Get("status")),
		Type:   types.OperationType(q.Get("type")),
		Owner:  q.Get("owner"),
	}
	if resumable := q.Get("resumable"); resumable == "true" {
		filter.ResumableOnly = true
	}
	if olderThanSeconds := q.Get("older_than_seconds"); olderThanSeconds != "" {
		if secs, err := time.ParseDuration(olderThanSeconds + "s"); err == nil {
			cutoff := time.Now().Add(-secs)
			filter.OlderThan = &cutoff
		}
	}

	ops, err := s.ops.List(r.Context(), filter)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(ops))
	for _, op := range ops {
		views = append(views, operationView(op, false))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": views})
}

// writeErrorFromCore maps a *coreerrors.CoreError to its HTTP status and
// taxonomy code; any other error is a 500.
func writeErrorFromCore(w http.ResponseWriter, err error) {
	if coreErr := coreerrors.As(err); coreErr != nil {
		writeError(w, coreErr.HTTPStatus, string(coreErr.Code), coreErr.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", nil)
}
