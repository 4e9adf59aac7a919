package coordinator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/registry"
	"github.com/ktrdr/core/pkg/types"
)

type registerWorkerRequest struct {
	WorkerID           string                         `json:"worker_id"`
	WorkerType         types.OperationType            `json:"worker_type"`
	EndpointURL        string                         `json:"endpoint_url"`
	Capabilities       json.RawMessage                `json:"capabilities"`
	CurrentOperationID *string                        `json:"current_operation_id,omitempty"`
	CompletedOperations []registry.CompletedOperation `json:"completed_operations,omitempty"`
}

// handleWorkerRegister implements POST /workers/register.
func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", nil)
		return
	}

	ack, err := s.registry.Register(r.Context(), req.WorkerID, req.WorkerType, req.EndpointURL, req.Capabilities, req.CurrentOperationID, req.CompletedOperations)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reconciled_current_operation_id": ack.ReconciledCurrentOperationID,
		"directive":                       ack.Directive,
	})
}

type heartbeatProgress struct {
	Percent float64         `json:"percent"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

type heartbeatRequest struct {
	CurrentOperationID *string            `json:"current_operation_id,omitempty"`
	Progress           *heartbeatProgress `json:"progress,omitempty"`
}

// handleWorkerHeartbeat implements POST /workers/{id}/heartbeat. Progress,
// when present, is forwarded to the Operation Repository before the
// Registry's own liveness/reconciliation bookkeeping runs.
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", nil)
		return
	}

	ctx := r.Context()
	if req.CurrentOperationID != nil && req.Progress != nil {
		if err := s.ops.UpdateProgress(ctx, *req.CurrentOperationID, req.Progress.Percent, req.Progress.Message, req.Progress.Context); err != nil {
			log.WithWorkerID(workerID).Warn().Err(err).Msg("failed to apply heartbeat progress")
		}
	}

	ack, err := s.registry.Heartbeat(ctx, workerID, req.CurrentOperationID)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"cancel_requested": ack.CancelRequested})
}

// handleWorkerDeregister implements POST /workers/{id}/deregister.
func (s *Server) handleWorkerDeregister(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := s.registry.Deregister(r.Context(), workerID); err != nil {
		writeErrorFromCore(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"worker_id": workerID, "deregistered": true})
}
