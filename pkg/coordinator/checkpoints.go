package coordinator

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ktrdr/core/pkg/checkpoint"
	"github.com/ktrdr/core/pkg/types"
)

// handleGetCheckpoint implements GET /checkpoints/{id}.
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	cp, err := s.checkpoints.Load(r.Context(), operationID, false)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	view := map[string]interface{}{
		"operation_id":    cp.OperationID,
		"checkpoint_type": cp.CheckpointType,
		"created_at":      cp.CreatedAt,
		"state":           cp.State,
		"sizes": map[string]int64{
			"state_bytes":    cp.StateBytes,
			"artifact_bytes": cp.ArtifactBytes,
		},
	}
	if cp.ArtifactHandle != nil {
		view["artifacts_path"] = *cp.ArtifactHandle
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDeleteCheckpoint implements DELETE /checkpoints/{id}.
func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	removed, err := s.checkpoints.Delete(r.Context(), operationID)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operation_id": operationID, "deleted": true})
}

// handleListCheckpoints implements GET /checkpoints with type/age filters.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := checkpoint.ListFilter{OperationType: types.OperationType(q.Get("type"))}
	if olderThanSeconds := q.Get("older_than_seconds"); olderThanSeconds != "" {
		if secs, err := time.ParseDuration(olderThanSeconds + "s"); err == nil {
			cutoff := time.Now().Add(-secs)
			filter.OlderThan = &cutoff
		}
	}

	summaries, err := s.checkpoints.List(r.Context(), filter)
	if err != nil {
		writeErrorFromCore(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": summaries})
}
