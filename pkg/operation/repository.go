// Package operation implements the Operation Repository and its state
// machine: durable CRUD over the operation record, with every transition
// expressed as a single compare-and-set SQL statement.
package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	coreerrors "github.com/ktrdr/core/pkg/errors"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/metrics"
	"github.com/ktrdr/core/pkg/types"
)

// CheckpointDeleter is the narrow view of the Checkpoint Store the
// Repository needs: complete() deletes the checkpoint on the caller's
// behalf (invariant: a terminal COMPLETED operation must have no
// checkpoint).
type CheckpointDeleter interface {
	Delete(ctx context.Context, operationID string) (bool, error)
}

// Repository owns operation CRUD and state transitions.
type Repository struct {
	db         *sql.DB
	checkpoint CheckpointDeleter

	mu    sync.RWMutex
	cache map[string]*types.Operation

	debouncer *ProgressDebouncer
}

// New constructs a Repository. checkpointStore may be nil in tests that do
// not exercise complete().
func New(db *sql.DB, checkpointStore CheckpointDeleter) *Repository {
	r := &Repository{
		db:         db,
		checkpoint: checkpointStore,
		cache:      make(map[string]*types.Operation),
	}
	r.debouncer = NewProgressDebouncer(250*time.Millisecond, r.flushProgress)
	return r
}

// StartDebouncer begins the progress debounce flusher. Call StopDebouncer on
// shutdown. Named distinctly from Start (the operation-lifecycle
// transition) to avoid a duplicate method name on Repository.
func (r *Repository) StartDebouncer() { r.debouncer.Start() }

// StopDebouncer flushes any pending progress writes and stops the
// debouncer.
func (r *Repository) StopDebouncer() { r.debouncer.Stop() }

// Create inserts a new PENDING operation. Fails with DuplicateOperationError
// if the id is already known, in cache or database.
func (r *Repository) Create(ctx context.Context, operationID string, opType types.OperationType, owner string, requestPayload json.RawMessage) (*types.Operation, error) {
	r.mu.RLock()
	_, cached := r.cache[operationID]
	r.mu.RUnlock()
	if cached {
		return nil, coreerrors.DuplicateOperation(operationID)
	}

	op := &types.Operation{
		OperationID:    operationID,
		OperationType:  opType,
		Status:         types.StatusPending,
		Owner:          owner,
		CreatedAt:      time.Now().UTC(),
		RequestPayload: requestPayload,
		Progress:       types.Progress{UpdatedAt: time.Now().UTC()},
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO operations (operation_id, operation_type, status, owner, created_at, request_payload, progress_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, op.OperationID, string(op.OperationType), string(op.Status), op.Owner, op.CreatedAt, []byte(requestPayload), op.Progress.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, coreerrors.DuplicateOperation(operationID)
		}
		return nil, fmt.Errorf("insert operation: %w", err)
	}

	r.mu.Lock()
	r.cache[operationID] = op
	r.mu.Unlock()

	metrics.OperationsCreatedTotal.WithLabelValues(string(opType)).Inc()
	log.WithOperationID(operationID).Info().Str("operation_type", string(opType)).Msg("operation created")
	return op, nil
}

// startPredecessors are the statuses the start transition accepts.
var startPredecessors = []string{
	string(types.StatusPending),
	string(types.StatusResuming),
	string(types.StatusPendingReconciliation),
}

// Start transitions {PENDING, RESUMING, PENDING_RECONCILIATION} -> RUNNING,
// setting owner and, on first start, started_at. The compare-and-set runs
// against the database directly and does not depend on the local cache,
// which is refreshed from the updated row afterwards, so a different worker
// than the original owner can claim a resumed operation.
func (r *Repository) Start(ctx context.Context, operationID, owner string) error {
	now := time.Now().UTC()

	row := r.db.QueryRowContext(ctx, `
		UPDATE operations
		   SET status = $1,
		       owner = $2,
		       started_at = COALESCE(started_at, $3),
		       last_heartbeat_at = $3,
		       ownership_epoch = ownership_epoch + 1,
		       cancel_requested = false,
		       progress_percent = 0,
		       progress_message = '',
		       progress_context = NULL,
		       progress_updated_at = $3
		 WHERE operation_id = $4 AND status = ANY($5)
		RETURNING operation_id, ownership_epoch
	`, string(types.StatusRunning), owner, now, operationID, pq.Array(startPredecessors))

	var returnedID string
	var epoch int64
	if err := row.Scan(&returnedID, &epoch); err != nil {
		if err == sql.ErrNoRows {
			metrics.StateConflictsTotal.WithLabelValues("start").Inc()
			return coreerrors.StateConflict(operationID, "start")
		}
		return fmt.Errorf("start operation: %w", err)
	}

	r.refreshCacheLocked(ctx, operationID)
	log.WithOperationID(operationID).Info().Str("owner", owner).Int64("epoch", epoch).Msg("operation started")
	return nil
}

// UpdateProgress updates progress fields only, debounced per operation_id.
// Discarded (with a logged warning) if the operation is not RUNNING.
func (r *Repository) UpdateProgress(ctx context.Context, operationID string, percent float64, message string, progressContext json.RawMessage) error {
	r.mu.RLock()
	op, ok := r.cache[operationID]
	r.mu.RUnlock()
	if !ok {
		loaded, err := r.loadFromDB(ctx, operationID)
		if err != nil {
			return err
		}
		if loaded == nil {
			return coreerrors.NotFound("operation", operationID)
		}
		op = loaded
	}

	if op.Status != types.StatusRunning {
		log.WithOperationID(operationID).Warn().Str("status", string(op.Status)).Msg("update_progress discarded: operation not running")
		return nil
	}

	r.mu.Lock()
	if percent < op.Progress.Percent {
		percent = op.Progress.Percent // monotonic within ownership epoch
	}
	op.Progress = types.Progress{Percent: percent, Message: message, Context: progressContext, UpdatedAt: time.Now().UTC()}
	r.mu.Unlock()

	r.debouncer.Mark(operationID)
	return nil
}

// flushProgress is invoked by the debouncer for operationID's latest value.
func (r *Repository) flushProgress(operationID string) {
	r.mu.RLock()
	op, ok := r.cache[operationID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE operations
		   SET progress_percent = $1, progress_message = $2, progress_context = $3, progress_updated_at = $4, last_heartbeat_at = $4
		 WHERE operation_id = $5 AND status = $6
	`, op.Progress.Percent, op.Progress.Message, []byte(op.Progress.Context), op.Progress.UpdatedAt, operationID, string(types.StatusRunning))
	if err != nil {
		log.WithOperationID(operationID).Error().Err(err).Msg("failed to flush progress")
	}
}

// Complete transitions RUNNING -> COMPLETED and deletes the checkpoint.
func (r *Repository) Complete(ctx context.Context, operationID string, result json.RawMessage) error {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		UPDATE operations
		   SET status = $1, completed_at = $2, result = $3
		 WHERE operation_id = $4 AND status = $5
		RETURNING operation_id
	`, string(types.StatusCompleted), now, []byte(result), operationID, string(types.StatusRunning))

	var returnedID string
	if err := row.Scan(&returnedID); err != nil {
		if err == sql.ErrNoRows {
			metrics.StateConflictsTotal.WithLabelValues("complete").Inc()
			return coreerrors.StateConflict(operationID, "complete")
		}
		return fmt.Errorf("complete operation: %w", err)
	}

	if r.checkpoint != nil {
		if _, err := r.checkpoint.Delete(ctx, operationID); err != nil {
			log.WithOperationID(operationID).Error().Err(err).Msg("failed to delete checkpoint on completion")
		}
	}

	r.removeFromCache(operationID)
	log.WithOperationID(operationID).Info().Msg("operation completed")
	return nil
}

// Heartbeat refreshes last_heartbeat_at for a RUNNING operation. Used by the
// Reconciler when a worker's heartbeat or re-registration confirms it is
// still the live owner of its reported current_operation_id.
func (r *Repository) Heartbeat(ctx context.Context, operationID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE operations SET last_heartbeat_at = $1
		 WHERE operation_id = $2 AND status = $3
	`, time.Now().UTC(), operationID, string(types.StatusRunning))
	if err != nil {
		return fmt.Errorf("heartbeat operation: %w", err)
	}
	return nil
}

// MarkPendingReconciliation transitions RUNNING -> PENDING_RECONCILIATION,
// used at coordinator startup for worker-owned operations that were running
// when the process died: the worker gets reconciliation_grace to re-register
// before the sweep fails it as orphaned.
func (r *Repository) MarkPendingReconciliation(ctx context.Context, operationID string) error {
	row := r.db.QueryRowContext(ctx, `
		UPDATE operations
		   SET status = $1, reconciliation_status = $1
		 WHERE operation_id = $2 AND status = $3
		RETURNING operation_id
	`, string(types.StatusPendingReconciliation), operationID, string(types.StatusRunning))

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coreerrors.StateConflict(operationID, "mark_pending_reconciliation")
		}
		return fmt.Errorf("mark pending reconciliation: %w", err)
	}
	r.removeFromCache(operationID)
	log.WithOperationID(operationID).Warn().Msg("operation marked pending reconciliation after coordinator restart")
	return nil
}

// Fail transitions RUNNING -> FAILED. Does not delete the checkpoint.
func (r *Repository) Fail(ctx context.Context, operationID string, opErr types.OperationError) error {
	return r.failFrom(ctx, operationID, []string{string(types.StatusRunning)}, opErr)
}

// FailOrphaned transitions RUNNING or PENDING_RECONCILIATION -> FAILED with
// kind=ORPHANED, used by the Reconciler's sweep and grace-timeout paths.
func (r *Repository) FailOrphaned(ctx context.Context, operationID string) error {
	err := r.failFrom(ctx, operationID, []string{
		string(types.StatusRunning),
		string(types.StatusPendingReconciliation),
	}, types.OperationError{Kind: types.ErrorKindOrphaned, Message: "worker stopped reporting and the grace period elapsed"})
	if err == nil {
		metrics.OrphanedOperationsTotal.Inc()
	}
	return err
}

// FailNoWorker transitions PENDING -> FAILED with kind=NO_WORKER, used by
// the Coordinator API when create-time selection finds no matching worker.
func (r *Repository) FailNoWorker(ctx context.Context, operationID, capability string) error {
	return r.failFrom(ctx, operationID, []string{string(types.StatusPending)}, types.OperationError{
		Kind:    types.ErrorKindNoWorker,
		Message: "no worker available for required capability: " + capability,
	})
}

func (r *Repository) failFrom(ctx context.Context, operationID string, predecessors []string, opErr types.OperationError) error {
	now := time.Now().UTC()
	ctxBytes, _ := json.Marshal(opErr.Context)

	row := r.db.QueryRowContext(ctx, `
		UPDATE operations
		   SET status = $1, completed_at = $2, error_kind = $3, error_message = $4, error_context = $5
		 WHERE operation_id = $6 AND status = ANY($7)
		RETURNING operation_id
	`, string(types.StatusFailed), now, string(opErr.Kind), opErr.Message, ctxBytes, operationID, pq.Array(predecessors))

	var returnedID string
	if err := row.Scan(&returnedID); err != nil {
		if err == sql.ErrNoRows {
			metrics.StateConflictsTotal.WithLabelValues("fail").Inc()
			return coreerrors.StateConflict(operationID, "fail")
		}
		return fmt.Errorf("fail operation: %w", err)
	}

	r.removeFromCache(operationID)
	log.WithOperationID(operationID).Warn().Str("kind", string(opErr.Kind)).Str("message", opErr.Message).Msg("operation failed")
	return nil
}

// Cancel is the two-step cancel: RUNNING moves to CANCEL_REQUESTED (the
// worker observes this via polling); PENDING moves straight to CANCELLED.
// Returns the resulting status. Idempotent on already-terminal states: the
// current status is returned without error.
func (r *Repository) Cancel(ctx context.Context, operationID string) (types.OperationStatus, error) {
	op, err := r.loadFromDB(ctx, operationID)
	if err != nil {
		return "", err
	}
	if op == nil {
		return "", coreerrors.NotFound("operation", operationID)
	}
	if op.Status.Terminal() {
		return op.Status, nil
	}

	switch op.Status {
	case types.StatusRunning:
		row := r.db.QueryRowContext(ctx, `
			UPDATE operations SET status = $1, cancel_requested = true
			 WHERE operation_id = $2 AND status = $3
			RETURNING operation_id
		`, string(types.StatusCancelRequested), operationID, string(types.StatusRunning))
		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return r.currentStatus(ctx, operationID)
			}
			return "", fmt.Errorf("cancel operation: %w", err)
		}
		r.removeFromCache(operationID)
		return types.StatusCancelRequested, nil
	case types.StatusPending:
		now := time.Now().UTC()
		row := r.db.QueryRowContext(ctx, `
			UPDATE operations SET status = $1, completed_at = $2
			 WHERE operation_id = $3 AND status = $4
			RETURNING operation_id
		`, string(types.StatusCancelled), now, operationID, string(types.StatusPending))
		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return r.currentStatus(ctx, operationID)
			}
			return "", fmt.Errorf("cancel operation: %w", err)
		}
		r.removeFromCache(operationID)
		return types.StatusCancelled, nil
	default:
		// CANCEL_REQUESTED, RESUMING, PENDING_RECONCILIATION: idempotent,
		// report current status.
		return op.Status, nil
	}
}

// FinishCancellation transitions CANCEL_REQUESTED (or RUNNING, for a worker
// that completed its drain before observing cancel-requested) -> CANCELLED,
// invoked once the worker reports the cancellation is complete.
func (r *Repository) FinishCancellation(ctx context.Context, operationID string) error {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		UPDATE operations
		   SET status = $1, completed_at = $2
		 WHERE operation_id = $3 AND status = ANY($4)
		RETURNING operation_id
	`, string(types.StatusCancelled), now, operationID, pq.Array([]string{
		string(types.StatusCancelRequested), string(types.StatusRunning),
	}))

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			metrics.StateConflictsTotal.WithLabelValues("finish_cancellation").Inc()
			return coreerrors.StateConflict(operationID, "finish_cancellation")
		}
		return fmt.Errorf("finish cancellation: %w", err)
	}
	r.removeFromCache(operationID)
	return nil
}

// TryResume transitions {CANCELLED, FAILED} -> RESUMING iff a checkpoint
// exists; the caller (Coordinator API) is responsible for the checkpoint
// existence check before calling this, but the transition itself is still
// compare-and-set to prevent two concurrent resumes.
func (r *Repository) TryResume(ctx context.Context, operationID string) (*types.Operation, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE operations SET status = $1
		 WHERE operation_id = $2 AND status = ANY($3)
		RETURNING operation_id
	`, string(types.StatusResuming), operationID, pq.Array([]string{
		string(types.StatusCancelled), string(types.StatusFailed),
	}))

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			metrics.StateConflictsTotal.WithLabelValues("try_resume").Inc()
			return nil, coreerrors.StateConflict(operationID, "try_resume")
		}
		return nil, fmt.Errorf("try_resume: %w", err)
	}

	return r.loadFromDB(ctx, operationID)
}

// RevertResumeFailed transitions RESUMING back to priorStatus after a
// dispatch failure, per §4.5: "a dispatch failure reverts the operation to
// ... the prior terminal state (resume)".
func (r *Repository) RevertResumeFailed(ctx context.Context, operationID string, priorStatus types.OperationStatus) error {
	row := r.db.QueryRowContext(ctx, `
		UPDATE operations SET status = $1
		 WHERE operation_id = $2 AND status = $3
		RETURNING operation_id
	`, string(priorStatus), operationID, string(types.StatusResuming))

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return coreerrors.StateConflict(operationID, "revert_resume_failed")
		}
		return fmt.Errorf("revert resume failed: %w", err)
	}
	r.refreshCacheLocked(ctx, operationID)
	return nil
}

// Get returns the operation, or nil if it does not exist.
func (r *Repository) Get(ctx context.Context, operationID string) (*types.Operation, error) {
	return r.loadFromDB(ctx, operationID)
}

// ListFilter filters the List query.
type ListFilter struct {
	Status      types.OperationStatus
	Type        types.OperationType
	Owner       string
	OlderThan   *time.Time
	ResumableOnly bool
}

// List returns operations matching filter.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*types.Operation, error) {
	var clauses []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		clauses = append(clauses, "status = "+arg(string(filter.Status)))
	}
	if filter.Type != "" {
		clauses = append(clauses, "operation_type = "+arg(string(filter.Type)))
	}
	if filter.Owner != "" {
		clauses = append(clauses, "owner = "+arg(filter.Owner))
	}
	if filter.OlderThan != nil {
		clauses = append(clauses, "created_at < "+arg(*filter.OlderThan))
	}
	if filter.ResumableOnly {
		clauses = append(clauses, "status = ANY('{CANCELLED,FAILED}') AND EXISTS (SELECT 1 FROM checkpoints c WHERE c.operation_id = operations.operation_id)")
	}

	query := "SELECT " + operationColumns + " FROM operations"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var result []*types.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

// CleanupTerminal deletes terminal operation records older than threshold,
// implementing the "policy-driven cleanup sweep after an absolute age
// threshold on terminal records" from §3.4.
func (r *Repository) CleanupTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM operations
		 WHERE status = ANY($1) AND completed_at < $2
	`, pq.Array([]string{
		string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusCancelled),
	}), olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal operations: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) currentStatus(ctx context.Context, operationID string) (types.OperationStatus, error) {
	op, err := r.loadFromDB(ctx, operationID)
	if err != nil {
		return "", err
	}
	if op == nil {
		return "", coreerrors.NotFound("operation", operationID)
	}
	return op.Status, nil
}

func (r *Repository) refreshCacheLocked(ctx context.Context, operationID string) {
	op, err := r.loadFromDB(ctx, operationID)
	if err != nil || op == nil {
		return
	}
	r.mu.Lock()
	r.cache[operationID] = op
	r.mu.Unlock()
}

func (r *Repository) removeFromCache(operationID string) {
	r.mu.Lock()
	delete(r.cache, operationID)
	r.mu.Unlock()
}

const operationColumns = `operation_id, operation_type, status, owner, created_at, started_at, completed_at,
	progress_percent, progress_message, progress_context, progress_updated_at,
	request_payload, result, error_kind, error_message, error_context,
	last_heartbeat_at, reconciliation_status, ownership_epoch, cancel_requested`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(rs rowScanner) (*types.Operation, error) {
	var op types.Operation
	var startedAt, completedAt, lastHeartbeat, progressUpdatedAt sql.NullTime
	var progressContext, requestPayload, result, errorContext []byte
	var errorKind, errorMessage sql.NullString
	var opType, status string

	if err := rs.Scan(
		&op.OperationID, &opType, &status, &op.Owner, &op.CreatedAt, &startedAt, &completedAt,
		&op.Progress.Percent, &op.Progress.Message, &progressContext, &progressUpdatedAt,
		&requestPayload, &result, &errorKind, &errorMessage, &errorContext,
		&lastHeartbeat, &op.ReconciliationStatus, &op.OwnershipEpoch, &op.CancelRequested,
	); err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}

	op.OperationType = types.OperationType(opType)
	op.Status = types.OperationStatus(status)
	op.RequestPayload = requestPayload
	op.Result = result
	op.Progress.Context = progressContext

	if startedAt.Valid {
		t := startedAt.Time
		op.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		op.LastHeartbeatAt = &t
	}
	if progressUpdatedAt.Valid {
		op.Progress.UpdatedAt = progressUpdatedAt.Time
	}
	if errorKind.Valid {
		op.Error = &types.OperationError{
			Kind:    types.ErrorKind(errorKind.String),
			Message: errorMessage.String,
			Context: errorContext,
		}
	}
	return &op, nil
}

func (r *Repository) loadFromDB(ctx context.Context, operationID string) (*types.Operation, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM operations WHERE operation_id = $1", operationID)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[operationID] = op
	r.mu.Unlock()
	return op, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
