// Package reconciler resolves divergence between the three truth sources
// that describe an operation: the database record, the worker's live
// report, and the presence of a checkpoint. It implements the Worker
// Registry's ReconciliationHandler interface so registration and heartbeat
// calls trigger reconciliation synchronously, plus a periodic sweep for
// silently dead workers and expired PENDING_RECONCILIATION grace windows.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/metrics"
	"github.com/ktrdr/core/pkg/operation"
	"github.com/ktrdr/core/pkg/registry"
	"github.com/ktrdr/core/pkg/types"
)

// OperationRepository is the narrow view of the Operation Repository the
// Reconciler needs.
type OperationRepository interface {
	Get(ctx context.Context, operationID string) (*types.Operation, error)
	Create(ctx context.Context, operationID string, opType types.OperationType, owner string, requestPayload json.RawMessage) (*types.Operation, error)
	Start(ctx context.Context, operationID, owner string) error
	Heartbeat(ctx context.Context, operationID string) error
	Complete(ctx context.Context, operationID string, result json.RawMessage) error
	Fail(ctx context.Context, operationID string, opErr types.OperationError) error
	FailOrphaned(ctx context.Context, operationID string) error
	Cancel(ctx context.Context, operationID string) (types.OperationStatus, error)
	FinishCancellation(ctx context.Context, operationID string) error
	MarkPendingReconciliation(ctx context.Context, operationID string) error
	List(ctx context.Context, filter operation.ListFilter) ([]*types.Operation, error)
}

// CheckpointDeleter mirrors the Operation Repository's view of the
// Checkpoint Store: a terminal COMPLETED operation must have no checkpoint.
type CheckpointDeleter interface {
	Delete(ctx context.Context, operationID string) (bool, error)
}

// Config tunes the grace windows, per §4.4.
type Config struct {
	ReconciliationGrace time.Duration
	OrphanTimeout       time.Duration
	SweepInterval       time.Duration
}

// DefaultConfig matches the spec's defaults: 60s grace, 60s orphan timeout,
// 30s sweep.
func DefaultConfig() Config {
	return Config{
		ReconciliationGrace: 60 * time.Second,
		OrphanTimeout:       60 * time.Second,
		SweepInterval:       30 * time.Second,
	}
}

// Service implements reconciliation.
type Service struct {
	ops        OperationRepository
	checkpoint CheckpointDeleter
	cfg        Config

	mu        sync.Mutex
	deadlines map[string]time.Time // operation_id -> PENDING_RECONCILIATION grace expiry

	stopCh chan struct{}
}

// New constructs a Service.
func New(ops OperationRepository, checkpointStore CheckpointDeleter, cfg Config) *Service {
	if cfg.ReconciliationGrace == 0 {
		cfg.ReconciliationGrace = DefaultConfig().ReconciliationGrace
	}
	if cfg.OrphanTimeout == 0 {
		cfg.OrphanTimeout = DefaultConfig().OrphanTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Service{
		ops:        ops,
		checkpoint: checkpointStore,
		cfg:        cfg,
		deadlines:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *Service) Start() { go s.sweepLoop() }

// Stop ends the periodic sweep loop.
func (s *Service) Stop() { close(s.stopCh) }

// StartupReconcile scans all non-terminal operations at coordinator
// startup. Backend-local-owned RUNNING operations cannot have survived the
// restart and are failed immediately; worker-owned RUNNING operations get a
// grace window to re-register before being failed as orphaned.
func (s *Service) StartupReconcile(ctx context.Context, nonTerminal []*types.Operation) error {
	for _, op := range nonTerminal {
		if op.Status != types.StatusRunning {
			continue
		}
		if op.Owner == types.BackendLocal {
			if err := s.ops.FailOrphaned(ctx, op.OperationID); err != nil {
				log.WithOperationID(op.OperationID).Error().Err(err).Msg("failed to fail backend-local operation at startup")
			}
			continue
		}
		if err := s.ops.MarkPendingReconciliation(ctx, op.OperationID); err != nil {
			log.WithOperationID(op.OperationID).Error().Err(err).Msg("failed to mark operation pending reconciliation at startup")
			continue
		}
		s.mu.Lock()
		s.deadlines[op.OperationID] = time.Now().Add(s.cfg.ReconciliationGrace)
		s.mu.Unlock()
	}
	return nil
}

// ReconcileRegistration implements registry.ReconciliationHandler. Ordering
// is strict: completed_operations[] first, then current_operation_id, so a
// just-completed operation is never resurrected by the current_operation_id
// branch.
func (s *Service) ReconcileRegistration(ctx context.Context, workerID string, workerType types.OperationType, currentOperationID *string, completed []registry.CompletedOperation) (*string, string, error) {
	for _, c := range completed {
		if err := s.applyCompleted(ctx, workerID, c); err != nil {
			log.WithOperationID(c.OperationID).Error().Err(err).Msg("failed to apply reported completed operation")
		}
	}

	if currentOperationID == nil {
		return nil, "IDLE", nil
	}

	directive, err := s.reconcileCurrent(ctx, workerID, workerType, *currentOperationID)
	if err != nil {
		return nil, "", err
	}
	if directive == "STOP" {
		return nil, directive, nil
	}
	return currentOperationID, directive, nil
}

// ReconcileHeartbeat is the lightweight per-heartbeat check: if the
// operation is RUNNING and owned by workerID, refresh its heartbeat;
// mismatches are logged but not corrected here (registration is the
// authoritative reconciliation point).
func (s *Service) ReconcileHeartbeat(ctx context.Context, workerID string, operationID string) error {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if op == nil {
		return nil
	}
	if op.Status == types.StatusRunning && op.Owner == workerID {
		return s.ops.Heartbeat(ctx, operationID)
	}
	return nil
}

// IsCancelRequested implements registry.ReconciliationHandler.
func (s *Service) IsCancelRequested(ctx context.Context, operationID string) (bool, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return false, err
	}
	if op == nil {
		return false, nil
	}
	return op.CancelRequested, nil
}

func (s *Service) applyCompleted(ctx context.Context, workerID string, c registry.CompletedOperation) error {
	op, err := s.ops.Get(ctx, c.OperationID)
	if err != nil {
		return err
	}
	if op == nil {
		return nil
	}
	if op.Status.Terminal() {
		return nil
	}

	s.clearDeadline(c.OperationID)
	metrics.ReconciliationActionsTotal.WithLabelValues("apply_completed").Inc()

	switch c.Status {
	case types.StatusCompleted:
		return s.ops.Complete(ctx, c.OperationID, c.Result)
	case types.StatusCancelled:
		return s.ops.FinishCancellation(ctx, c.OperationID)
	case types.StatusFailed:
		opErr := types.OperationError{Kind: types.ErrorKindDomainException, Message: "worker reported failure"}
		if c.Error != nil {
			opErr = *c.Error
		}
		return s.ops.Fail(ctx, c.OperationID, opErr)
	default:
		return fmt.Errorf("unexpected terminal status reported for %s: %s", c.OperationID, c.Status)
	}
}

func (s *Service) reconcileCurrent(ctx context.Context, workerID string, workerType types.OperationType, operationID string) (string, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return "", err
	}

	if op == nil {
		// Worker survived a full backend data loss: recreate the record in
		// the DB-stated owner, typed as the worker itself reports.
		if _, err := s.ops.Create(ctx, operationID, workerType, workerID, json.RawMessage(`{}`)); err != nil {
			return "", err
		}
		if err := s.ops.Start(ctx, operationID, workerID); err != nil {
			return "", err
		}
		metrics.ReconciliationActionsTotal.WithLabelValues("recreate_from_worker").Inc()
		return "CONTINUE", nil
	}

	switch op.Status {
	case types.StatusRunning:
		if op.Owner == workerID {
			metrics.ReconciliationActionsTotal.WithLabelValues("refresh_heartbeat").Inc()
			return "CONTINUE", s.ops.Heartbeat(ctx, operationID)
		}
		// Different owner already running it: trust the DB, tell this
		// worker to stop rather than contest ownership.
		metrics.ReconciliationActionsTotal.WithLabelValues("stop_contested_owner").Inc()
		return "STOP", nil
	case types.StatusPendingReconciliation:
		if err := s.ops.Start(ctx, operationID, workerID); err != nil {
			return "", err
		}
		s.clearDeadline(operationID)
		metrics.ReconciliationActionsTotal.WithLabelValues("resolve_pending_reconciliation").Inc()
		return "CONTINUE", nil
	case types.StatusCompleted, types.StatusCancelled, types.StatusFailed:
		metrics.ReconciliationActionsTotal.WithLabelValues("stop_terminal").Inc()
		return "STOP", nil
	default:
		// PENDING, RESUMING, CANCEL_REQUESTED: not this worker's to claim yet.
		return "STOP", nil
	}
}

func (s *Service) clearDeadline(operationID string) {
	s.mu.Lock()
	delete(s.deadlines, operationID)
	s.mu.Unlock()
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce runs one reconciliation sweep: fails RUNNING operations whose
// heartbeat has gone silent past orphan_timeout, and fails
// PENDING_RECONCILIATION operations whose grace window has expired.
func (s *Service) SweepOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	defer metrics.ReconciliationCyclesTotal.Inc()

	s.sweepOrphanedRunning(ctx)
	s.sweepExpiredGraceWindows(ctx)
}

func (s *Service) sweepOrphanedRunning(ctx context.Context) {
	running, err := s.ops.List(ctx, operation.ListFilter{Status: types.StatusRunning})
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("failed to list running operations for sweep")
		return
	}
	cutoff := time.Now().Add(-s.cfg.OrphanTimeout)
	for _, op := range running {
		if op.LastHeartbeatAt == nil || op.LastHeartbeatAt.Before(cutoff) {
			if err := s.ops.FailOrphaned(ctx, op.OperationID); err != nil {
				log.WithOperationID(op.OperationID).Error().Err(err).Msg("failed to fail orphaned operation")
				continue
			}
			metrics.ReconciliationActionsTotal.WithLabelValues("orphan_timeout").Inc()
		}
	}
}

func (s *Service) sweepExpiredGraceWindows(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var expired []string
	for operationID, deadline := range s.deadlines {
		if now.After(deadline) {
			expired = append(expired, operationID)
		}
	}
	for _, id := range expired {
		delete(s.deadlines, id)
	}
	s.mu.Unlock()

	for _, operationID := range expired {
		if err := s.ops.FailOrphaned(ctx, operationID); err != nil {
			log.WithOperationID(operationID).Error().Err(err).Msg("failed to fail operation after reconciliation grace expiry")
			continue
		}
		metrics.ReconciliationActionsTotal.WithLabelValues("reconciliation_grace_expired").Inc()
	}
}
