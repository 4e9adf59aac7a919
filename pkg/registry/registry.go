// Package registry implements the Worker Registry: the authoritative index
// of known workers, their liveness, and deterministic selection for
// dispatch. State is held in memory and mirrored to the database on every
// mutation.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	coreerrors "github.com/ktrdr/core/pkg/errors"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/metrics"
	"github.com/ktrdr/core/pkg/types"
)

// CompletedOperation is one entry of a registration packet's
// completed_operations list: a terminal result the worker is reporting
// because it may have been unreachable when the operation actually finished.
type CompletedOperation struct {
	OperationID string                `json:"operation_id"`
	Status      types.OperationStatus `json:"status"`
	Result      json.RawMessage       `json:"result,omitempty"`
	Error       *types.OperationError `json:"error,omitempty"`
	CompletedAt time.Time             `json:"completed_at"`
}

// RegistrationAck is returned by Register, and tells the worker what to do
// about the operation it claims to currently own.
type RegistrationAck struct {
	ReconciledCurrentOperationID *string
	Directive                    string // CONTINUE | STOP | IDLE
}

// HeartbeatAck is returned by Heartbeat.
type HeartbeatAck struct {
	CancelRequested bool
}

// ReconciliationHandler is the narrow view of the Reconciler the Registry
// needs. Registration and heartbeat reconciliation happen synchronously as
// part of the mutation per §4.3; the Reconciler is injected to avoid a
// package import cycle (reconciler depends on both registry and operation).
type ReconciliationHandler interface {
	ReconcileRegistration(ctx context.Context, workerID string, workerType types.OperationType, currentOperationID *string, completed []CompletedOperation) (*string, string, error)
	ReconcileHeartbeat(ctx context.Context, workerID string, operationID string) error
	IsCancelRequested(ctx context.Context, operationID string) (bool, error)
}

// Registry is the in-memory worker index with a durable database mirror.
type Registry struct {
	db          *sql.DB
	reconciler  ReconciliationHandler
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	mu      sync.RWMutex
	workers map[string]*types.Worker
	locks   map[string]*sync.Mutex // per-worker serialization for register+reconcile

	stopCh  chan struct{}
	started bool
}

// Config tunes the liveness sweep.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig matches §4.3's defaults: 60s heartbeat timeout, 10s sweep.
func DefaultConfig() Config {
	return Config{HeartbeatTimeout: 60 * time.Second, SweepInterval: 10 * time.Second}
}

// New constructs a Registry. reconciler may be nil in tests that do not
// exercise reconciliation.
func New(db *sql.DB, reconciler ReconciliationHandler, cfg Config) *Registry {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Registry{
		db:               db,
		reconciler:       reconciler,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		sweepInterval:    cfg.SweepInterval,
		workers:          make(map[string]*types.Worker),
		locks:            make(map[string]*sync.Mutex),
		stopCh:           make(chan struct{}),
	}
}

// LoadFromDB populates the in-memory index from the database, for use on
// coordinator startup.
func (r *Registry) LoadFromDB(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT worker_id, worker_type, endpoint_url, capabilities, state, current_operation_id, last_heartbeat_at, registered_at
		  FROM workers
	`)
	if err != nil {
		return fmt.Errorf("load workers: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return err
		}
		r.workers[w.WorkerID] = w
	}
	return rows.Err()
}

// Start begins the liveness sweep loop.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.sweepLoop()
}

// Stop ends the liveness sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) lockFor(workerID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[workerID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[workerID] = l
	}
	return l
}

// Register creates or updates the worker row, then synchronously invokes
// reconciliation on completed_operations (in order) and current_operation_id.
func (r *Registry) Register(ctx context.Context, workerID string, workerType types.OperationType, endpointURL string, capabilities json.RawMessage, currentOperationID *string, completed []CompletedOperation) (RegistrationAck, error) {
	lock := r.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	w := &types.Worker{
		WorkerID:           workerID,
		WorkerType:         workerType,
		EndpointURL:        endpointURL,
		Capabilities:       capabilities,
		State:              types.WorkerStateAvailable,
		CurrentOperationID: currentOperationID,
		LastHeartbeatAt:    now,
		RegisteredAt:       now,
	}
	if currentOperationID != nil {
		w.State = types.WorkerStateBusy
	}

	if err := r.persist(ctx, w, true); err != nil {
		return RegistrationAck{}, err
	}

	r.mu.Lock()
	if existing, ok := r.workers[workerID]; ok {
		w.RegisteredAt = existing.RegisteredAt
	}
	r.workers[workerID] = w
	r.mu.Unlock()

	metrics.WorkersTotal.WithLabelValues(string(workerType), string(w.State)).Inc()
	log.WithWorkerID(workerID).Info().Str("worker_type", string(workerType)).Msg("worker registered")

	if r.reconciler == nil {
		return RegistrationAck{ReconciledCurrentOperationID: currentOperationID, Directive: directiveFor(currentOperationID)}, nil
	}

	reconciled, directive, err := r.reconciler.ReconcileRegistration(ctx, workerID, workerType, currentOperationID, completed)
	if err != nil {
		return RegistrationAck{}, err
	}
	return RegistrationAck{ReconciledCurrentOperationID: reconciled, Directive: directive}, nil
}

func directiveFor(currentOperationID *string) string {
	if currentOperationID == nil {
		return "IDLE"
	}
	return "CONTINUE"
}

// Heartbeat refreshes last_heartbeat_at and, if the worker was
// UNRESPONSIVE, restores its prior availability state. Returns whether
// cancellation has been requested for the worker's current operation.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, currentOperationID *string) (HeartbeatAck, error) {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return HeartbeatAck{}, coreerrors.NotFound("worker", workerID)
	}

	now := time.Now().UTC()
	w.LastHeartbeatAt = now
	if w.State == types.WorkerStateUnresponsive {
		if currentOperationID != nil {
			w.State = types.WorkerStateBusy
		} else {
			w.State = types.WorkerStateAvailable
		}
		log.WithWorkerID(workerID).Info().Msg("worker recovered from unresponsive state")
	}
	w.CurrentOperationID = currentOperationID
	snapshot := *w
	r.mu.Unlock()

	if err := r.persist(ctx, &snapshot, false); err != nil {
		return HeartbeatAck{}, err
	}

	var cancelRequested bool
	if r.reconciler != nil && currentOperationID != nil {
		if err := r.reconciler.ReconcileHeartbeat(ctx, workerID, *currentOperationID); err != nil {
			log.WithWorkerID(workerID).Error().Err(err).Msg("heartbeat reconciliation failed")
		}
		if requested, err := r.reconciler.IsCancelRequested(ctx, *currentOperationID); err == nil {
			cancelRequested = requested
		}
	}

	return HeartbeatAck{CancelRequested: cancelRequested}, nil
}

// Deregister transitions the worker to DEREGISTERED. Any operation it was
// running is left for the Reconciler.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return coreerrors.NotFound("worker", workerID)
	}
	w.State = types.WorkerStateDeregistered
	snapshot := *w
	r.mu.Unlock()

	log.WithWorkerID(workerID).Info().Msg("worker deregistered")
	return r.persist(ctx, &snapshot, false)
}

// SelectionFilters narrows candidate workers beyond the required capability.
// Equality-matched against the worker's capabilities JSON document.
type SelectionFilters map[string]interface{}

// Select returns an AVAILABLE worker whose worker_type matches
// requiredCapability and whose capabilities satisfy filters. Ties are broken
// by least-recently-used (earliest last_heartbeat_at), then lexicographic
// worker_id.
func (r *Registry) Select(requiredCapability types.OperationType, filters SelectionFilters) (*types.Worker, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkerSelectionDuration)

	r.mu.RLock()
	var candidates []*types.Worker
	for _, w := range r.workers {
		if w.State != types.WorkerStateAvailable || w.WorkerType != requiredCapability {
			continue
		}
		if !matchesFilters(w.Capabilities, filters) {
			continue
		}
		candidates = append(candidates, w)
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		metrics.NoWorkerAvailableTotal.WithLabelValues(string(requiredCapability)).Inc()
		return nil, coreerrors.NoWorkerAvailable(string(requiredCapability))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastHeartbeatAt.Equal(candidates[j].LastHeartbeatAt) {
			return candidates[i].LastHeartbeatAt.Before(candidates[j].LastHeartbeatAt)
		}
		return candidates[i].WorkerID < candidates[j].WorkerID
	})
	return candidates[0], nil
}

func matchesFilters(capabilities json.RawMessage, filters SelectionFilters) bool {
	if len(filters) == 0 {
		return true
	}
	if len(capabilities) == 0 {
		return false
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(capabilities, &parsed); err != nil {
		return false
	}
	for key, want := range filters {
		got, ok := parsed[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// MarkBusy transitions a worker to BUSY with the given operation.
func (r *Registry) MarkBusy(ctx context.Context, workerID, operationID string) error {
	return r.transitionState(ctx, workerID, types.WorkerStateBusy, &operationID)
}

// MarkAvailable transitions a worker back to AVAILABLE with no current
// operation.
func (r *Registry) MarkAvailable(ctx context.Context, workerID string) error {
	return r.transitionState(ctx, workerID, types.WorkerStateAvailable, nil)
}

func (r *Registry) transitionState(ctx context.Context, workerID string, state types.WorkerState, operationID *string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return coreerrors.NotFound("worker", workerID)
	}
	w.State = state
	w.CurrentOperationID = operationID
	snapshot := *w
	r.mu.Unlock()

	return r.persist(ctx, &snapshot, false)
}

// Get returns the in-memory worker record, or nil if unknown.
func (r *Registry) Get(workerID string) *types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var stale []*types.Worker
	for _, w := range r.workers {
		if (w.State == types.WorkerStateAvailable || w.State == types.WorkerStateBusy) && w.LastHeartbeatAt.Before(cutoff) {
			w.State = types.WorkerStateUnresponsive
			cp := *w
			stale = append(stale, &cp)
		}
	}
	r.mu.Unlock()

	for _, w := range stale {
		log.WithWorkerID(w.WorkerID).Warn().Time("last_heartbeat_at", w.LastHeartbeatAt).Msg("worker marked unresponsive by liveness sweep")
		if err := r.persist(ctx, w, false); err != nil {
			log.WithWorkerID(w.WorkerID).Error().Err(err).Msg("failed to persist unresponsive state")
		}
	}
}

func (r *Registry) persist(ctx context.Context, w *types.Worker, insert bool) error {
	var err error
	if insert {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO workers (worker_id, worker_type, endpoint_url, capabilities, state, current_operation_id, last_heartbeat_at, registered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (worker_id) DO UPDATE
			   SET worker_type = EXCLUDED.worker_type,
			       endpoint_url = EXCLUDED.endpoint_url,
			       capabilities = EXCLUDED.capabilities,
			       state = EXCLUDED.state,
			       current_operation_id = EXCLUDED.current_operation_id,
			       last_heartbeat_at = EXCLUDED.last_heartbeat_at
		`, w.WorkerID, string(w.WorkerType), w.EndpointURL, []byte(w.Capabilities), string(w.State), w.CurrentOperationID, w.LastHeartbeatAt, w.RegisteredAt)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE workers
			   SET state = $1, current_operation_id = $2, last_heartbeat_at = $3
			 WHERE worker_id = $4
		`, string(w.State), w.CurrentOperationID, w.LastHeartbeatAt, w.WorkerID)
	}
	if err != nil {
		return fmt.Errorf("persist worker %s: %w", w.WorkerID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(rs rowScanner) (*types.Worker, error) {
	var w types.Worker
	var workerType, state string
	var capabilities []byte
	var currentOperationID sql.NullString

	if err := rs.Scan(&w.WorkerID, &workerType, &w.EndpointURL, &capabilities, &state, &currentOperationID, &w.LastHeartbeatAt, &w.RegisteredAt); err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.WorkerType = types.OperationType(workerType)
	w.State = types.WorkerState(state)
	w.Capabilities = capabilities
	if currentOperationID.Valid {
		id := currentOperationID.String
		w.CurrentOperationID = &id
	}
	return &w, nil
}
