package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktrdr/core/pkg/operation"
	"github.com/ktrdr/core/pkg/registry"
	"github.com/ktrdr/core/pkg/types"
)

// fakeOps is an in-memory stand-in for the Operation Repository, sufficient
// to exercise the Reconciler's policy table without a database.
type fakeOps struct {
	mu  sync.Mutex
	ops map[string]*types.Operation
}

func newFakeOps() *fakeOps {
	return &fakeOps{ops: make(map[string]*types.Operation)}
}

func (f *fakeOps) put(op *types.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op.OperationID] = op
}

func (f *fakeOps) Get(ctx context.Context, operationID string) (*types.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[operationID]
	if !ok {
		return nil, nil
	}
	cp := *op
	return &cp, nil
}

func (f *fakeOps) Create(ctx context.Context, operationID string, opType types.OperationType, owner string, requestPayload json.RawMessage) (*types.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := &types.Operation{OperationID: operationID, OperationType: opType, Owner: owner, Status: types.StatusPending, RequestPayload: requestPayload}
	f.ops[operationID] = op
	return op, nil
}

func (f *fakeOps) Start(ctx context.Context, operationID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[operationID]
	if !ok {
		return assertErr("not found")
	}
	op.Status = types.StatusRunning
	op.Owner = owner
	now := time.Now()
	op.LastHeartbeatAt = &now
	return nil
}

func (f *fakeOps) Heartbeat(ctx context.Context, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[operationID]
	if !ok {
		return nil
	}
	now := time.Now()
	op.LastHeartbeatAt = &now
	return nil
}

func (f *fakeOps) Complete(ctx context.Context, operationID string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[operationID]
	op.Status = types.StatusCompleted
	op.Result = result
	return nil
}

func (f *fakeOps) Fail(ctx context.Context, operationID string, opErr types.OperationError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[operationID]
	op.Status = types.StatusFailed
	op.Error = &opErr
	return nil
}

func (f *fakeOps) FailOrphaned(ctx context.Context, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[operationID]
	op.Status = types.StatusFailed
	op.Error = &types.OperationError{Kind: types.ErrorKindOrphaned, Message: "orphaned"}
	return nil
}

func (f *fakeOps) Cancel(ctx context.Context, operationID string) (types.OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[operationID]
	op.Status = types.StatusCancelled
	return op.Status, nil
}

func (f *fakeOps) FinishCancellation(ctx context.Context, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[operationID]
	op.Status = types.StatusCancelled
	return nil
}

func (f *fakeOps) MarkPendingReconciliation(ctx context.Context, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[operationID]
	op.Status = types.StatusPendingReconciliation
	return nil
}

func (f *fakeOps) List(ctx context.Context, filter operation.ListFilter) ([]*types.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Operation
	for _, op := range f.ops {
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestReconciler_ApplyCompleted_MarksCompletedAndStopsFurtherClaims(t *testing.T) {
	ops := newFakeOps()
	now := time.Now()
	ops.put(&types.Operation{OperationID: "op_1", Status: types.StatusRunning, Owner: "worker_1", LastHeartbeatAt: &now})

	svc := New(ops, nil, Config{})
	_, directive, err := svc.ReconcileRegistration(context.Background(), "worker_1", types.OperationTypeTraining, nil, []registry.CompletedOperation{
		{OperationID: "op_1", Status: types.StatusCompleted, Result: json.RawMessage(`{"ok":true}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "IDLE", directive)

	op, _ := ops.Get(context.Background(), "op_1")
	assert.Equal(t, types.StatusCompleted, op.Status)
}

func TestReconciler_CurrentOperation_SameOwnerContinues(t *testing.T) {
	ops := newFakeOps()
	now := time.Now()
	ops.put(&types.Operation{OperationID: "op_2", Status: types.StatusRunning, Owner: "worker_1", LastHeartbeatAt: &now})

	svc := New(ops, nil, Config{})
	id := "op_2"
	reconciled, directive, err := svc.ReconcileRegistration(context.Background(), "worker_1", types.OperationTypeTraining, &id, nil)
	require.NoError(t, err)
	assert.Equal(t, "CONTINUE", directive)
	require.NotNil(t, reconciled)
	assert.Equal(t, "op_2", *reconciled)
}

func TestReconciler_CurrentOperation_TerminalInDB_ReturnsStop(t *testing.T) {
	ops := newFakeOps()
	ops.put(&types.Operation{OperationID: "op_3", Status: types.StatusCompleted, Owner: "worker_1"})

	svc := New(ops, nil, Config{})
	id := "op_3"
	reconciled, directive, err := svc.ReconcileRegistration(context.Background(), "worker_1", types.OperationTypeTraining, &id, nil)
	require.NoError(t, err)
	assert.Equal(t, "STOP", directive)
	assert.Nil(t, reconciled)
}

func TestReconciler_CurrentOperation_NoRecord_RecreatesFromWorker(t *testing.T) {
	ops := newFakeOps()
	svc := New(ops, nil, Config{})
	id := "op_4"

	reconciled, directive, err := svc.ReconcileRegistration(context.Background(), "worker_1", types.OperationTypeBacktesting, &id, nil)
	require.NoError(t, err)
	assert.Equal(t, "CONTINUE", directive)
	require.NotNil(t, reconciled)

	op, _ := ops.Get(context.Background(), "op_4")
	require.NotNil(t, op)
	assert.Equal(t, types.StatusRunning, op.Status)
	assert.Equal(t, "worker_1", op.Owner)
	assert.Equal(t, types.OperationTypeBacktesting, op.OperationType, "recreated operation must carry the worker's reported type, not a hardcoded default")
}

func TestReconciler_StartupReconcile_BackendLocalFailsImmediately(t *testing.T) {
	ops := newFakeOps()
	ops.put(&types.Operation{OperationID: "op_5", Status: types.StatusRunning, Owner: types.BackendLocal})

	svc := New(ops, nil, Config{})
	op, _ := ops.Get(context.Background(), "op_5")
	require.NoError(t, svc.StartupReconcile(context.Background(), []*types.Operation{op}))

	after, _ := ops.Get(context.Background(), "op_5")
	assert.Equal(t, types.StatusFailed, after.Status)
	assert.Equal(t, types.ErrorKindOrphaned, after.Error.Kind)
}

func TestReconciler_StartupReconcile_WorkerOwnedGetsGraceWindow(t *testing.T) {
	ops := newFakeOps()
	ops.put(&types.Operation{OperationID: "op_6", Status: types.StatusRunning, Owner: "worker_1"})

	svc := New(ops, nil, Config{ReconciliationGrace: 50 * time.Millisecond, OrphanTimeout: time.Hour, SweepInterval: time.Hour})
	op, _ := ops.Get(context.Background(), "op_6")
	require.NoError(t, svc.StartupReconcile(context.Background(), []*types.Operation{op}))

	after, _ := ops.Get(context.Background(), "op_6")
	assert.Equal(t, types.StatusPendingReconciliation, after.Status)

	id := "op_6"
	reconciled, directive, err := svc.ReconcileRegistration(context.Background(), "worker_1", types.OperationTypeTraining, &id, nil)
	require.NoError(t, err)
	assert.Equal(t, "CONTINUE", directive)
	assert.Equal(t, "op_6", *reconciled)

	resolved, _ := ops.Get(context.Background(), "op_6")
	assert.Equal(t, types.StatusRunning, resolved.Status)
}

func TestReconciler_SweepOnce_FailsOrphanedAfterTimeout(t *testing.T) {
	ops := newFakeOps()
	stale := time.Now().Add(-time.Hour)
	ops.put(&types.Operation{OperationID: "op_7", Status: types.StatusRunning, Owner: "worker_1", LastHeartbeatAt: &stale})

	svc := New(ops, nil, Config{OrphanTimeout: 10 * time.Second, SweepInterval: time.Hour, ReconciliationGrace: time.Hour})
	svc.SweepOnce(context.Background())

	op, _ := ops.Get(context.Background(), "op_7")
	assert.Equal(t, types.StatusFailed, op.Status)
	assert.Equal(t, types.ErrorKindOrphaned, op.Error.Kind)
}

func TestReconciler_SweepOnce_ExpiresGraceWindow(t *testing.T) {
	ops := newFakeOps()
	ops.put(&types.Operation{OperationID: "op_8", Status: types.StatusRunning, Owner: "worker_1"})

	svc := New(ops, nil, Config{ReconciliationGrace: 1 * time.Millisecond, OrphanTimeout: time.Hour, SweepInterval: time.Hour})
	op, _ := ops.Get(context.Background(), "op_8")
	require.NoError(t, svc.StartupReconcile(context.Background(), []*types.Operation{op}))

	time.Sleep(5 * time.Millisecond)
	svc.SweepOnce(context.Background())

	after, _ := ops.Get(context.Background(), "op_8")
	assert.Equal(t, types.StatusFailed, after.Status)
}
