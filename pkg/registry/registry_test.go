package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktrdr/core/pkg/types"
)

type fakeReconciler struct {
	reconcileCalls   int
	directive        string
	reconciled       *string
	cancelRequested  bool
	lastWorkerType   types.OperationType
}

func (f *fakeReconciler) ReconcileRegistration(ctx context.Context, workerID string, workerType types.OperationType, currentOperationID *string, completed []CompletedOperation) (*string, string, error) {
	f.reconcileCalls++
	f.lastWorkerType = workerType
	return f.reconciled, f.directive, nil
}

func (f *fakeReconciler) ReconcileHeartbeat(ctx context.Context, workerID string, operationID string) error {
	return nil
}

func (f *fakeReconciler) IsCancelRequested(ctx context.Context, operationID string) (bool, error) {
	return f.cancelRequested, nil
}

func TestRegistry_Register_PersistsAndReconciles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO workers").WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &fakeReconciler{directive: "IDLE"}
	reg := New(db, rec, Config{})

	ack, err := reg.Register(context.Background(), "worker_1", types.OperationTypeTraining, "http://worker1:8080", json.RawMessage(`{"gpu":true}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "IDLE", ack.Directive)
	assert.Equal(t, 1, rec.reconcileCalls)
	assert.Equal(t, types.OperationTypeTraining, rec.lastWorkerType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Select_PrefersLeastRecentlyUsed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO workers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workers").WillReturnResult(sqlmock.NewResult(0, 1))

	reg := New(db, nil, Config{})
	ctx := context.Background()

	_, err = reg.Register(ctx, "worker_b", types.OperationTypeTraining, "http://b", nil, nil, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = reg.Register(ctx, "worker_a", types.OperationTypeTraining, "http://a", nil, nil, nil)
	require.NoError(t, err)

	selected, err := reg.Select(types.OperationTypeTraining, nil)
	require.NoError(t, err)
	assert.Equal(t, "worker_b", selected.WorkerID, "earlier heartbeat should win selection")
}

func TestRegistry_Select_NoneAvailable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := New(db, nil, Config{})
	_, err = reg.Select(types.OperationTypeBacktesting, nil)
	require.Error(t, err)
}

func TestRegistry_Select_FiltersOnCapabilities(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO workers").WillReturnResult(sqlmock.NewResult(0, 1))

	reg := New(db, nil, Config{})
	_, err = reg.Register(context.Background(), "worker_cpu", types.OperationTypeTraining, "http://cpu", json.RawMessage(`{"gpu":false}`), nil, nil)
	require.NoError(t, err)

	_, err = reg.Select(types.OperationTypeTraining, SelectionFilters{"gpu": true})
	require.Error(t, err, "worker without gpu=true should not match the filter")
}

func TestRegistry_Heartbeat_RecoversFromUnresponsive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO workers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workers").WillReturnResult(sqlmock.NewResult(0, 1))

	reg := New(db, nil, Config{})
	ctx := context.Background()
	_, err = reg.Register(ctx, "worker_x", types.OperationTypeTraining, "http://x", nil, nil, nil)
	require.NoError(t, err)

	reg.mu.Lock()
	reg.workers["worker_x"].State = types.WorkerStateUnresponsive
	reg.mu.Unlock()

	_, err = reg.Heartbeat(ctx, "worker_x", nil)
	require.NoError(t, err)

	w := reg.Get("worker_x")
	assert.Equal(t, types.WorkerStateAvailable, w.State)
}

func TestRegistry_SweepOnce_MarksStaleWorkersUnresponsive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO workers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workers").WillReturnResult(sqlmock.NewResult(0, 1))

	reg := New(db, nil, Config{HeartbeatTimeout: 10 * time.Millisecond, SweepInterval: time.Hour})
	ctx := context.Background()
	_, err = reg.Register(ctx, "worker_stale", types.OperationTypeTraining, "http://stale", nil, nil, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	reg.sweepOnce(ctx)

	w := reg.Get("worker_stale")
	assert.Equal(t, types.WorkerStateUnresponsive, w.State)
}
