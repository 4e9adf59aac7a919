package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/ktrdr/core/pkg/errors"
	"github.com/ktrdr/core/pkg/types"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func TestRepository_Create_Success(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec("INSERT INTO operations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	op, err := repo.Create(context.Background(), "op_1", types.OperationTypeTraining, "worker_1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, op.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Create_DuplicateFromCache(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec("INSERT INTO operations").WillReturnResult(sqlmock.NewResult(1, 1))
	_, err := repo.Create(context.Background(), "op_dup", types.OperationTypeTraining, "worker_1", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = repo.Create(context.Background(), "op_dup", types.OperationTypeTraining, "worker_1", json.RawMessage(`{}`))
	require.Error(t, err)
	coreErr := coreerrors.As(err)
	require.NotNil(t, coreErr)
	assert.Equal(t, coreerrors.CodeDuplicateOperation, coreErr.Code)
}

func TestRepository_Start_Success(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := sqlmock.NewRows([]string{"operation_id", "ownership_epoch"}).AddRow("op_2", int64(1))
	mock.ExpectQuery("UPDATE operations").WithArgs(
		string(types.StatusRunning), "worker_1", sqlmock.AnyArg(), "op_2", sqlmock.AnyArg(),
	).WillReturnRows(rows)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_2").
		WillReturnRows(operationRow("op_2", types.StatusRunning))

	err := repo.Start(context.Background(), "op_2", "worker_1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Start_StateConflict(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("UPDATE operations").WillReturnError(sqlErrNoRows())

	err := repo.Start(context.Background(), "op_3", "worker_1")
	require.Error(t, err)
	coreErr := coreerrors.As(err)
	require.NotNil(t, coreErr)
	assert.Equal(t, coreerrors.CodeStateConflict, coreErr.Code)
}

func TestRepository_Complete_DeletesCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	deleter := &fakeCheckpointDeleter{}
	repo := New(db, deleter)

	rows := sqlmock.NewRows([]string{"operation_id"}).AddRow("op_4")
	mock.ExpectQuery("UPDATE operations").WillReturnRows(rows)

	err = repo.Complete(context.Background(), "op_4", json.RawMessage(`{"result":true}`))
	require.NoError(t, err)
	assert.Equal(t, "op_4", deleter.deletedOperationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Start_ResetsProgressSoResumeCanRegressWithinNewEpoch(t *testing.T) {
	repo, mock := newMockRepository(t)

	// A prior epoch left a high-water mark of 60% cached for this operation.
	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_8").
		WillReturnRows(operationRow("op_8", types.StatusRunning))
	require.NoError(t, repo.UpdateProgress(context.Background(), "op_8", 60, "almost done", nil))

	// Start begins a new ownership epoch; the reload picks up the reset
	// progress_percent=0 row Start's own UPDATE wrote.
	rows := sqlmock.NewRows([]string{"operation_id", "ownership_epoch"}).AddRow("op_8", int64(2))
	mock.ExpectQuery("UPDATE operations").WithArgs(
		string(types.StatusRunning), "worker_2", sqlmock.AnyArg(), "op_8", sqlmock.AnyArg(),
	).WillReturnRows(rows)
	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_8").
		WillReturnRows(operationRow("op_8", types.StatusRunning))
	require.NoError(t, repo.Start(context.Background(), "op_8", "worker_2"))

	// A resumed run reporting 40% must not be clamped back up to the prior
	// epoch's 60% high-water mark.
	require.NoError(t, repo.UpdateProgress(context.Background(), "op_8", 40, "resumed from checkpoint", nil))

	repo.mu.RLock()
	cached := repo.cache["op_8"]
	repo.mu.RUnlock()
	require.NotNil(t, cached)
	assert.Equal(t, 40.0, cached.Progress.Percent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Cancel_RunningMovesToCancelRequested(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_5").
		WillReturnRows(operationRow("op_5", types.StatusRunning))

	rows := sqlmock.NewRows([]string{"operation_id"}).AddRow("op_5")
	mock.ExpectQuery("UPDATE operations SET status").WithArgs(
		string(types.StatusCancelRequested), "op_5", string(types.StatusRunning),
	).WillReturnRows(rows)

	status, err := repo.Cancel(context.Background(), "op_5")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelRequested, status)
}

func TestRepository_Cancel_IdempotentOnTerminal(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_6").
		WillReturnRows(operationRow("op_6", types.StatusCompleted))

	status, err := repo.Cancel(context.Background(), "op_6")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, status)
}

func TestRepository_TryResume_OnlyFromCancelledOrFailed(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := sqlmock.NewRows([]string{"operation_id"}).AddRow("op_7")
	mock.ExpectQuery("UPDATE operations SET status").WithArgs(
		string(types.StatusResuming), "op_7", sqlmock.AnyArg(),
	).WillReturnRows(rows)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_7").
		WillReturnRows(operationRow("op_7", types.StatusResuming))

	op, err := repo.TryResume(context.Background(), "op_7")
	require.NoError(t, err)
	assert.Equal(t, types.StatusResuming, op.Status)
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_missing").
		WillReturnError(sqlErrNoRows())

	op, err := repo.Get(context.Background(), "op_missing")
	require.NoError(t, err)
	assert.Nil(t, op)
}

// operationRow builds a full row matching operationColumns for the given id/status.
func operationRow(operationID string, status types.OperationStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"operation_id", "operation_type", "status", "owner", "created_at", "started_at", "completed_at",
		"progress_percent", "progress_message", "progress_context", "progress_updated_at",
		"request_payload", "result", "error_kind", "error_message", "error_context",
		"last_heartbeat_at", "reconciliation_status", "ownership_epoch", "cancel_requested",
	}).AddRow(
		operationID, string(types.OperationTypeTraining), string(status), "worker_1", now, nil, nil,
		0.0, "", []byte(`{}`), now,
		[]byte(`{}`), nil, nil, nil, nil,
		nil, "", int64(1), false,
	)
}

func sqlErrNoRows() error {
	return sql.ErrNoRows
}

type fakeCheckpointDeleter struct {
	deletedOperationID string
}

func (f *fakeCheckpointDeleter) Delete(ctx context.Context, operationID string) (bool, error) {
	f.deletedOperationID = operationID
	return true, nil
}
