package coordinator

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktrdr/core/pkg/checkpoint"
	"github.com/ktrdr/core/pkg/operation"
	"github.com/ktrdr/core/pkg/registry"
	"github.com/ktrdr/core/pkg/types"
)

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	encoded, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(encoded)
}

// newTestServer wires a Server on top of a single shared sqlmock database,
// mirroring how the coordinator and worker registry share one Postgres
// instance in production.
func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ops := operation.New(db, nil)
	reg := registry.New(db, nil, registry.Config{})
	store := checkpoint.New(db, t.TempDir())

	return New(ops, reg, store), mock
}

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

func noCheckpointRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"operation_id", "checkpoint_type", "created_at", "state", "artifact_handle", "state_bytes", "artifact_bytes"})
}

func TestServer_CreateOperation_NoWorkerAvailable(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectExec("INSERT INTO operations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("UPDATE operations SET status = \\$1, completed_at").
		WillReturnRows(sqlmock.NewRows([]string{"operation_id"}).AddRow("op_x"))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/operations/", "application/json",
		jsonBody(t, map[string]interface{}{"operation_type": "training", "request_payload": map[string]string{"a": "b"}}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NO_WORKER", body["error"])
}

func TestServer_CreateOperation_DispatchSucceeds(t *testing.T) {
	s, mock := newTestServer(t)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/training/start", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	mock.ExpectExec("INSERT INTO workers").WillReturnResult(sqlmock.NewResult(0, 1))
	_, err := s.registry.Register(context.Background(), "worker_1", types.OperationTypeTraining, worker.URL, nil, nil, nil)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO operations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("UPDATE operations").WithArgs(
		string(types.StatusRunning), "worker_1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
	).WillReturnRows(sqlmock.NewRows([]string{"operation_id", "ownership_epoch"}).AddRow("op_y", int64(1)))
	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WillReturnRows(operationRow("op_y", types.StatusRunning))
	mock.ExpectExec("UPDATE workers").WillReturnResult(sqlmock.NewResult(0, 1))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/operations/", "application/json",
		jsonBody(t, map[string]interface{}{"operation_type": "training", "request_payload": map[string]string{"a": "b"}}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(types.StatusRunning), body["status"])
}

func TestServer_GetOperation_NotFound(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_missing").
		WillReturnError(sql.ErrNoRows)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/operations/op_missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CancelOperation_IdempotentOnTerminal(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_done").
		WillReturnRows(operationRow("op_done", types.StatusCompleted))
	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_done").
		WillReturnRows(operationRow("op_done", types.StatusCompleted))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/operations/op_done", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(types.StatusCompleted), body["status"])
}

func TestServer_ResumeOperation_NoCheckpoint(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE operation_id").
		WithArgs("op_nck").
		WillReturnRows(operationRow("op_nck", types.StatusFailed))
	mock.ExpectQuery("SELECT operation_id, checkpoint_type, created_at, state, artifact_handle, state_bytes, artifact_bytes").
		WillReturnRows(noCheckpointRow())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/operations/op_nck/resume", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NO_CHECKPOINT", body["error"])
}
