package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktrdr/core/pkg/checkpoint"
	"github.com/ktrdr/core/pkg/types"
)

// blockingExecutor's Run/Resume block on release so tests can observe the
// "busy" window deterministically instead of racing a real unit loop.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
}

func (e *blockingExecutor) Run(ctx context.Context, h *Harness, requestPayload json.RawMessage) (json.RawMessage, error) {
	close(e.started)
	<-e.release
	return json.RawMessage(`{"done":true}`), nil
}

func (e *blockingExecutor) Resume(ctx context.Context, h *Harness, resume ResumeContext) (json.RawMessage, error) {
	close(e.started)
	<-e.release
	return json.RawMessage(`{"done":true}`), nil
}

func newTestRuntime(t *testing.T, exec Executor) *Runtime {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := checkpoint.New(db, t.TempDir())
	return New(Config{WorkerID: "worker_1", WorkerType: types.OperationTypeTraining}, store, exec)
}

func TestRuntime_HandleStart_RejectsSecondOperationWhileBusy(t *testing.T) {
	exec := newBlockingExecutor()
	rt := newTestRuntime(t, exec)

	srv := httptest.NewServer(rt.Router())
	defer srv.Close()

	body, _ := json.Marshal(startRequestBody{OperationID: "op_1", RequestPayload: json.RawMessage(`{"total_units":1}`)})
	resp, err := http.Post(srv.URL+"/training/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	<-exec.started

	body2, _ := json.Marshal(startRequestBody{OperationID: "op_2", RequestPayload: json.RawMessage(`{}`)})
	resp2, err := http.Post(srv.URL+"/training/start", "application/json", bytes.NewReader(body2))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)

	close(exec.release)
}

func TestRuntime_HandleCancel_SetsFlagOnMatchingOperation(t *testing.T) {
	exec := newBlockingExecutor()
	rt := newTestRuntime(t, exec)

	srv := httptest.NewServer(rt.Router())
	defer srv.Close()

	body, _ := json.Marshal(startRequestBody{OperationID: "op_1", RequestPayload: json.RawMessage(`{}`)})
	resp, err := http.Post(srv.URL+"/training/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	<-exec.started

	cancelResp, err := http.Post(srv.URL+"/operations/op_1/cancel", "application/json", nil)
	require.NoError(t, err)
	defer cancelResp.Body.Close()
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)

	rt.mu.Lock()
	slot := rt.current
	rt.mu.Unlock()
	require.NotNil(t, slot)
	assert.True(t, slot.harness.IsCancelRequested())

	close(exec.release)
}

func TestRuntime_HandleCancel_NotFoundForUnknownOperation(t *testing.T) {
	rt := newTestRuntime(t, newBlockingExecutor())

	srv := httptest.NewServer(rt.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/operations/op_missing/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRuntime_RecordOutcome_MarksCancelledWhenFlagSet(t *testing.T) {
	exec := newBlockingExecutor()
	rt := newTestRuntime(t, exec)

	srv := httptest.NewServer(rt.Router())
	defer srv.Close()

	body, _ := json.Marshal(startRequestBody{OperationID: "op_1", RequestPayload: json.RawMessage(`{}`)})
	resp, err := http.Post(srv.URL+"/training/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	<-exec.started

	rt.mu.Lock()
	slot := rt.current
	rt.mu.Unlock()
	require.NotNil(t, slot)
	slot.harness.SetCancelRequested(true)

	close(exec.release)
	<-slot.done

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Len(t, rt.completed, 1)
	assert.Equal(t, string(types.StatusCancelled), rt.completed[0].Status)
	assert.Nil(t, rt.current)
}
