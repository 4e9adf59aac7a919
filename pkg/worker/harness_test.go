package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktrdr/core/pkg/checkpoint"
	"github.com/ktrdr/core/pkg/types"
)

func newTestHarness(t *testing.T, policy CheckpointPolicy, client *CoordinatorClient) *Harness {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := checkpoint.New(db, t.TempDir())
	h := NewHarness("op_1", types.OperationTypeTraining, policy, store, client, "worker_1")
	t.Cleanup(h.Stop)
	return h
}

func TestHarness_ShouldCheckpoint_UnitInterval(t *testing.T) {
	h := newTestHarness(t, CheckpointPolicy{UnitInterval: 10}, NewCoordinatorClient("http://unused"))

	assert.False(t, h.ShouldCheckpoint(5))
	assert.True(t, h.ShouldCheckpoint(10))
}

func TestHarness_ShouldCheckpoint_TimeInterval(t *testing.T) {
	h := newTestHarness(t, CheckpointPolicy{TimeInterval: 10 * time.Millisecond}, NewCoordinatorClient("http://unused"))

	assert.False(t, h.ShouldCheckpoint(1))
	time.Sleep(15 * time.Millisecond)
	assert.True(t, h.ShouldCheckpoint(1))
}

func TestHarness_Checkpoint_ResetsTrigger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectExec("INSERT INTO checkpoints").WillReturnResult(sqlmock.NewResult(0, 1))

	h := NewHarness("op_1", types.OperationTypeTraining, CheckpointPolicy{UnitInterval: 5}, checkpoint.New(db, t.TempDir()), NewCoordinatorClient("http://unused"), "worker_1")
	t.Cleanup(h.Stop)

	require.True(t, h.ShouldCheckpoint(5))
	require.NoError(t, h.Checkpoint(context.Background(), types.CheckpointPeriodic, 5, json.RawMessage(`{}`), nil))
	assert.False(t, h.ShouldCheckpoint(9))
	assert.True(t, h.ShouldCheckpoint(10))
}

func TestHarness_UpdateProgress_FlushesCancelRequestedAck(t *testing.T) {
	var gotPercent float64
	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if progress, ok := body["progress"].(map[string]interface{}); ok {
			gotPercent, _ = progress["percent"].(float64)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"cancel_requested": true})
	}))
	defer coordinator.Close()

	client := NewCoordinatorClient(coordinator.URL)
	h := newTestHarness(t, CheckpointPolicy{}, client)

	h.UpdateProgress(5, 10, "halfway", nil)

	require.Eventually(t, func() bool {
		return h.IsCancelRequested()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 50.0, gotPercent)
}
