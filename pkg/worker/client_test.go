package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorClient_Register_ReturnsDirective(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/workers/register", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "worker_1", body["worker_id"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"directive": "IDLE"})
	}))
	defer srv.Close()

	client := NewCoordinatorClient(srv.URL)
	ack, err := client.Register(context.Background(), "worker_1", "training", "http://worker1:9000", json.RawMessage(`["training"]`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "IDLE", ack.Directive)
}

func TestCoordinatorClient_Heartbeat_OmitsProgressWhenNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasProgress := body["progress"]
		assert.False(t, hasProgress)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"cancel_requested": false})
	}))
	defer srv.Close()

	client := NewCoordinatorClient(srv.URL)
	operationID := "op_1"
	ack, err := client.Heartbeat(context.Background(), "worker_1", &operationID, nil)
	require.NoError(t, err)
	assert.False(t, ack.CancelRequested)
}

func TestCoordinatorClient_Heartbeat_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewCoordinatorClient(srv.URL)
	_, err := client.Heartbeat(context.Background(), "worker_1", nil, nil)
	assert.Error(t, err)
}
