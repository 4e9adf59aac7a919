// Package worker implements the Worker Runtime: the unit-loop harness an
// Executor runs inside, the HTTP surface the coordinator dispatches against,
// and the re-registration monitor that keeps the coordinator's Worker
// Registry view of this process honest across network blips.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ktrdr/core/pkg/checkpoint"
	coreerrors "github.com/ktrdr/core/pkg/errors"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/types"
)

// Config configures a Runtime.
type Config struct {
	WorkerID           string
	WorkerType         types.OperationType
	EndpointPublicURL  string
	CoordinatorURL     string
	ListenAddr         string
	CheckpointPolicy   CheckpointPolicy
	HeartbeatInterval  time.Duration
	CompletedRetention time.Duration
	DrainDeadline      time.Duration
}

// operationSlot tracks the single operation a worker may run at a time
// (§4.6: a worker reports one current_operation_id at a time).
type operationSlot struct {
	operationID string
	opType      types.OperationType
	harness     *Harness
	done        chan struct{}
}

// Runtime hosts exactly one operation at a time, per §5: a worker either
// has a current_operation_id or is idle.
type Runtime struct {
	cfg      Config
	client   *CoordinatorClient
	store    *checkpoint.Store
	executor Executor

	mu            sync.Mutex
	current       *operationSlot
	completed     []CompletedResult
	disconnected  bool
	consecutiveHB int
	shuttingDown  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Runtime. executor supplies the domain logic run inside
// the harness for both fresh starts and resumes.
func New(cfg Config, store *checkpoint.Store, executor Executor) *Runtime {
	return &Runtime{
		cfg:      cfg,
		client:   NewCoordinatorClient(cfg.CoordinatorURL),
		store:    store,
		executor: executor,
		stopCh:   make(chan struct{}),
	}
}

// Router builds the worker's HTTP surface: the dispatch entrypoints the
// coordinator calls, plus a cancel endpoint.
func (rt *Runtime) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Post("/training/start", rt.handleStart(types.OperationTypeTraining))
	r.Post("/backtesting/start", rt.handleStart(types.OperationTypeBacktesting))
	r.Post("/operations/{operationID}/cancel", rt.handleCancel)
	r.Get("/health", rt.handleHealth)

	return r
}

func (rt *Runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type startRequestBody struct {
	OperationID    string          `json:"operation_id"`
	RequestPayload json.RawMessage `json:"request_payload"`
	Resume         bool            `json:"resume"`
}

// handleStart implements POST /{training|backtesting}/start. It must
// acknowledge quickly: the coordinator waits up to its own ack timeout
// before treating dispatch as failed, so the actual run happens in a
// background goroutine.
func (rt *Runtime) handleStart(opType types.OperationType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body startRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		rt.mu.Lock()
		if rt.shuttingDown {
			rt.mu.Unlock()
			writeBusy(w, "worker is draining")
			return
		}
		if rt.current != nil {
			rt.mu.Unlock()
			writeBusy(w, "worker already has an active operation")
			return
		}

		slot := &operationSlot{operationID: body.OperationID, opType: opType, done: make(chan struct{})}
		slot.harness = NewHarness(body.OperationID, opType, rt.cfg.CheckpointPolicy, rt.store, rt.client, rt.cfg.WorkerID)
		rt.current = slot
		rt.mu.Unlock()

		if body.Resume {
			go rt.runResume(slot, body.RequestPayload)
		} else {
			go rt.runFresh(slot, body.RequestPayload)
		}

		w.WriteHeader(http.StatusOK)
	}
}

func writeBusy(w http.ResponseWriter, message string) {
	busy := coreerrors.Busy(message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(busy.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(busy.Code), "message": busy.Message})
}

func (rt *Runtime) runFresh(slot *operationSlot, requestPayload json.RawMessage) {
	defer rt.finishOperation(slot)
	ctx := context.Background()

	result, err := rt.executor.Run(ctx, slot.harness, requestPayload)
	rt.recordOutcome(slot, result, err)
}

func (rt *Runtime) runResume(slot *operationSlot, requestPayload json.RawMessage) {
	defer rt.finishOperation(slot)
	ctx := context.Background()

	cp, err := rt.store.Load(ctx, slot.operationID, true)
	if err != nil {
		rt.recordOutcome(slot, nil, err)
		return
	}
	if cp == nil {
		rt.recordOutcome(slot, nil, errors.New("no checkpoint found to resume from"))
		return
	}

	var artifacts map[string][]byte
	if cp.ArtifactHandle != nil {
		artifacts, err = rt.store.ReadArtifacts(*cp.ArtifactHandle)
		if err != nil {
			rt.recordOutcome(slot, nil, err)
			return
		}
	}

	if len(requestPayload) == 0 {
		// Resume dispatches carry only the operation id; the payload the
		// operation was created with is recovered from the checkpoint state.
		var ref struct {
			RequestPayloadRef json.RawMessage `json:"request_payload_ref"`
		}
		if err := json.Unmarshal(cp.State, &ref); err == nil {
			requestPayload = ref.RequestPayloadRef
		}
	}

	resume := ResumeContext{
		CheckpointType: cp.CheckpointType,
		State:          cp.State,
		Artifacts:      artifacts,
		RequestPayload: requestPayload,
	}
	result, err := rt.executor.Resume(ctx, slot.harness, resume)
	rt.recordOutcome(slot, result, err)
}

// structuredError is implemented by executor errors that already carry a
// §7 error kind and forensic context (e.g. a checkpoint write that failed
// during a terminal transition); recordOutcome prefers this over wrapping
// the raw error message.
type structuredError interface {
	OperationError() types.OperationError
}

func (rt *Runtime) recordOutcome(slot *operationSlot, result json.RawMessage, err error) {
	status := string(types.StatusCompleted)
	var encodedErr json.RawMessage
	if err != nil {
		status = string(types.StatusFailed)
		var opErr types.OperationError
		if se, ok := err.(structuredError); ok {
			opErr = se.OperationError()
		} else {
			opErr = types.OperationError{Kind: types.ErrorKindDomainException, Message: err.Error()}
		}
		encodedErr, _ = json.Marshal(opErr)
		log.WithOperationID(slot.operationID).Error().Err(err).Msg("operation run failed")
	}
	if slot.harness.IsCancelRequested() {
		status = string(types.StatusCancelled)
	}

	rt.mu.Lock()
	rt.completed = append(rt.completed, CompletedResult{
		OperationID: slot.operationID,
		Status:      status,
		Result:      result,
		Error:       encodedErr,
		CompletedAt: time.Now(),
	})
	rt.pruneCompletedLocked()
	rt.mu.Unlock()
}

func (rt *Runtime) pruneCompletedLocked() {
	if rt.cfg.CompletedRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-rt.cfg.CompletedRetention)
	kept := rt.completed[:0]
	for _, c := range rt.completed {
		if c.CompletedAt.After(cutoff) {
			kept = append(kept, c)
		}
	}
	rt.completed = kept
}

func (rt *Runtime) finishOperation(slot *operationSlot) {
	slot.harness.Stop()
	close(slot.done)

	rt.mu.Lock()
	if rt.current == slot {
		rt.current = nil
	}
	rt.mu.Unlock()
}

// handleCancel implements POST /operations/{id}/cancel: best-effort, fire
// and forget from the coordinator's side.
func (rt *Runtime) handleCancel(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")

	rt.mu.Lock()
	slot := rt.current
	rt.mu.Unlock()

	if slot == nil || slot.operationID != operationID {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	slot.harness.SetCancelRequested(true)
	w.WriteHeader(http.StatusOK)
}
