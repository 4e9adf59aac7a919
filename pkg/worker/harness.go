package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ktrdr/core/pkg/checkpoint"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/types"
)

// progressDebounceInterval matches §4.6's "debounces (≈250ms)" note for
// update_progress forwarding to the coordinator.
const progressDebounceInterval = 250 * time.Millisecond

// CheckpointPolicy configures how often a running unit loop takes a
// periodic checkpoint: whichever of unit_interval or time_interval_seconds
// fires first, per §4.3.
type CheckpointPolicy struct {
	UnitInterval int
	TimeInterval time.Duration
}

// ResumeContext is handed to an Executor's Resume method: the state blob and
// artifact bytes loaded from the last checkpoint, plus the original request
// payload the operation was created with.
type ResumeContext struct {
	CheckpointType types.CheckpointType
	State          json.RawMessage
	Artifacts      map[string][]byte
	RequestPayload json.RawMessage
}

// Executor is the domain contract a unit loop runs inside a Harness: the
// actual model-training or backtesting simulation logic. KTRDR itself only
// hosts the harness; concrete executors live in pkg/executor.
type Executor interface {
	// Run executes a fresh operation from scratch.
	Run(ctx context.Context, h *Harness, requestPayload json.RawMessage) (result json.RawMessage, err error)
	// Resume continues an operation from its last checkpoint.
	Resume(ctx context.Context, h *Harness, resume ResumeContext) (result json.RawMessage, err error)
}

// Harness is the per-operation object an Executor is handed: it exposes the
// three contract points named in §4.6 (cancellation check, progress
// emission, checkpoint build) and owns the periodic-checkpoint trigger
// policy.
type Harness struct {
	operationID string
	opType      types.OperationType
	policy      CheckpointPolicy
	store       *checkpoint.Store
	client      *CoordinatorClient
	workerID    string

	cancelRequested atomic.Bool

	mu                 sync.Mutex
	lastCheckpoint     time.Time
	lastCheckpointUnit int
	progressDirty      bool
	progressPercent    float64
	progressMessage    string
	progressContext    json.RawMessage

	debounceStop chan struct{}
}

func NewHarness(operationID string, opType types.OperationType, policy CheckpointPolicy, store *checkpoint.Store, client *CoordinatorClient, workerID string) *Harness {
	h := &Harness{
		operationID:  operationID,
		opType:       opType,
		policy:       policy,
		store:        store,
		client:       client,
		workerID:     workerID,
		debounceStop: make(chan struct{}),
	}
	h.lastCheckpoint = time.Now()
	go h.debounceLoop()
	return h
}

// IsCancelRequested reports whether the coordinator has asked this
// operation to cancel, as last observed via a heartbeat ack. Executors are
// expected to poll this between units and exit promptly when true.
func (h *Harness) IsCancelRequested() bool {
	return h.cancelRequested.Load()
}

func (h *Harness) SetCancelRequested(v bool) {
	h.cancelRequested.Store(v)
}

// UpdateProgress records the current unit position and debounces a
// heartbeat-borne progress report to the coordinator. percent must be in
// [0, 100].
func (h *Harness) UpdateProgress(unitIndex, totalUnits int, message string, progressContext json.RawMessage) {
	percent := 0.0
	if totalUnits > 0 {
		percent = (float64(unitIndex) / float64(totalUnits)) * 100
	}

	h.mu.Lock()
	h.progressPercent = percent
	h.progressMessage = message
	h.progressContext = progressContext
	h.progressDirty = true
	h.mu.Unlock()
}

// ShouldCheckpoint reports whether the periodic checkpoint policy has
// triggered: unitIndex has advanced by at least UnitInterval units since the
// last checkpoint, or TimeInterval has elapsed, whichever comes first.
func (h *Harness) ShouldCheckpoint(unitIndex int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.policy.UnitInterval > 0 && unitIndex-h.lastCheckpointUnit >= h.policy.UnitInterval {
		return true
	}
	if h.policy.TimeInterval > 0 && time.Since(h.lastCheckpoint) >= h.policy.TimeInterval {
		return true
	}
	return false
}

// Checkpoint persists a checkpoint of the given type at unitIndex. Periodic
// checkpoints (CheckpointPeriodic) should only be called after
// ShouldCheckpoint returns true; terminal checkpoints (cancellation,
// failure, shutdown) are always forced regardless of the policy.
func (h *Harness) Checkpoint(ctx context.Context, checkpointType types.CheckpointType, unitIndex int, state json.RawMessage, artifacts map[string][]byte) error {
	if err := h.store.Save(ctx, h.operationID, checkpointType, state, artifacts); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastCheckpoint = time.Now()
	h.lastCheckpointUnit = unitIndex
	h.mu.Unlock()
	return nil
}

func (h *Harness) Stop() {
	close(h.debounceStop)
}

// debounceLoop flushes at most one progress report to the coordinator every
// progressDebounceInterval, collapsing bursts of UpdateProgress calls into a
// single heartbeat, per §4.6.
func (h *Harness) debounceLoop() {
	ticker := time.NewTicker(progressDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.flushProgress()
		case <-h.debounceStop:
			return
		}
	}
}

func (h *Harness) flushProgress() {
	h.mu.Lock()
	if !h.progressDirty {
		h.mu.Unlock()
		return
	}
	percent, message, progressContext := h.progressPercent, h.progressMessage, h.progressContext
	h.progressDirty = false
	h.mu.Unlock()

	operationID := h.operationID
	ack, err := h.client.Heartbeat(context.Background(), h.workerID, &operationID, &HeartbeatProgress{
		Percent: percent,
		Message: message,
		Context: progressContext,
	})
	if err != nil {
		log.WithOperationID(h.operationID).Warn().Err(err).Msg("progress heartbeat failed")
		return
	}
	if ack.CancelRequested {
		h.SetCancelRequested(true)
	}
}
