// Package types defines the core domain model shared by the coordinator and
// worker processes: operations, workers, and checkpoints.
package types

import (
	"encoding/json"
	"time"
)

// OperationType is a small closed enumeration the core dispatches on at
// three points: worker capability selection, checkpoint state-shape
// validation, and resume dispatch. It never introspects the payload beyond
// this tag.
type OperationType string

const (
	OperationTypeTraining    OperationType = "training"
	OperationTypeBacktesting OperationType = "backtesting"
)

// OperationStatus enumerates the operation state machine.
type OperationStatus string

const (
	StatusPending               OperationStatus = "PENDING"
	StatusRunning               OperationStatus = "RUNNING"
	StatusCompleted             OperationStatus = "COMPLETED"
	StatusFailed                OperationStatus = "FAILED"
	StatusCancelled             OperationStatus = "CANCELLED"
	StatusCancelRequested       OperationStatus = "CANCEL_REQUESTED"
	StatusResuming              OperationStatus = "RESUMING"
	StatusPendingReconciliation OperationStatus = "PENDING_RECONCILIATION"
)

// Terminal reports whether status has no further transitions except resume.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// BackendLocal is the sentinel owner value for operations that run inside
// the coordinator process rather than on a registered worker.
const BackendLocal = "BACKEND_LOCAL"

// ErrorKind enumerates the distinguishable reasons a terminal FAILED record
// carries, per the error taxonomy (kinds, not types).
type ErrorKind string

const (
	ErrorKindOrphaned                       ErrorKind = "ORPHANED"
	ErrorKindNoWorker                       ErrorKind = "NO_WORKER"
	ErrorKindDomainException                ErrorKind = "DOMAIN_EXCEPTION"
	ErrorKindCheckpointWriteFailedOnTerminal ErrorKind = "CHECKPOINT_WRITE_FAILED_ON_TERMINAL"
)

// OperationError is the structured error carried by a FAILED operation.
type OperationError struct {
	Kind    ErrorKind       `json:"kind"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Progress is the operation's latest progress snapshot.
type Progress struct {
	Percent   float64         `json:"percent"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Operation is the durable record of one long-running unit of work.
type Operation struct {
	OperationID          string          `json:"operation_id"`
	OperationType        OperationType   `json:"operation_type"`
	Status               OperationStatus `json:"status"`
	Owner                string          `json:"owner"`
	CreatedAt            time.Time       `json:"created_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	Progress             Progress        `json:"progress"`
	RequestPayload       json.RawMessage `json:"request_payload"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                *OperationError `json:"error,omitempty"`
	LastHeartbeatAt      *time.Time      `json:"last_heartbeat_at,omitempty"`
	ReconciliationStatus string          `json:"reconciliation_status,omitempty"`

	// OwnershipEpoch advances on every transition into RUNNING. Start also
	// resets progress in the same update, which scopes the monotonic
	// progress clamp to the current epoch. Progress reports and
	// reconciliation claims carry no epoch and are not checked against it.
	OwnershipEpoch int64 `json:"ownership_epoch"`

	// CancelRequested is set by cancel() on a RUNNING operation and cleared
	// by the next start; finishing the cancellation leaves it set.
	CancelRequested bool `json:"cancel_requested"`
}

// Resumable reports whether the operation is CANCELLED/FAILED and therefore
// a candidate for try_resume (checkpoint presence is checked separately).
func (o *Operation) Resumable() bool {
	return o.Status == StatusCancelled || o.Status == StatusFailed
}

// WorkerState enumerates the Worker Registry's state machine for a worker.
type WorkerState string

const (
	WorkerStateRegistered  WorkerState = "REGISTERED"
	WorkerStateAvailable   WorkerState = "AVAILABLE"
	WorkerStateBusy        WorkerState = "BUSY"
	WorkerStateUnresponsive WorkerState = "UNRESPONSIVE"
	WorkerStateDeregistered WorkerState = "DEREGISTERED"
)

// Worker is a registered execution endpoint.
type Worker struct {
	WorkerID          string          `json:"worker_id"`
	WorkerType        OperationType   `json:"worker_type"`
	EndpointURL       string          `json:"endpoint_url"`
	Capabilities      json.RawMessage `json:"capabilities"`
	State             WorkerState     `json:"state"`
	CurrentOperationID *string        `json:"current_operation_id,omitempty"`
	LastHeartbeatAt   time.Time       `json:"last_heartbeat_at"`
	RegisteredAt      time.Time       `json:"registered_at"`
}

// CheckpointType enumerates why a checkpoint was taken.
type CheckpointType string

const (
	CheckpointPeriodic    CheckpointType = "PERIODIC"
	CheckpointCancellation CheckpointType = "CANCELLATION"
	CheckpointFailure     CheckpointType = "FAILURE"
	CheckpointShutdown    CheckpointType = "SHUTDOWN"
)

// Checkpoint is the captured state permitting resume of one operation.
type Checkpoint struct {
	OperationID    string          `json:"operation_id"`
	CheckpointType CheckpointType  `json:"checkpoint_type"`
	CreatedAt      time.Time       `json:"created_at"`
	State          json.RawMessage `json:"state"`
	ArtifactHandle *string         `json:"artifact_handle,omitempty"`
	StateBytes     int64           `json:"state_bytes"`
	ArtifactBytes  int64           `json:"artifact_bytes"`
}

// CheckpointSummary is the lightweight listing projection of a Checkpoint:
// sizes and timestamps, no state body.
type CheckpointSummary struct {
	OperationID    string         `json:"operation_id"`
	CheckpointType CheckpointType `json:"checkpoint_type"`
	CreatedAt      time.Time      `json:"created_at"`
	StateBytes     int64          `json:"state_bytes"`
	ArtifactBytes  int64          `json:"artifact_bytes"`
}

// TrainingCheckpointState is the fixed shape of Checkpoint.State when
// OperationType is training.
type TrainingCheckpointState struct {
	SchemaVersion    int             `json:"schema_version"`
	OperationType    OperationType   `json:"operation_type"`
	Epoch            int             `json:"epoch"`
	TrainLoss        float64         `json:"train_loss"`
	ValLoss          float64         `json:"val_loss"`
	LearningRate     float64         `json:"learning_rate"`
	BestValLoss      float64         `json:"best_val_loss"`
	TrainingHistory  TrainingHistory `json:"training_history"`
	RequestPayloadRef json.RawMessage `json:"request_payload_ref"`
}

// TrainingHistory accumulates per-epoch series for dashboards.
type TrainingHistory struct {
	Loss    []float64 `json:"loss"`
	ValLoss []float64 `json:"val_loss"`
}

// TrainingArtifacts are the canonical artifact names for a training checkpoint.
const (
	ArtifactModel     = "model.pt"
	ArtifactOptimizer = "optimizer.pt"
	ArtifactScheduler = "scheduler.pt"
	ArtifactBestModel = "best_model.pt"
)

// RequiredTrainingArtifacts returns the artifacts every training checkpoint
// writes. The Checkpoint Store's Load does not consult this list: it checks
// only the files recorded in a checkpoint's MANIFEST.
func RequiredTrainingArtifacts() []string {
	return []string{ArtifactModel, ArtifactOptimizer}
}

// BacktestingCheckpointState is the fixed shape of Checkpoint.State when
// OperationType is backtesting. Backtesting checkpoints carry no artifacts.
type BacktestingCheckpointState struct {
	SchemaVersion     int             `json:"schema_version"`
	OperationType     OperationType   `json:"operation_type"`
	BarIndex          int             `json:"bar_index"`
	CurrentDate       time.Time       `json:"current_date"`
	Cash              float64         `json:"cash"`
	Positions         []Position      `json:"positions"`
	Trades            []Trade         `json:"trades"`
	EquitySamples     []EquitySample  `json:"equity_samples"`
	RequestPayloadRef json.RawMessage `json:"request_payload_ref"`
}

// Position is one open position in a backtest portfolio.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Trade is one executed trade in a backtest.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// EquitySample is one point in the backtest's equity curve.
type EquitySample struct {
	BarIndex int       `json:"bar_index"`
	Equity   float64   `json:"equity"`
	Time     time.Time `json:"time"`
}
