// Package executor hosts the domain logic a worker's unit loop runs inside
// a worker.Harness: training a model or replaying a backtest. The actual
// numerical work (model fitting, strategy simulation) is out of scope here;
// these types give the Worker Runtime something concrete to dispatch to and
// establish the shape every real executor must fill in — periodic progress
// reports, periodic checkpoints in the operation type's canonical state
// shape, and prompt exit on cancellation.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/types"
	"github.com/ktrdr/core/pkg/worker"
)

// checkpointSchemaVersion is the schema_version stamped on every checkpoint
// state this executor writes, per §3.2.
const checkpointSchemaVersion = 1

// terminalCheckpointError wraps a terminal outcome (cancellation, failure)
// whose checkpoint write itself failed. Per §7, the operation still reaches
// its terminal state — the checkpoint failure is preserved as forensic
// context rather than propagated as the operation's failure cause.
type terminalCheckpointError struct {
	cause         error
	checkpointErr error
}

func (e *terminalCheckpointError) Error() string { return e.cause.Error() }
func (e *terminalCheckpointError) Unwrap() error { return e.cause }

// OperationError renders this as the structured §7 error a terminal record
// whose checkpoint write failed must carry.
func (e *terminalCheckpointError) OperationError() types.OperationError {
	context, _ := json.Marshal(map[string]string{"checkpoint_error": e.checkpointErr.Error()})
	return types.OperationError{
		Kind:    types.ErrorKindCheckpointWriteFailedOnTerminal,
		Message: e.cause.Error(),
		Context: context,
	}
}

// TrainingRequest is the request_payload shape a training operation is
// created with.
type TrainingRequest struct {
	ModelName  string          `json:"model_name"`
	DatasetURI string          `json:"dataset_uri"`
	TotalUnits int             `json:"total_units"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// TrainingExecutor runs model-training operations. Unit granularity is an
// epoch; TotalUnits comes from the request payload.
type TrainingExecutor struct{}

// Run executes a fresh training operation to completion, periodic
// checkpointing, or cancellation.
func (e *TrainingExecutor) Run(ctx context.Context, h *worker.Harness, requestPayload json.RawMessage) (json.RawMessage, error) {
	var req TrainingRequest
	if err := json.Unmarshal(requestPayload, &req); err != nil {
		return nil, fmt.Errorf("decode training request: %w", err)
	}
	return e.trainFrom(ctx, h, req, requestPayload, 0, types.TrainingHistory{})
}

// Resume continues a training operation from its last checkpoint.
func (e *TrainingExecutor) Resume(ctx context.Context, h *worker.Harness, resume worker.ResumeContext) (json.RawMessage, error) {
	var req TrainingRequest
	if err := json.Unmarshal(resume.RequestPayload, &req); err != nil {
		return nil, fmt.Errorf("decode training request: %w", err)
	}
	var state types.TrainingCheckpointState
	if err := json.Unmarshal(resume.State, &state); err != nil {
		return nil, fmt.Errorf("decode training checkpoint state: %w", err)
	}
	return e.trainFrom(ctx, h, req, resume.RequestPayload, state.Epoch, state.TrainingHistory)
}

func (e *TrainingExecutor) trainFrom(ctx context.Context, h *worker.Harness, req TrainingRequest, requestPayload json.RawMessage, startUnit int, history types.TrainingHistory) (json.RawMessage, error) {
	for unit := startUnit; unit < req.TotalUnits; unit++ {
		if h.IsCancelRequested() {
			if err := e.checkpoint(ctx, h, types.CheckpointCancellation, unit, history, requestPayload); err != nil {
				return nil, &terminalCheckpointError{cause: context.Canceled, checkpointErr: err}
			}
			return nil, context.Canceled
		}

		// Real training work for unit happens here; the harness only needs
		// to be told where the loop is.
		h.UpdateProgress(unit, req.TotalUnits, fmt.Sprintf("training unit %d/%d", unit, req.TotalUnits), nil)
		history.Loss = append(history.Loss, placeholderLoss(unit))
		history.ValLoss = append(history.ValLoss, placeholderLoss(unit)*1.1)

		if h.ShouldCheckpoint(unit) {
			// §7: a periodic checkpoint write failure is logged and
			// skipped; the next tick retries rather than aborting the run.
			if err := e.checkpoint(ctx, h, types.CheckpointPeriodic, unit, history, requestPayload); err != nil {
				log.WithComponent("executor").Warn().Err(err).Int("unit", unit).Msg("periodic checkpoint write failed; will retry next tick")
			}
		}
	}

	result, _ := json.Marshal(map[string]interface{}{"model_name": req.ModelName, "units_completed": req.TotalUnits})
	return result, nil
}

func (e *TrainingExecutor) checkpoint(ctx context.Context, h *worker.Harness, checkpointType types.CheckpointType, unit int, history types.TrainingHistory, requestPayload json.RawMessage) error {
	state := types.TrainingCheckpointState{
		SchemaVersion:     checkpointSchemaVersion,
		OperationType:     types.OperationTypeTraining,
		Epoch:             unit,
		TrainLoss:         lastOrZero(history.Loss),
		ValLoss:           lastOrZero(history.ValLoss),
		LearningRate:      placeholderLearningRate,
		BestValLoss:       minOrZero(history.ValLoss),
		TrainingHistory:   history,
		RequestPayloadRef: requestPayload,
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode training checkpoint state: %w", err)
	}

	// §3.2 declares model.pt/optimizer.pt required training artifacts; the
	// actual tensors are out of scope, so these are placeholder payloads
	// standing in for the real serialized weights/optimizer state.
	artifacts := map[string][]byte{
		types.ArtifactModel:     []byte(fmt.Sprintf("placeholder model weights at epoch %d", unit)),
		types.ArtifactOptimizer: []byte(fmt.Sprintf("placeholder optimizer state at epoch %d", unit)),
	}
	return h.Checkpoint(ctx, checkpointType, unit, encoded, artifacts)
}

// placeholderLearningRate stands in for a real scheduler's current rate.
const placeholderLearningRate = 0.001

func placeholderLoss(unit int) float64 {
	return 1.0 / float64(unit+1)
}

func lastOrZero(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

func minOrZero(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	min := series[0]
	for _, v := range series[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// BacktestingRequest is the request_payload shape a backtesting operation is
// created with.
type BacktestingRequest struct {
	StrategyName string          `json:"strategy_name"`
	InstrumentID string          `json:"instrument_id"`
	TotalBars    int             `json:"total_bars"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// BacktestingExecutor replays a strategy bar-by-bar over historical data.
// Unit granularity is one bar.
type BacktestingExecutor struct{}

func (e *BacktestingExecutor) Run(ctx context.Context, h *worker.Harness, requestPayload json.RawMessage) (json.RawMessage, error) {
	var req BacktestingRequest
	if err := json.Unmarshal(requestPayload, &req); err != nil {
		return nil, fmt.Errorf("decode backtesting request: %w", err)
	}
	return e.replayFrom(ctx, h, req, requestPayload, 0, types.BacktestingCheckpointState{})
}

func (e *BacktestingExecutor) Resume(ctx context.Context, h *worker.Harness, resume worker.ResumeContext) (json.RawMessage, error) {
	var req BacktestingRequest
	if err := json.Unmarshal(resume.RequestPayload, &req); err != nil {
		return nil, fmt.Errorf("decode backtesting request: %w", err)
	}
	var state types.BacktestingCheckpointState
	if err := json.Unmarshal(resume.State, &state); err != nil {
		return nil, fmt.Errorf("decode backtesting checkpoint state: %w", err)
	}
	return e.replayFrom(ctx, h, req, resume.RequestPayload, state.BarIndex, state)
}

func (e *BacktestingExecutor) replayFrom(ctx context.Context, h *worker.Harness, req BacktestingRequest, requestPayload json.RawMessage, startBar int, state types.BacktestingCheckpointState) (json.RawMessage, error) {
	start := time.Now()
	for bar := startBar; bar < req.TotalBars; bar++ {
		if h.IsCancelRequested() {
			state.BarIndex = bar
			if err := e.checkpoint(ctx, h, types.CheckpointCancellation, bar, state, requestPayload); err != nil {
				return nil, &terminalCheckpointError{cause: context.Canceled, checkpointErr: err}
			}
			return nil, context.Canceled
		}

		h.UpdateProgress(bar, req.TotalBars, fmt.Sprintf("replaying bar %d/%d", bar, req.TotalBars), nil)
		state.BarIndex = bar
		state.CurrentDate = time.Now()
		state.EquitySamples = append(state.EquitySamples, types.EquitySample{BarIndex: bar, Equity: state.Cash, Time: state.CurrentDate})

		if h.ShouldCheckpoint(bar) {
			// §7: a periodic checkpoint write failure is logged and
			// skipped; the next tick retries rather than aborting the run.
			if err := e.checkpoint(ctx, h, types.CheckpointPeriodic, bar, state, requestPayload); err != nil {
				log.WithComponent("executor").Warn().Err(err).Int("bar", bar).Msg("periodic checkpoint write failed; will retry next tick")
			}
		}
	}

	result, _ := json.Marshal(map[string]interface{}{
		"strategy_name": req.StrategyName,
		"bars_replayed": req.TotalBars,
		"duration":      time.Since(start).String(),
	})
	return result, nil
}

func (e *BacktestingExecutor) checkpoint(ctx context.Context, h *worker.Harness, checkpointType types.CheckpointType, bar int, state types.BacktestingCheckpointState, requestPayload json.RawMessage) error {
	state.SchemaVersion = checkpointSchemaVersion
	state.OperationType = types.OperationTypeBacktesting
	state.RequestPayloadRef = requestPayload
	if state.Positions == nil {
		state.Positions = []types.Position{}
	}
	if state.Trades == nil {
		state.Trades = []types.Trade{}
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode backtesting checkpoint state: %w", err)
	}
	// Backtesting checkpoints carry no artifacts, per §3.2.
	return h.Checkpoint(ctx, checkpointType, bar, encoded, nil)
}

// For selects the designated executor for an operation type.
func For(opType types.OperationType) (worker.Executor, error) {
	switch opType {
	case types.OperationTypeTraining:
		return &TrainingExecutor{}, nil
	case types.OperationTypeBacktesting:
		return &BacktestingExecutor{}, nil
	default:
		return nil, fmt.Errorf("no executor for operation type %q", opType)
	}
}
