// Package errors provides the core's structured error taxonomy: kinds, not
// Go types, each carrying an HTTP status and arbitrary contextual details.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one error kind from the taxonomy.
type Code string

const (
	CodeNoCheckpoint           Code = "NO_CHECKPOINT"
	CodeCheckpointCorrupted    Code = "CHECKPOINT_CORRUPTED"
	CodeCheckpointWrite        Code = "CHECKPOINT_WRITE_FAILED"
	CodeStateConflict          Code = "STATE_CONFLICT"
	CodeDuplicateOperation     Code = "DUPLICATE_OPERATION"
	CodeNoWorkerAvailable      Code = "NO_WORKER_AVAILABLE"
	CodeWorkerUnresponsive     Code = "WORKER_UNRESPONSIVE"
	CodeReconciliationTimeout  Code = "RECONCILIATION_TIMEOUT"
	CodeDomain                Code = "DOMAIN_ERROR"
	CodeNotFound               Code = "NOT_FOUND"
	CodeBusy                   Code = "BUSY"
)

// CoreError is the structured error returned by every core component.
type CoreError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a contextual key/value pair and returns the receiver
// for chaining.
func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, message string, status int) *CoreError {
	return &CoreError{Code: code, Message: message, HTTPStatus: status}
}

func wrapErr(code Code, message string, status int, err error) *CoreError {
	return &CoreError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// NoCheckpoint is returned when resume is requested on an operation with no
// stored checkpoint.
func NoCheckpoint(operationID string) *CoreError {
	return newErr(CodeNoCheckpoint, "no checkpoint stored for operation", http.StatusNotFound).
		WithDetails("operation_id", operationID)
}

// CheckpointCorrupted is returned when the artifact manifest does not match
// the artifact set on disk.
func CheckpointCorrupted(operationID, reason string) *CoreError {
	return newErr(CodeCheckpointCorrupted, "checkpoint artifact set is corrupted", http.StatusUnprocessableEntity).
		WithDetails("operation_id", operationID).
		WithDetails("reason", reason)
}

// CheckpointWriteFailed distinguishes a filesystem-origin failure from a
// database-origin failure, per the Checkpoint Store's failure semantics.
func CheckpointWriteFailed(origin string, err error) *CoreError {
	return wrapErr(CodeCheckpointWrite, "failed to persist checkpoint", http.StatusInternalServerError, err).
		WithDetails("origin", origin)
}

// StateConflict is returned when a compare-and-set transition affects zero
// rows: the caller lost the race against a concurrent transition.
func StateConflict(operationID, transition string) *CoreError {
	return newErr(CodeStateConflict, "operation is not in an expected state for this transition", http.StatusConflict).
		WithDetails("operation_id", operationID).
		WithDetails("transition", transition)
}

// DuplicateOperation is returned by create when operation_id already exists.
func DuplicateOperation(operationID string) *CoreError {
	return newErr(CodeDuplicateOperation, "operation id already exists", http.StatusConflict).
		WithDetails("operation_id", operationID)
}

// NoWorkerAvailable is returned when no worker matches the required
// capability at selection time.
func NoWorkerAvailable(capability string) *CoreError {
	return newErr(CodeNoWorkerAvailable, "no worker available for required capability", http.StatusServiceUnavailable).
		WithDetails("capability", capability)
}

// WorkerUnresponsive is returned when a dispatch or cancel call to a worker
// times out.
func WorkerUnresponsive(workerID string, err error) *CoreError {
	return wrapErr(CodeWorkerUnresponsive, "worker did not respond in time", http.StatusGatewayTimeout, err).
		WithDetails("worker_id", workerID)
}

// ReconciliationTimeout is returned when PENDING_RECONCILIATION expires
// without a matching re-registration.
func ReconciliationTimeout(operationID string) *CoreError {
	return newErr(CodeReconciliationTimeout, "reconciliation grace period expired", http.StatusGone).
		WithDetails("operation_id", operationID)
}

// Domain wraps an opaque failure surfaced by the domain executor.
func Domain(message string, err error) *CoreError {
	return wrapErr(CodeDomain, message, http.StatusInternalServerError, err)
}

// NotFound is returned when an operation, worker, or checkpoint id is
// unknown.
func NotFound(resource, id string) *CoreError {
	return newErr(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Busy is returned by a worker's dispatch endpoint when it already owns an
// operation.
func Busy(workerID string) *CoreError {
	return newErr(CodeBusy, "worker is already running an operation", http.StatusConflict).
		WithDetails("worker_id", workerID)
}

// As extracts a *CoreError from an error chain.
func As(err error) *CoreError {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return nil
}

// HTTPStatus returns the HTTP status code associated with err, defaulting to
// 500 for errors outside the taxonomy.
func HTTPStatus(err error) int {
	if coreErr := As(err); coreErr != nil {
		return coreErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
