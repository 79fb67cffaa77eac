package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNonDeterminism is wrapped by every NonDeterminismError.
	ErrNonDeterminism = errors.New("non-deterministic orchestration")

	// ErrConcurrencyConflict is wrapped by SplitBrainError.
	ErrConcurrencyConflict = errors.New("concurrent history update")

	ErrInstanceNotFound      = errors.New("orchestration instance not found")
	ErrInstanceAlreadyExists = errors.New("orchestration instance already exists")
	ErrInstanceCompleted     = errors.New("orchestration instance already completed")
	ErrOrchestratorNotFound  = errors.New("orchestrator not registered")
	ErrTimerCanceled         = errors.New("timer canceled")
	ErrRewindDepthExceeded   = errors.New("rewind depth exceeded")
)

// NonDeterminismError reports that the history contains an event the
// current orchestrator code did not request, or requested differently.
type NonDeterminismError struct {
	InstanceID  string
	ExecutionID string
	EventID     int
	EventType   EventType
	Name        string
	Reason      string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic orchestration %s (execution %s): %s (event %s, id %d, name %q)",
		e.InstanceID, e.ExecutionID, e.Reason, e.EventType, e.EventID, e.Name)
}

func (e *NonDeterminismError) Unwrap() error { return ErrNonDeterminism }

// TaskFailedError is the failure surfaced when awaiting a task that failed.
type TaskFailedError struct {
	EventID         int
	TaskScheduledID int
	Name            string
	Version         string
	Reason          string
	Details         string
	Cause           *FailureDetails
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %q (id %d) failed: %s", e.Name, e.TaskScheduledID, e.Reason)
}

func (e *TaskFailedError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// SubOrchestrationFailedError is the failure surfaced when awaiting a
// sub-orchestration that failed.
type SubOrchestrationFailedError struct {
	EventID         int
	TaskScheduledID int
	Name            string
	Version         string
	Reason          string
	Details         string
	Cause           *FailureDetails
}

func (e *SubOrchestrationFailedError) Error() string {
	return fmt.Sprintf("sub-orchestration %q (id %d) failed: %s", e.Name, e.TaskScheduledID, e.Reason)
}

func (e *SubOrchestrationFailedError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// SplitBrainError means another writer appended to the same history since
// it was read. CommittedBatches sub-batches of the episode were written
// before the conflict was detected.
type SplitBrainError struct {
	InstanceID       string
	ExecutionID      string
	ETag             string
	EventCount       int
	EventTypes       []EventType
	CommittedBatches int
	Err              error
}

func (e *SplitBrainError) Error() string {
	types := make([]string, len(e.EventTypes))
	for i, t := range e.EventTypes {
		types[i] = string(t)
	}
	return fmt.Sprintf("split brain detected for instance %s (execution %s): %d events [%s] rejected after %d committed batches: %v",
		e.InstanceID, e.ExecutionID, e.EventCount, strings.Join(types, ","), e.CommittedBatches, e.Err)
}

func (e *SplitBrainError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConcurrencyConflict}
	}
	return []error{ErrConcurrencyConflict, e.Err}
}

// OrchestrationFailureError lets orchestrator code fail with explicit
// details instead of the error text.
type OrchestrationFailureError struct {
	Message        string
	Details        string
	FailureDetails *FailureDetails
}

func (e *OrchestrationFailureError) Error() string { return e.Message }

func (e *OrchestrationFailureError) Unwrap() error {
	if e.FailureDetails == nil {
		return nil
	}
	return e.FailureDetails
}
