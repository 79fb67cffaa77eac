package api

import "time"

// RuntimeStatus is the lifecycle state of an orchestration instance as
// recorded in its status projection.
type RuntimeStatus string

const (
	RuntimeStatusPending        RuntimeStatus = "Pending"
	RuntimeStatusRunning        RuntimeStatus = "Running"
	RuntimeStatusCompleted      RuntimeStatus = "Completed"
	RuntimeStatusContinuedAsNew RuntimeStatus = "ContinuedAsNew"
	RuntimeStatusFailed         RuntimeStatus = "Failed"
	RuntimeStatusCanceled       RuntimeStatus = "Canceled"
	RuntimeStatusTerminated     RuntimeStatus = "Terminated"
)

// IsTerminal reports whether no further episode can run for the instance.
func (s RuntimeStatus) IsTerminal() bool {
	switch s {
	case RuntimeStatusCompleted, RuntimeStatusFailed, RuntimeStatusCanceled, RuntimeStatusTerminated:
		return true
	}
	return false
}

// TerminalStatuses are the statuses eligible for purge by date range.
var TerminalStatuses = []RuntimeStatus{
	RuntimeStatusCompleted,
	RuntimeStatusTerminated,
	RuntimeStatusCanceled,
	RuntimeStatusFailed,
}

// InstanceStatus is the queryable projection of an orchestration instance.
type InstanceStatus struct {
	InstanceID         string
	ExecutionID        string
	Name               string
	Version            string
	RuntimeStatus      RuntimeStatus
	CreatedTime        time.Time
	CompletedTime      time.Time
	LastUpdatedTime    time.Time
	ScheduledStartTime time.Time
	Input              string
	Output             string
	CustomStatus       string
	Generation         int
	ETag               string
}

// StatusQuery selects instances from the status projection. Zero values
// mean "no filter" for that field.
type StatusQuery struct {
	InstanceID       string
	InstanceIDPrefix string
	CreatedFrom      time.Time
	CreatedTo        time.Time
	RuntimeStatus    []RuntimeStatus

	// Input and Output are only returned when requested.
	FetchInput  bool
	FetchOutput bool

	PageSize          int
	ContinuationToken string
}

// StatusPage is one page of a status query.
type StatusPage struct {
	Statuses          []*InstanceStatus
	ContinuationToken string
}

// PurgeResult counts the work done by a purge.
type PurgeResult struct {
	StorageRequests  int
	InstancesDeleted int
	RowsDeleted      int
}

// Add accumulates o into r.
func (r *PurgeResult) Add(o PurgeResult) {
	r.StorageRequests += o.StorageRequests
	r.InstancesDeleted += o.InstancesDeleted
	r.RowsDeleted += o.RowsDeleted
}

// OrchestrationHistory is the committed event log of an instance's newest
// generation, together with the concurrency token for the next append.
type OrchestrationHistory struct {
	Events               []HistoryEvent
	ExecutionID          string
	ETag                 string
	CheckpointCompleted  time.Time
	IsCheckpointComplete bool
}

// Started returns the ExecutionStarted event of the history, or nil.
func (h *OrchestrationHistory) Started() *ExecutionStarted {
	for _, e := range h.Events {
		if s, ok := e.(*ExecutionStarted); ok {
			return s
		}
	}
	return nil
}

// IsTerminal reports whether the history ends the generation for good
// (completed, failed or terminated, but not continued-as-new).
func (h *OrchestrationHistory) IsTerminal() bool {
	for i := len(h.Events) - 1; i >= 0; i-- {
		switch e := h.Events[i].(type) {
		case *ExecutionCompleted:
			return e.Status != RuntimeStatusContinuedAsNew
		case *ExecutionTerminated:
			return true
		case *ContinueAsNew:
			return false
		}
	}
	return false
}
