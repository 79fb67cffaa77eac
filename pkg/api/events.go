package api

import (
	"strings"
	"time"
)

// EventType identifies a history event kind. The string value is what gets
// persisted in the EventType column of the history table.
type EventType string

const (
	EventExecutionStarted    EventType = "ExecutionStarted"
	EventExecutionCompleted  EventType = "ExecutionCompleted"
	EventExecutionTerminated EventType = "ExecutionTerminated"
	EventContinueAsNew       EventType = "ContinueAsNew"
	EventExecutionRewound    EventType = "ExecutionRewound"

	EventOrchestratorStarted   EventType = "OrchestratorStarted"
	EventOrchestratorCompleted EventType = "OrchestratorCompleted"

	EventTaskScheduled EventType = "TaskScheduled"
	EventTaskCompleted EventType = "TaskCompleted"
	EventTaskFailed    EventType = "TaskFailed"

	EventSubOrchestrationInstanceCreated   EventType = "SubOrchestrationInstanceCreated"
	EventSubOrchestrationInstanceCompleted EventType = "SubOrchestrationInstanceCompleted"
	EventSubOrchestrationInstanceFailed    EventType = "SubOrchestrationInstanceFailed"

	EventTimerCreated EventType = "TimerCreated"
	EventTimerFired   EventType = "TimerFired"

	EventEventSent   EventType = "EventSent"
	EventEventRaised EventType = "EventRaised"

	EventGenericEvent EventType = "GenericEvent"
)

// HistoryEvent is a single entry of an orchestration's event log.
//
// The set of implementations is closed: every concrete event type lives in
// this file, and consumers are expected to switch over them exhaustively.
type HistoryEvent interface {
	Type() EventType
	ID() int
	Time() time.Time
	isHistoryEvent()
}

// EventBase holds the fields shared by all history events. EventID is -1
// for events that cannot be referenced by a later event.
type EventBase struct {
	EventID   int
	Timestamp time.Time
}

func (b EventBase) ID() int         { return b.EventID }
func (b EventBase) Time() time.Time { return b.Timestamp }
func (EventBase) isHistoryEvent()   {}

// ParentInstance identifies the orchestration that created a sub-orchestration.
type ParentInstance struct {
	Name            string
	Version         string
	InstanceID      string
	ExecutionID     string
	TaskScheduledID int
}

type ExecutionStarted struct {
	EventBase
	Name               string
	Version            string
	Input              string
	InstanceID         string
	ExecutionID        string
	Parent             *ParentInstance
	ScheduledStartTime *time.Time
	Generation         int
	Tags               map[string]string
}

type ExecutionCompleted struct {
	EventBase
	Status         RuntimeStatus
	Result         string
	FailureDetails *FailureDetails
}

type ExecutionTerminated struct {
	EventBase
	Reason string
}

// ContinueAsNew closes a generation. Input is the input of the next one.
type ContinueAsNew struct {
	EventBase
	Input string
}

// ExecutionRewound is delivered to an instance whose failures were rewound.
type ExecutionRewound struct {
	EventBase
	Reason string
}

// OrchestratorStarted opens an episode; its timestamp is the orchestration's
// notion of "now" for that episode.
type OrchestratorStarted struct {
	EventBase
}

type OrchestratorCompleted struct {
	EventBase
}

type TaskScheduled struct {
	EventBase
	Name    string
	Version string
	Input   string
	Tags    map[string]string
}

type TaskCompleted struct {
	EventBase
	TaskScheduledID int
	Result          string
}

type TaskFailed struct {
	EventBase
	TaskScheduledID int
	Reason          string
	Details         string
	FailureDetails  *FailureDetails
}

type SubOrchestrationInstanceCreated struct {
	EventBase
	Name       string
	Version    string
	InstanceID string
	Input      string
	Tags       map[string]string
}

type SubOrchestrationInstanceCompleted struct {
	EventBase
	TaskScheduledID int
	Result          string
}

type SubOrchestrationInstanceFailed struct {
	EventBase
	TaskScheduledID int
	Reason          string
	Details         string
	FailureDetails  *FailureDetails
}

type TimerCreated struct {
	EventBase
	FireAt time.Time
}

type TimerFired struct {
	EventBase
	TimerID int
	FireAt  time.Time
}

type EventSent struct {
	EventBase
	InstanceID string
	Name       string
	Input      string
}

type EventRaised struct {
	EventBase
	Name  string
	Input string
}

// GenericEvent carries no replay semantics. Rewound rows are rewritten to
// this type and keep their marker in Data.
type GenericEvent struct {
	EventBase
	Data string
}

func (*ExecutionStarted) Type() EventType                { return EventExecutionStarted }
func (*ExecutionCompleted) Type() EventType              { return EventExecutionCompleted }
func (*ExecutionTerminated) Type() EventType             { return EventExecutionTerminated }
func (*ContinueAsNew) Type() EventType                   { return EventContinueAsNew }
func (*ExecutionRewound) Type() EventType                { return EventExecutionRewound }
func (*OrchestratorStarted) Type() EventType             { return EventOrchestratorStarted }
func (*OrchestratorCompleted) Type() EventType           { return EventOrchestratorCompleted }
func (*TaskScheduled) Type() EventType                   { return EventTaskScheduled }
func (*TaskCompleted) Type() EventType                   { return EventTaskCompleted }
func (*TaskFailed) Type() EventType                      { return EventTaskFailed }
func (*SubOrchestrationInstanceCreated) Type() EventType { return EventSubOrchestrationInstanceCreated }
func (*SubOrchestrationInstanceCompleted) Type() EventType {
	return EventSubOrchestrationInstanceCompleted
}
func (*SubOrchestrationInstanceFailed) Type() EventType { return EventSubOrchestrationInstanceFailed }
func (*TimerCreated) Type() EventType                   { return EventTimerCreated }
func (*TimerFired) Type() EventType                     { return EventTimerFired }
func (*EventSent) Type() EventType                      { return EventEventSent }
func (*EventRaised) Type() EventType                    { return EventEventRaised }
func (*GenericEvent) Type() EventType                   { return EventGenericEvent }

// FailureDetails is the structured description of a failure. It may nest the
// failure that caused it.
type FailureDetails struct {
	ErrorType      string
	ErrorMessage   string
	StackTrace     string
	InnerFailure   *FailureDetails
	IsNonRetriable bool
}

func (f *FailureDetails) Error() string {
	if f.ErrorType == "" {
		return f.ErrorMessage
	}
	return f.ErrorType + ": " + f.ErrorMessage
}

func (f *FailureDetails) Unwrap() error {
	if f.InnerFailure == nil {
		return nil
	}
	return f.InnerFailure
}

// String renders the failure chain, innermost last. This is the text
// projected into an instance's Output when it fails.
func (f *FailureDetails) String() string {
	var b strings.Builder
	for cur, depth := f, 0; cur != nil; cur, depth = cur.InnerFailure, depth+1 {
		if depth > 0 {
			b.WriteString("\n  caused by: ")
		}
		b.WriteString(cur.Error())
		if cur.StackTrace != "" {
			b.WriteString("\n")
			b.WriteString(cur.StackTrace)
		}
	}
	return b.String()
}

// IsCausedBy reports whether any failure in the chain has the given type.
func (f *FailureDetails) IsCausedBy(errorType string) bool {
	for cur := f; cur != nil; cur = cur.InnerFailure {
		if cur.ErrorType == errorType {
			return true
		}
	}
	return false
}
