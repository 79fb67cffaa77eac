package api

import "time"

// Action is a side effect requested by orchestrator code during an episode.
// Actions are keyed by the per-episode id assigned in request order.
type Action interface {
	ActionID() int
	isAction()
}

type ScheduleTaskAction struct {
	ID      int
	Name    string
	Version string
	Input   string
	Tags    map[string]string
}

type CreateTimerAction struct {
	ID     int
	FireAt time.Time
}

type CreateSubOrchestrationAction struct {
	ID         int
	Name       string
	Version    string
	InstanceID string
	Input      string
	Tags       map[string]string
}

type SendEventAction struct {
	ID         int
	InstanceID string
	Name       string
	Data       string
}

// CompleteOrchestrationAction ends the current generation. With Status
// ContinuedAsNew, Result is the next generation's input and CarryoverEvents
// are replayed into it.
type CompleteOrchestrationAction struct {
	ID              int
	Status          RuntimeStatus
	Result          string
	Details         string
	FailureDetails  *FailureDetails
	NewVersion      string
	CarryoverEvents []HistoryEvent
}

func (a *ScheduleTaskAction) ActionID() int           { return a.ID }
func (a *CreateTimerAction) ActionID() int            { return a.ID }
func (a *CreateSubOrchestrationAction) ActionID() int { return a.ID }
func (a *SendEventAction) ActionID() int              { return a.ID }
func (a *CompleteOrchestrationAction) ActionID() int  { return a.ID }

func (*ScheduleTaskAction) isAction()           {}
func (*CreateTimerAction) isAction()            {}
func (*CreateSubOrchestrationAction) isAction() {}
func (*SendEventAction) isAction()              {}
func (*CompleteOrchestrationAction) isAction()  {}
