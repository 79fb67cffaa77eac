package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/petrijr/durabletask/pkg/api"
)

// History row property names.
const (
	propEventType           = "EventType"
	propEventID             = "EventId"
	propTimestamp           = "Timestamp"
	propExecutionID         = "ExecutionId"
	propName                = "Name"
	propVersion             = "Version"
	propInput               = "Input"
	propResult              = "Result"
	propReason              = "Reason"
	propDetails             = "Details"
	propFailureDetails      = "FailureDetails"
	propTaskScheduledID     = "TaskScheduledId"
	propTimerID             = "TimerId"
	propFireAt              = "FireAt"
	propInstanceID          = "InstanceId"
	propOrchestrationStatus = "OrchestrationStatus"
	propParentInstance      = "ParentInstance"
	propScheduledStartTime  = "ScheduledStartTime"
	propGeneration          = "Generation"
	propTags                = "Tags"
	propData                = "Data"
)

// variableSizeProperties are the string properties that may be
// externalized to the object store.
var variableSizeProperties = []string{
	propName,
	propInput,
	propResult,
	propOutput,
	propReason,
	propDetails,
	propFailureDetails,
	propData,
}

// sequenceRowKey renders a sequence number as 16 upper-case hex digits, so
// row keys sort in sequence order and before the sentinel.
func sequenceRowKey(seq int) string {
	return fmt.Sprintf("%016X", seq)
}

func parseSequenceRowKey(rk string) (int, bool) {
	if len(rk) != 16 {
		return 0, false
	}
	n, err := strconv.ParseInt(rk, 16, 64)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// eventToEntity converts a history event into its row.
func eventToEntity(instanceID, executionID string, seq int, ev api.HistoryEvent) (*Entity, error) {
	e := NewEntity(instanceID, sequenceRowKey(seq))
	e.Set(propEventType, string(ev.Type()))
	e.Set(propEventID, ev.ID())
	e.Set(propTimestamp, ev.Time())
	e.Set(propExecutionID, executionID)

	setString := func(name, v string) {
		if v != "" {
			e.Set(name, v)
		}
	}
	setJSON := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		e.Set(name, string(b))
		return nil
	}
	setFailure := func(fd *api.FailureDetails) error {
		if fd == nil {
			return nil
		}
		return setJSON(propFailureDetails, fd)
	}

	switch x := ev.(type) {
	case *api.ExecutionStarted:
		setString(propName, x.Name)
		setString(propVersion, x.Version)
		setString(propInput, x.Input)
		setString(propInstanceID, x.InstanceID)
		e.Set(propGeneration, x.Generation)
		if x.ScheduledStartTime != nil {
			e.Set(propScheduledStartTime, *x.ScheduledStartTime)
		}
		if x.Parent != nil {
			if err := setJSON(propParentInstance, x.Parent); err != nil {
				return nil, err
			}
		}
		if len(x.Tags) > 0 {
			if err := setJSON(propTags, x.Tags); err != nil {
				return nil, err
			}
		}
	case *api.ExecutionCompleted:
		e.Set(propOrchestrationStatus, string(x.Status))
		setString(propResult, x.Result)
		if err := setFailure(x.FailureDetails); err != nil {
			return nil, err
		}
	case *api.ExecutionTerminated:
		setString(propInput, x.Reason)
	case *api.ContinueAsNew:
		e.Set(propOrchestrationStatus, string(api.RuntimeStatusContinuedAsNew))
		setString(propResult, x.Input)
	case *api.ExecutionRewound:
		setString(propReason, x.Reason)
	case *api.OrchestratorStarted, *api.OrchestratorCompleted:
	case *api.TaskScheduled:
		setString(propName, x.Name)
		setString(propVersion, x.Version)
		setString(propInput, x.Input)
		if len(x.Tags) > 0 {
			if err := setJSON(propTags, x.Tags); err != nil {
				return nil, err
			}
		}
	case *api.TaskCompleted:
		e.Set(propTaskScheduledID, x.TaskScheduledID)
		setString(propResult, x.Result)
	case *api.TaskFailed:
		e.Set(propTaskScheduledID, x.TaskScheduledID)
		setString(propReason, x.Reason)
		setString(propDetails, x.Details)
		if err := setFailure(x.FailureDetails); err != nil {
			return nil, err
		}
	case *api.SubOrchestrationInstanceCreated:
		setString(propName, x.Name)
		setString(propVersion, x.Version)
		setString(propInstanceID, x.InstanceID)
		setString(propInput, x.Input)
		if len(x.Tags) > 0 {
			if err := setJSON(propTags, x.Tags); err != nil {
				return nil, err
			}
		}
	case *api.SubOrchestrationInstanceCompleted:
		e.Set(propTaskScheduledID, x.TaskScheduledID)
		setString(propResult, x.Result)
	case *api.SubOrchestrationInstanceFailed:
		e.Set(propTaskScheduledID, x.TaskScheduledID)
		setString(propReason, x.Reason)
		setString(propDetails, x.Details)
		if err := setFailure(x.FailureDetails); err != nil {
			return nil, err
		}
	case *api.TimerCreated:
		e.Set(propFireAt, x.FireAt)
	case *api.TimerFired:
		e.Set(propTimerID, x.TimerID)
		e.Set(propFireAt, x.FireAt)
	case *api.EventSent:
		setString(propInstanceID, x.InstanceID)
		setString(propName, x.Name)
		setString(propInput, x.Input)
	case *api.EventRaised:
		setString(propName, x.Name)
		setString(propInput, x.Input)
	case *api.GenericEvent:
		setString(propData, x.Data)
	default:
		return nil, fmt.Errorf("unsupported history event %T", ev)
	}
	return e, nil
}

// entityToEvent converts a history row back into its event. Externalized
// properties must already be rehydrated.
func entityToEvent(e *Entity) (api.HistoryEvent, error) {
	base := api.EventBase{
		EventID:   e.GetInt(propEventID),
		Timestamp: e.GetTime(propTimestamp),
	}
	failure := func() (*api.FailureDetails, error) {
		raw := e.GetString(propFailureDetails)
		if raw == "" {
			return nil, nil
		}
		var fd api.FailureDetails
		if err := json.Unmarshal([]byte(raw), &fd); err != nil {
			return nil, fmt.Errorf("decode failure details of row %s: %w", e.RowKey, err)
		}
		return &fd, nil
	}
	tags := func() (map[string]string, error) {
		raw := e.GetString(propTags)
		if raw == "" {
			return nil, nil
		}
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode tags of row %s: %w", e.RowKey, err)
		}
		return m, nil
	}

	switch t := api.EventType(e.GetString(propEventType)); t {
	case api.EventExecutionStarted:
		x := &api.ExecutionStarted{
			EventBase:   base,
			Name:        e.GetString(propName),
			Version:     e.GetString(propVersion),
			Input:       e.GetString(propInput),
			InstanceID:  e.GetString(propInstanceID),
			ExecutionID: e.GetString(propExecutionID),
			Generation:  e.GetInt(propGeneration),
		}
		if e.Has(propScheduledStartTime) {
			st := e.GetTime(propScheduledStartTime)
			x.ScheduledStartTime = &st
		}
		if raw := e.GetString(propParentInstance); raw != "" {
			x.Parent = &api.ParentInstance{}
			if err := json.Unmarshal([]byte(raw), x.Parent); err != nil {
				return nil, fmt.Errorf("decode parent instance of row %s: %w", e.RowKey, err)
			}
		}
		var err error
		if x.Tags, err = tags(); err != nil {
			return nil, err
		}
		return x, nil
	case api.EventExecutionCompleted:
		fd, err := failure()
		if err != nil {
			return nil, err
		}
		return &api.ExecutionCompleted{
			EventBase:      base,
			Status:         api.RuntimeStatus(e.GetString(propOrchestrationStatus)),
			Result:         e.GetString(propResult),
			FailureDetails: fd,
		}, nil
	case api.EventExecutionTerminated:
		return &api.ExecutionTerminated{EventBase: base, Reason: e.GetString(propInput)}, nil
	case api.EventContinueAsNew:
		return &api.ContinueAsNew{EventBase: base, Input: e.GetString(propResult)}, nil
	case api.EventExecutionRewound:
		return &api.ExecutionRewound{EventBase: base, Reason: e.GetString(propReason)}, nil
	case api.EventOrchestratorStarted:
		return &api.OrchestratorStarted{EventBase: base}, nil
	case api.EventOrchestratorCompleted:
		return &api.OrchestratorCompleted{EventBase: base}, nil
	case api.EventTaskScheduled:
		tg, err := tags()
		if err != nil {
			return nil, err
		}
		return &api.TaskScheduled{
			EventBase: base,
			Name:      e.GetString(propName),
			Version:   e.GetString(propVersion),
			Input:     e.GetString(propInput),
			Tags:      tg,
		}, nil
	case api.EventTaskCompleted:
		return &api.TaskCompleted{
			EventBase:       base,
			TaskScheduledID: e.GetInt(propTaskScheduledID),
			Result:          e.GetString(propResult),
		}, nil
	case api.EventTaskFailed:
		fd, err := failure()
		if err != nil {
			return nil, err
		}
		return &api.TaskFailed{
			EventBase:       base,
			TaskScheduledID: e.GetInt(propTaskScheduledID),
			Reason:          e.GetString(propReason),
			Details:         e.GetString(propDetails),
			FailureDetails:  fd,
		}, nil
	case api.EventSubOrchestrationInstanceCreated:
		tg, err := tags()
		if err != nil {
			return nil, err
		}
		return &api.SubOrchestrationInstanceCreated{
			EventBase:  base,
			Name:       e.GetString(propName),
			Version:    e.GetString(propVersion),
			InstanceID: e.GetString(propInstanceID),
			Input:      e.GetString(propInput),
			Tags:       tg,
		}, nil
	case api.EventSubOrchestrationInstanceCompleted:
		return &api.SubOrchestrationInstanceCompleted{
			EventBase:       base,
			TaskScheduledID: e.GetInt(propTaskScheduledID),
			Result:          e.GetString(propResult),
		}, nil
	case api.EventSubOrchestrationInstanceFailed:
		fd, err := failure()
		if err != nil {
			return nil, err
		}
		return &api.SubOrchestrationInstanceFailed{
			EventBase:       base,
			TaskScheduledID: e.GetInt(propTaskScheduledID),
			Reason:          e.GetString(propReason),
			Details:         e.GetString(propDetails),
			FailureDetails:  fd,
		}, nil
	case api.EventTimerCreated:
		return &api.TimerCreated{EventBase: base, FireAt: e.GetTime(propFireAt)}, nil
	case api.EventTimerFired:
		return &api.TimerFired{
			EventBase: base,
			TimerID:   e.GetInt(propTimerID),
			FireAt:    e.GetTime(propFireAt),
		}, nil
	case api.EventEventSent:
		return &api.EventSent{
			EventBase:  base,
			InstanceID: e.GetString(propInstanceID),
			Name:       e.GetString(propName),
			Input:      e.GetString(propInput),
		}, nil
	case api.EventEventRaised:
		return &api.EventRaised{
			EventBase: base,
			Name:      e.GetString(propName),
			Input:     e.GetString(propInput),
		}, nil
	case api.EventGenericEvent:
		data := e.GetString(propData)
		if data == "" {
			// Rewound rows keep their marker in Reason.
			data = e.GetString(propReason)
		}
		return &api.GenericEvent{EventBase: base, Data: data}, nil
	default:
		return nil, fmt.Errorf("row %s/%s has unknown event type %q", e.PartitionKey, e.RowKey, t)
	}
}
