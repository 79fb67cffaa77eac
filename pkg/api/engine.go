package api

import (
	"context"
	"time"
)

// Engine is the episode service a dispatcher drives, together with the
// administrative surface over an instance store.
//
// The dispatcher is expected to run at most one episode per instance at a
// time. Concurrent writers are detected, not prevented: the loser of an
// append race gets a *SplitBrainError.
type Engine interface {
	// RegisterOrchestrator makes orchestrator code available under a name
	// and version. The empty version is the default.
	RegisterOrchestrator(name, version string, o Orchestrator) error

	// StartOrchestration creates the instance's status row and returns the
	// ExecutionStarted event to deliver as its first new event. An empty
	// instanceID gets a random one. Fails with ErrInstanceAlreadyExists.
	StartOrchestration(ctx context.Context, name, version, instanceID string, input any, opts ...StartOption) (*ExecutionStarted, error)

	// RunEpisode replays the instance against its history plus newEvents,
	// appends the resulting events and returns the new actions.
	RunEpisode(ctx context.Context, instanceID string, newEvents []HistoryEvent) (*EpisodeOutcome, error)

	GetHistory(ctx context.Context, instanceID string) (*OrchestrationHistory, error)
	GetStatus(ctx context.Context, instanceID string) (*InstanceStatus, error)
	GetStatuses(ctx context.Context, instanceIDs []string) ([]*InstanceStatus, error)
	QueryStatuses(ctx context.Context, q StatusQuery) (*StatusPage, error)

	PurgeInstance(ctx context.Context, instanceID string) (PurgeResult, error)
	PurgeByDateRange(ctx context.Context, from, to time.Time, statuses []RuntimeStatus) (PurgeResult, error)

	// Rewind undoes the failures of a failed instance tree and returns the
	// ids of the instances that need an ExecutionRewound event to resume.
	Rewind(ctx context.Context, instanceID string) ([]string, error)
}

// EpisodeOutcome is what a dispatcher acts on after an episode.
type EpisodeOutcome struct {
	InstanceID  string
	ExecutionID string

	// Actions are the side effects to dispatch, in request order.
	Actions []Action

	// Terminal is set when the generation ended.
	Terminal *CompleteOrchestrationAction

	// Appended are the events written to history by this episode.
	Appended []HistoryEvent

	// ETag is the token for the next append.
	ETag string

	// NextExecutionID is set after ContinueAsNew. The new generation's
	// start is already recorded and its first episode can run right away.
	NextExecutionID string
}

// StartOptions are the optional attributes of a new instance.
type StartOptions struct {
	ScheduledStartTime *time.Time
	Tags               map[string]string
	Parent             *ParentInstance
}

type StartOption func(*StartOptions)

func WithScheduledStartTime(t time.Time) StartOption {
	return func(o *StartOptions) { o.ScheduledStartTime = &t }
}

func WithStartTags(tags map[string]string) StartOption {
	return func(o *StartOptions) { o.Tags = tags }
}

// WithParent marks the instance as a sub-orchestration of parent.
func WithParent(parent ParentInstance) StartOption {
	return func(o *StartOptions) { o.Parent = &parent }
}
