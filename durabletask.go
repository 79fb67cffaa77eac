package durabletask

import (
	"context"
	"time"

	"github.com/petrijr/durabletask/internal/config"
	"github.com/petrijr/durabletask/internal/engine"
	"github.com/petrijr/durabletask/internal/persistence"
	"github.com/petrijr/durabletask/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Orchestrator         = api.Orchestrator
	OrchestrationContext = api.OrchestrationContext
	Future               = api.Future
	TimerFuture          = api.TimerFuture
	TaskOption           = api.TaskOption
	RetryPolicy          = api.RetryPolicy
	HistoryEvent         = api.HistoryEvent
	Action               = api.Action
	EpisodeOutcome       = api.EpisodeOutcome
	OrchestrationHistory = api.OrchestrationHistory
	InstanceStatus       = api.InstanceStatus
	RuntimeStatus        = api.RuntimeStatus
	StatusQuery          = api.StatusQuery
	StatusPage           = api.StatusPage
	PurgeResult          = api.PurgeResult
	FailureDetails       = api.FailureDetails
	DataConverter        = api.DataConverter
	JSONConverter        = api.JSONConverter
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Settings    = config.Settings
	Backend     = config.Backend
	Persistence = persistence.Persistence
	ObjectStore = persistence.ObjectStore
)

// Re-export common observer helpers and options.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	WithScheduledStartTime = api.WithScheduledStartTime
	WithStartTags          = api.WithStartTags
	WithParent             = api.WithParent
	WithTaskVersion        = api.WithTaskVersion
	WithTaskTags           = api.WithTaskTags
	WithSubInstanceID      = api.WithSubInstanceID
	WithSubVersion         = api.WithSubVersion
	WithSubTags            = api.WithSubTags

	DefaultSettings = config.Default
	LoadSettings    = config.Load
	LoadBackend     = config.LoadBackend
)

// Re-export status values for convenience.

const (
	StatusPending        = api.RuntimeStatusPending
	StatusRunning        = api.RuntimeStatusRunning
	StatusCompleted      = api.RuntimeStatusCompleted
	StatusContinuedAsNew = api.RuntimeStatusContinuedAsNew
	StatusFailed         = api.RuntimeStatusFailed
	StatusCanceled       = api.RuntimeStatusCanceled
	StatusTerminated     = api.RuntimeStatusTerminated
)

var (
	ErrNonDeterminism        = api.ErrNonDeterminism
	ErrConcurrencyConflict   = api.ErrConcurrencyConflict
	ErrInstanceNotFound      = api.ErrInstanceNotFound
	ErrInstanceAlreadyExists = api.ErrInstanceAlreadyExists
	ErrInstanceCompleted     = api.ErrInstanceCompleted
	ErrOrchestratorNotFound  = api.ErrOrchestratorNotFound
	ErrTimerCanceled         = api.ErrTimerCanceled
	ErrRewindDepthExceeded   = api.ErrRewindDepthExceeded
)

// Option customizes an Engine built by NewEngine or Open.
type Option func(*engine.Config)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(c *engine.Config) { c.Settings = s }
}

func WithObserver(o Observer) Option {
	return func(c *engine.Config) { c.Observer = o }
}

func WithConverter(dc DataConverter) Option {
	return func(c *engine.Config) { c.Converter = dc }
}

// WithClock replaces the clock that stamps episodes, and with it the
// orchestration time seen through CurrentTime.
func WithClock(now func() time.Time) Option {
	return func(c *engine.Config) { c.Clock = now }
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns an Engine over p, creating its tables if needed.
func NewEngine(ctx context.Context, p Persistence, opts ...Option) (Engine, error) {
	cfg := engine.Config{Persistence: p}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.NewEngineWithConfig(ctx, cfg)
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewMemoryPersistence returns in-memory table and object stores.
func NewMemoryPersistence() Persistence {
	return persistence.NewMemoryPersistence()
}
