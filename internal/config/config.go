// Package config holds the tunables of the history store and the replay
// engine.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Settings configures a task hub. Zero values are replaced by Default().
type Settings struct {
	TaskHubName string `env:"DURABLETASK_TASK_HUB" envDefault:"default"`

	// HistoryTableName and InstancesTableName default to the task hub name
	// with a "History" and "Instances" suffix.
	HistoryTableName   string `env:"DURABLETASK_HISTORY_TABLE"`
	InstancesTableName string `env:"DURABLETASK_INSTANCES_TABLE"`

	// MaxTablePropertySize is the largest string property, in UTF-16 bytes,
	// stored inline. Larger values are externalized to the object store.
	MaxTablePropertySize int `env:"DURABLETASK_MAX_PROPERTY_SIZE" envDefault:"61440"`

	// MaxStorageOperationConcurrency bounds parallel storage calls in
	// purge and bulk status reads.
	MaxStorageOperationConcurrency int `env:"DURABLETASK_MAX_STORAGE_CONCURRENCY" envDefault:"16"`

	// FetchLargeMessageData rehydrates externalized status fields on read.
	// Nil means true; use FetchLargeMessages to read it.
	FetchLargeMessageData *bool `env:"DURABLETASK_FETCH_LARGE_MESSAGES" envDefault:"true"`

	MaxRewindDepth int `env:"DURABLETASK_MAX_REWIND_DEPTH" envDefault:"64"`
	PurgePageSize  int `env:"DURABLETASK_PURGE_PAGE_SIZE" envDefault:"100"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	s := Settings{
		TaskHubName:                    "default",
		MaxTablePropertySize:           60 * 1024,
		MaxStorageOperationConcurrency: 16,
		FetchLargeMessageData:          ptr(true),
		MaxRewindDepth:                 64,
		PurgePageSize:                  100,
	}
	s.applyDerived()
	return s
}

// Load reads Settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	s.applyDerived()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// WithDefaults fills zero fields from Default().
func (s Settings) WithDefaults() Settings {
	d := Default()
	if s.TaskHubName == "" {
		s.TaskHubName = d.TaskHubName
	}
	if s.MaxTablePropertySize <= 0 {
		s.MaxTablePropertySize = d.MaxTablePropertySize
	}
	if s.MaxStorageOperationConcurrency <= 0 {
		s.MaxStorageOperationConcurrency = d.MaxStorageOperationConcurrency
	}
	if s.MaxRewindDepth <= 0 {
		s.MaxRewindDepth = d.MaxRewindDepth
	}
	if s.FetchLargeMessageData == nil {
		s.FetchLargeMessageData = d.FetchLargeMessageData
	}
	if s.PurgePageSize <= 0 {
		s.PurgePageSize = d.PurgePageSize
	}
	s.applyDerived()
	return s
}

// FetchLargeMessages reports whether externalized status fields are
// downloaded on read.
func (s Settings) FetchLargeMessages() bool {
	return s.FetchLargeMessageData == nil || *s.FetchLargeMessageData
}

// WithFetchLargeMessages returns s with FetchLargeMessageData set to v.
func (s Settings) WithFetchLargeMessages(v bool) Settings {
	s.FetchLargeMessageData = ptr(v)
	return s
}

func ptr[T any](v T) *T { return &v }

func (s *Settings) applyDerived() {
	if s.HistoryTableName == "" {
		s.HistoryTableName = s.TaskHubName + "History"
	}
	if s.InstancesTableName == "" {
		s.InstancesTableName = s.TaskHubName + "Instances"
	}
}

// Validate rejects settings the store cannot operate with.
func (s Settings) Validate() error {
	var errs []error
	if s.TaskHubName == "" {
		errs = append(errs, errors.New("task hub name is required"))
	}
	if s.MaxTablePropertySize <= 0 {
		errs = append(errs, fmt.Errorf("max table property size must be positive, got %d", s.MaxTablePropertySize))
	}
	if s.MaxStorageOperationConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max storage operation concurrency must be positive, got %d", s.MaxStorageOperationConcurrency))
	}
	if s.MaxRewindDepth <= 0 {
		errs = append(errs, fmt.Errorf("max rewind depth must be positive, got %d", s.MaxRewindDepth))
	}
	if s.PurgePageSize <= 0 || s.PurgePageSize > 1000 {
		errs = append(errs, fmt.Errorf("purge page size must be in 1..1000, got %d", s.PurgePageSize))
	}
	if s.HistoryTableName == s.InstancesTableName {
		errs = append(errs, errors.New("history and instances tables must differ"))
	}
	return errors.Join(errs...)
}
