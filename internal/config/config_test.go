package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.MaxTablePropertySize != 61440 {
		t.Fatalf("expected default property size 61440, got %d", s.MaxTablePropertySize)
	}
	if s.HistoryTableName != "defaultHistory" || s.InstancesTableName != "defaultInstances" {
		t.Fatalf("unexpected table names %q %q", s.HistoryTableName, s.InstancesTableName)
	}
	if !reflect.DeepEqual(s, Default()) {
		t.Fatalf("expected env defaults to match Default(): %+v vs %+v", s, Default())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DURABLETASK_TASK_HUB", "orders")
	t.Setenv("DURABLETASK_MAX_STORAGE_CONCURRENCY", "4")
	t.Setenv("DURABLETASK_FETCH_LARGE_MESSAGES", "false")

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.HistoryTableName != "ordersHistory" {
		t.Fatalf("expected derived history table, got %q", s.HistoryTableName)
	}
	if s.MaxStorageOperationConcurrency != 4 || s.FetchLargeMessages() {
		t.Fatalf("unexpected settings %+v", s)
	}
}

func TestWithDefaultsFetchesLargeMessages(t *testing.T) {
	s := Settings{TaskHubName: "orders", MaxRewindDepth: 3}.WithDefaults()
	if !s.FetchLargeMessages() {
		t.Fatalf("expected partial settings to fetch large messages")
	}
	if s.MaxRewindDepth != 3 || s.PurgePageSize != 100 {
		t.Fatalf("unexpected settings %+v", s)
	}

	s = Default().WithFetchLargeMessages(false).WithDefaults()
	if s.FetchLargeMessages() {
		t.Fatalf("expected an explicit false to be kept")
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("DURABLETASK_MAX_REWIND_DEPTH", "deep")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	s := Default()
	s.PurgePageSize = 0
	s.InstancesTableName = s.HistoryTableName

	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "purge page size") || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	s := Settings{TaskHubName: "hub", MaxRewindDepth: 3}.WithDefaults()
	if s.MaxRewindDepth != 3 {
		t.Fatalf("explicit value should be kept")
	}
	if s.MaxTablePropertySize != 60*1024 || s.InstancesTableName != "hubInstances" {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestLoadBackendDefaults(t *testing.T) {
	b, err := LoadBackend()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Kind != BackendMemory || b.Objects != ObjectsMemory || b.RedisPrefix != "durabletask:" {
		t.Fatalf("unexpected backend defaults %+v", b)
	}
}

func TestLoadBackendFromEnv(t *testing.T) {
	t.Setenv("DURABLETASK_BACKEND", "sqlite")
	t.Setenv("DURABLETASK_DSN", "file:hub.db")
	t.Setenv("DURABLETASK_OBJECTS", "bolt")
	t.Setenv("DURABLETASK_BOLT_PATH", "/tmp/blobs.db")

	b, err := LoadBackend()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Kind != BackendSQLite || b.DSN != "file:hub.db" || b.BoltPath != "/tmp/blobs.db" {
		t.Fatalf("unexpected backend %+v", b)
	}
}

func TestBackendValidate(t *testing.T) {
	err := Backend{Kind: "cassandra", Objects: "s3"}.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "unknown backend") || !strings.Contains(err.Error(), "unknown object store") {
		t.Fatalf("expected both problems reported, got %v", err)
	}

	if err := (Backend{Kind: BackendPostgres, Objects: ObjectsMemory}).Validate(); err == nil {
		t.Fatal("expected missing DSN to be rejected")
	}
}
