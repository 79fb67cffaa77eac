package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/petrijr/durabletask/pkg/api"
)

// orchestratorRegistry maps (name, version) to orchestrator code. The empty
// version is a regular key, used by instances started without a version.
type orchestratorRegistry struct {
	mu     sync.RWMutex
	byName map[string]map[string]api.Orchestrator
}

func newOrchestratorRegistry() *orchestratorRegistry {
	return &orchestratorRegistry{
		byName: make(map[string]map[string]api.Orchestrator),
	}
}

func (r *orchestratorRegistry) Register(name, version string, o api.Orchestrator) error {
	if name == "" {
		return errors.New("orchestrator name is required")
	}
	if o == nil {
		return fmt.Errorf("orchestrator %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[name]
	if versions == nil {
		versions = make(map[string]api.Orchestrator)
		r.byName[name] = versions
	}

	if _, exists := versions[version]; exists {
		return fmt.Errorf("orchestrator %q version %q already registered", name, version)
	}

	versions[version] = o
	return nil
}

func (r *orchestratorRegistry) Get(name, version string) (api.Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	if versions == nil {
		return nil, fmt.Errorf("orchestrator %q: %w", name, api.ErrOrchestratorNotFound)
	}

	o, ok := versions[version]
	if !ok {
		known := make([]string, 0, len(versions))
		for v := range versions {
			known = append(known, strconv.Quote(v))
		}
		sort.Strings(known)
		return nil, fmt.Errorf("orchestrator %q version %q (registered: %s): %w",
			name, version, strings.Join(known, ", "), api.ErrOrchestratorNotFound)
	}

	return o, nil
}
