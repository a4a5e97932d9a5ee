package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps action identifiers to actions. Actions are registered at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a registry holding the given actions.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an action. Names must be unique.
func (r *Registry) Register(a Action) error {
	name := a.Info().Name
	if name == "" {
		return NewConfigurationError("action has no name", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return NewConfigurationError(fmt.Sprintf("action %s already registered", name), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.actions[name] = a
	return nil
}

// Get returns the action registered under name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("unknown action %q", name), nil).
			WithCode(ErrCodeUnknownAction)
	}
	return a, nil
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
