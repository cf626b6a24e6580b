package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/pipeorch/pkg/domain"
)

// StepRegistry maps step types to their implementations
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewStepRegistry creates a registry holding the given steps
func NewStepRegistry(steps ...Step) *StepRegistry {
	r := &StepRegistry{steps: make(map[string]Step)}
	for _, s := range steps {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the step for its type
func (r *StepRegistry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.Type()] = step
}

// Step returns the step registered for stepType
func (r *StepRegistry) Step(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStepNotRegistered, stepType)
	}
	return step, nil
}

// Supports reports whether stepType is registered with a capability for mode
func (r *StepRegistry) Supports(stepType string, mode domain.ExecutionMode) bool {
	step, err := r.Step(stepType)
	if err != nil {
		return false
	}
	switch mode {
	case domain.ExecutionModeSync:
		_, ok := step.(SyncExecutable)
		return ok
	case domain.ExecutionModeAsync:
		_, ok := step.(AsyncExecutable)
		return ok
	case domain.ExecutionModeTask:
		_, ok := step.(TaskExecutable)
		return ok
	case domain.ExecutionModeChild, domain.ExecutionModeChildren:
		return true
	}
	return false
}

// Types returns the registered step types, sorted
func (r *StepRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.steps))
	for t := range r.steps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
