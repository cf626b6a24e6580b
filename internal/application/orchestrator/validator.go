package orchestrator

import (
	"fmt"
	"sort"

	"github.com/aescanero/pipeorch/pkg/domain"
)

// StepSupport reports whether a step type can run in a mode
type StepSupport interface {
	Supports(stepType string, mode domain.ExecutionMode) bool
}

// Validator validates plan graphs
type Validator struct {
	steps StepSupport
}

// NewValidator creates a new plan validator. With a nil steps argument
// step types are not checked.
func NewValidator(steps StepSupport) *Validator {
	return &Validator{steps: steps}
}

// Validate validates a plan graph
func (v *Validator) Validate(g *domain.PlanGraph) error {
	if g == nil {
		return fmt.Errorf("plan is nil")
	}
	if g.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("plan must have at least one node")
	}
	if g.RootNodeID == "" {
		return fmt.Errorf("root node is required")
	}
	if _, ok := g.Nodes[g.RootNodeID]; !ok {
		return fmt.Errorf("root node %s not found in plan", g.RootNodeID)
	}

	// sorted for stable error messages
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := v.validateNode(g, id, g.Nodes[id]); err != nil {
			return fmt.Errorf("invalid node %s: %w", id, err)
		}
	}

	if err := detectCycle(g, ids); err != nil {
		return err
	}
	return validateBarriers(g, ids)
}

func (v *Validator) validateNode(g *domain.PlanGraph, id string, node *domain.PlanNode) error {
	if node == nil {
		return fmt.Errorf("node is nil")
	}
	if node.ID != id {
		return fmt.Errorf("node ID %q does not match its key", node.ID)
	}
	if node.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if node.StepType == "" {
		return fmt.Errorf("step type is required")
	}
	if len(node.FacilitatorObtainments) > 1 {
		return fmt.Errorf("at most one facilitator is allowed")
	}

	mode := node.Mode()
	if !mode.IsValid() {
		return fmt.Errorf("unknown execution mode: %s", mode)
	}
	if v.steps != nil && !v.steps.Supports(node.StepType, mode) {
		return fmt.Errorf("step type %s does not support mode %s", node.StepType, mode)
	}

	if len(node.Children) > 0 && !mode.IsChildSpawning() {
		return fmt.Errorf("children require a child-spawning mode, got %s", mode)
	}
	for _, child := range node.Children {
		if _, ok := g.Nodes[child]; !ok {
			return fmt.Errorf("child references non-existent node: %s", child)
		}
		if child == g.RootNodeID {
			return fmt.Errorf("root node cannot be a child")
		}
	}

	for _, adviser := range node.AdviserObtainments {
		switch adviser.Type {
		case domain.AdviserTypeNextStep, domain.AdviserTypeOnFail:
		default:
			return fmt.Errorf("unknown adviser type: %s", adviser.Type)
		}
		if _, ok := g.Nodes[adviser.NextNodeID]; !ok {
			return fmt.Errorf("adviser references non-existent node: %s", adviser.NextNodeID)
		}
		for _, s := range adviser.Statuses {
			if !s.IsValid() {
				return fmt.Errorf("adviser has unknown status: %s", s)
			}
		}
	}

	if node.StepType == domain.BarrierStepType && node.StringParameter(domain.BarrierRefParameter) == "" {
		return fmt.Errorf("barrier step requires a %s parameter", domain.BarrierRefParameter)
	}
	return nil
}

// detectCycle walks child and adviser edges depth-first.
func detectCycle(g *domain.PlanGraph, ids []string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("plan has a cycle through node %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		node := g.Nodes[id]
		for _, child := range node.Children {
			if err := visit(child); err != nil {
				return err
			}
		}
		for _, adviser := range node.AdviserObtainments {
			if err := visit(adviser.NextNodeID); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func validateBarriers(g *domain.PlanGraph, ids []string) error {
	referenced := make(map[string]bool)
	for _, id := range ids {
		node := g.Nodes[id]
		if node.StepType == domain.BarrierStepType {
			referenced[node.StringParameter(domain.BarrierRefParameter)] = true
		}
	}

	declared := make(map[string]bool, len(g.Barriers))
	for _, b := range g.Barriers {
		if b.Identifier == "" {
			return fmt.Errorf("barrier identifier is required")
		}
		if declared[b.Identifier] {
			return fmt.Errorf("duplicate barrier: %s", b.Identifier)
		}
		declared[b.Identifier] = true
		if b.ExpectedCount < 0 {
			return fmt.Errorf("barrier %s has a negative expected count", b.Identifier)
		}
		if !referenced[b.Identifier] {
			return fmt.Errorf("barrier %s is not referenced by any barrier step", b.Identifier)
		}
	}
	return nil
}
