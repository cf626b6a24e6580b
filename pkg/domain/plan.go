package domain

import (
	"fmt"
	"time"
)

// AdviserType selects how the next node is chosen once a node ends.
type AdviserType string

const (
	// AdviserTypeNextStep moves to NextNodeID when the node ended with one
	// of the applicable statuses (positive statuses when none are listed).
	AdviserTypeNextStep AdviserType = "NEXT_STEP"
	// AdviserTypeOnFail moves to NextNodeID when the node ended broke.
	AdviserTypeOnFail AdviserType = "ON_FAIL"
)

// AdviserObtainment describes one adviser attached to a plan node.
type AdviserObtainment struct {
	Type       AdviserType `json:"type" yaml:"type"`
	NextNodeID string      `json:"next_node_id" yaml:"next_node_id"`
	Statuses   []Status    `json:"statuses,omitempty" yaml:"statuses,omitempty"`
}

// Applies reports whether the adviser fires for the given end status.
func (a AdviserObtainment) Applies(status Status) bool {
	if len(a.Statuses) > 0 {
		return NewStatusSet(a.Statuses...).Contains(status)
	}
	switch a.Type {
	case AdviserTypeOnFail:
		return status.IsBroke()
	default:
		return status.IsPositive()
	}
}

// FacilitatorObtainment describes how a plan node is started.
type FacilitatorObtainment struct {
	Mode ExecutionMode `json:"mode" yaml:"mode"`
}

// TimeoutObtainment bounds how long a node may run.
type TimeoutObtainment struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// PlanNode is the static, immutable definition of one node of a plan.
type PlanNode struct {
	ID             string                 `json:"id" yaml:"id"`
	Identifier     string                 `json:"identifier" yaml:"identifier"`
	Name           string                 `json:"name,omitempty" yaml:"name,omitempty"`
	StepType       string                 `json:"step_type" yaml:"step_type"`
	Group          LevelGroup             `json:"group,omitempty" yaml:"group,omitempty"`
	StepParameters map[string]interface{} `json:"step_parameters,omitempty" yaml:"step_parameters,omitempty"`

	AdviserObtainments     []AdviserObtainment     `json:"advisers,omitempty" yaml:"advisers,omitempty"`
	FacilitatorObtainments []FacilitatorObtainment `json:"facilitators,omitempty" yaml:"facilitators,omitempty"`
	TimeoutObtainments     []TimeoutObtainment     `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`

	SkipCondition string `json:"skip_condition,omitempty" yaml:"skip_condition,omitempty"`
	WhenCondition string `json:"when_condition,omitempty" yaml:"when_condition,omitempty"`

	// Children lists the plan nodes spawned by a child-spawning node.
	Children []string `json:"children,omitempty" yaml:"children,omitempty"`
}

// Mode returns the facilitation mode of the node, SYNC when none is set.
func (n *PlanNode) Mode() ExecutionMode {
	if len(n.FacilitatorObtainments) == 0 {
		return ExecutionModeSync
	}
	return n.FacilitatorObtainments[0].Mode
}

// StringParameter returns a string step parameter, or "".
func (n *PlanNode) StringParameter(key string) string {
	if n.StepParameters == nil {
		return ""
	}
	v, _ := n.StepParameters[key].(string)
	return v
}

// BarrierDeclaration declares a barrier up front, at plan creation time.
// An ExpectedCount of zero makes the barrier open-ended: its party count
// is derived from the graph fan-out.
type BarrierDeclaration struct {
	Identifier    string `json:"identifier" yaml:"identifier"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	ExpectedCount int    `json:"expected_count,omitempty" yaml:"expected_count,omitempty"`
}

// PlanGraph is the immutable node graph produced by plan creation.
type PlanGraph struct {
	ID         string               `json:"id" yaml:"id"`
	Name       string               `json:"name,omitempty" yaml:"name,omitempty"`
	RootNodeID string               `json:"root_node_id" yaml:"root_node_id"`
	Nodes      map[string]*PlanNode `json:"nodes" yaml:"nodes"`
	Barriers   []BarrierDeclaration `json:"barriers,omitempty" yaml:"barriers,omitempty"`
}

// Node returns the plan node with the given id.
func (g *PlanGraph) Node(id string) (*PlanNode, error) {
	node, ok := g.Nodes[id]
	if !ok || node == nil {
		return nil, fmt.Errorf("plan node not found: %s", id)
	}
	return node, nil
}

// Parents maps every child plan node id to the id of the node that spawns
// it. Nodes reached through advisers share the parent of their predecessor.
func (g *PlanGraph) Parents() map[string]string {
	parents := make(map[string]string)
	var visit func(id, parent string)
	visit = func(id, parent string) {
		if _, seen := parents[id]; seen || id == "" {
			return
		}
		parents[id] = parent
		node, ok := g.Nodes[id]
		if !ok {
			return
		}
		for _, child := range node.Children {
			visit(child, id)
		}
		for _, adviser := range node.AdviserObtainments {
			visit(adviser.NextNodeID, parent)
		}
	}
	visit(g.RootNodeID, "")
	return parents
}

// Ancestors returns the chain of spawning ancestors of a node, closest first.
func (g *PlanGraph) Ancestors(id string) []*PlanNode {
	parents := g.Parents()
	var out []*PlanNode
	for cur := parents[id]; cur != ""; cur = parents[cur] {
		node, ok := g.Nodes[cur]
		if !ok {
			break
		}
		out = append(out, node)
	}
	return out
}
