// Package plan loads plan graphs from YAML or JSON documents.
//
// A document is checked against the embedded JSON schema before it is
// decoded, so structural mistakes are reported with their document path.
// Graph-level checks (cycles, dangling references, step capabilities) are
// left to the orchestrator's validator.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed plan.schema.json
var schemaSource []byte

const schemaName = "plan.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Document is the on-disk form of a plan
type Document struct {
	ID       string                      `yaml:"id" json:"id"`
	Name     string                      `yaml:"name,omitempty" json:"name,omitempty"`
	Root     string                      `yaml:"root" json:"root"`
	Barriers []domain.BarrierDeclaration `yaml:"barriers,omitempty" json:"barriers,omitempty"`
	Nodes    []NodeDocument              `yaml:"nodes" json:"nodes"`
}

// NodeDocument is the on-disk form of a plan node
type NodeDocument struct {
	ID             string                     `yaml:"id" json:"id"`
	Identifier     string                     `yaml:"identifier,omitempty" json:"identifier,omitempty"`
	Name           string                     `yaml:"name,omitempty" json:"name,omitempty"`
	StepType       string                     `yaml:"step_type" json:"step_type"`
	Group          domain.LevelGroup          `yaml:"group,omitempty" json:"group,omitempty"`
	Mode           domain.ExecutionMode       `yaml:"mode,omitempty" json:"mode,omitempty"`
	Children       []string                   `yaml:"children,omitempty" json:"children,omitempty"`
	Advisers       []domain.AdviserObtainment `yaml:"advisers,omitempty" json:"advisers,omitempty"`
	StepParameters map[string]interface{}     `yaml:"step_parameters,omitempty" json:"step_parameters,omitempty"`
	SkipCondition  string                     `yaml:"skip_condition,omitempty" json:"skip_condition,omitempty"`
	WhenCondition  string                     `yaml:"when_condition,omitempty" json:"when_condition,omitempty"`
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaName, bytes.NewReader(schemaSource)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaName)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// LoadFile reads and parses a plan document
func LoadFile(path string) (*domain.PlanGraph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	g, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Parse validates a YAML or JSON plan document and builds its graph
func Parse(raw []byte) (*domain.PlanGraph, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return doc.Graph()
}

// Validate checks a plan document against the plan schema
func Validate(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	var tree interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("failed to parse plan: %w", err)
	}
	if tree == nil {
		return fmt.Errorf("plan document is empty")
	}

	// the schema validator works on JSON values
	asJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to convert plan to JSON: %w", err)
	}
	var payload interface{}
	if err := json.Unmarshal(asJSON, &payload); err != nil {
		return fmt.Errorf("failed to convert plan to JSON: %w", err)
	}

	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("plan does not match schema: %w", err)
	}
	return nil
}

// Graph builds the plan graph described by the document
func (d *Document) Graph() (*domain.PlanGraph, error) {
	g := &domain.PlanGraph{
		ID:         d.ID,
		Name:       d.Name,
		RootNodeID: d.Root,
		Nodes:      make(map[string]*domain.PlanNode, len(d.Nodes)),
		Barriers:   d.Barriers,
	}

	for _, n := range d.Nodes {
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node ID: %s", n.ID)
		}
		node := &domain.PlanNode{
			ID:                 n.ID,
			Identifier:         n.Identifier,
			Name:               n.Name,
			StepType:           n.StepType,
			Group:              n.Group,
			StepParameters:     n.StepParameters,
			AdviserObtainments: n.Advisers,
			SkipCondition:      n.SkipCondition,
			WhenCondition:      n.WhenCondition,
			Children:           n.Children,
		}
		if node.Identifier == "" {
			node.Identifier = n.ID
		}
		if n.Mode != "" {
			node.FacilitatorObtainments = []domain.FacilitatorObtainment{{Mode: n.Mode}}
		}
		g.Nodes[n.ID] = node
	}
	return g, nil
}
