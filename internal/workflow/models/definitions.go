package models

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/envelope"
)

//go:embed defaults.yaml
var defaultDefinitions []byte

// StageDef describes one stage of a workflow type: which agent runs it,
// its dispatch budget, and whether completion requires a human decision.
type StageDef struct {
	Name         string             `yaml:"name"`
	AgentType    envelope.AgentType `yaml:"agent_type"`
	TimeoutMs    int64              `yaml:"timeout_ms"`
	MaxRetries   int                `yaml:"max_retries"`
	DecisionGate bool               `yaml:"decision_gate"`
}

// Definition is the ordered stage sequence of one workflow type.
type Definition struct {
	Type   string     `yaml:"type"`
	Stages []StageDef `yaml:"stages"`
}

type definitionsFile struct {
	Workflows []Definition `yaml:"workflows"`
}

// Definitions resolves workflow types to their stage sequences. Immutable
// after load.
type Definitions struct {
	byType map[string]Definition
}

// DefaultDefinitions loads the embedded stage definitions for the built-in
// workflow types (app, feature, bugfix).
func DefaultDefinitions() *Definitions {
	defs, err := parseDefinitions(defaultDefinitions)
	if err != nil {
		// The embedded file is validated by tests; reaching this is a
		// build defect, not a runtime condition.
		panic(fmt.Sprintf("embedded workflow definitions invalid: %v", err))
	}
	return defs
}

// LoadDefinitions reads stage definitions from a YAML file. An empty path
// yields the embedded defaults.
func LoadDefinitions(path string) (*Definitions, error) {
	if path == "" {
		return DefaultDefinitions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definitions %s: %w", path, err)
	}
	defs, err := parseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow definitions %s: %w", path, err)
	}
	return defs, nil
}

func parseDefinitions(data []byte) (*Definitions, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Workflows) == 0 {
		return nil, fmt.Errorf("no workflow types defined")
	}

	byType := make(map[string]Definition, len(file.Workflows))
	for _, def := range file.Workflows {
		if def.Type == "" {
			return nil, fmt.Errorf("workflow type name missing")
		}
		if _, dup := byType[def.Type]; dup {
			return nil, fmt.Errorf("workflow type %q defined twice", def.Type)
		}
		if len(def.Stages) == 0 {
			return nil, fmt.Errorf("workflow type %q has no stages", def.Type)
		}
		seen := make(map[string]bool, len(def.Stages))
		for _, stage := range def.Stages {
			if stage.Name == "" {
				return nil, fmt.Errorf("workflow type %q has an unnamed stage", def.Type)
			}
			if seen[stage.Name] {
				return nil, fmt.Errorf("workflow type %q repeats stage %q", def.Type, stage.Name)
			}
			seen[stage.Name] = true
			if !stage.AgentType.Valid() {
				return nil, fmt.Errorf("workflow type %q stage %q has unknown agent type %q",
					def.Type, stage.Name, stage.AgentType)
			}
			if stage.TimeoutMs <= 0 {
				return nil, fmt.Errorf("workflow type %q stage %q needs a positive timeout",
					def.Type, stage.Name)
			}
		}
		byType[def.Type] = def
	}
	return &Definitions{byType: byType}, nil
}

// Types lists the known workflow types.
func (d *Definitions) Types() []string {
	out := make([]string, 0, len(d.byType))
	for t := range d.byType {
		out = append(out, t)
	}
	return out
}

// Known reports whether workflowType is defined.
func (d *Definitions) Known(workflowType string) bool {
	_, ok := d.byType[workflowType]
	return ok
}

// FirstStage returns the initial stage of workflowType.
func (d *Definitions) FirstStage(workflowType string) (StageDef, error) {
	def, ok := d.byType[workflowType]
	if !ok {
		return StageDef{}, apperrors.ValidationError("type", "unknown workflow type '"+workflowType+"'")
	}
	return def.Stages[0], nil
}

// Stage resolves one stage of workflowType by name.
func (d *Definitions) Stage(workflowType, stage string) (StageDef, error) {
	def, ok := d.byType[workflowType]
	if !ok {
		return StageDef{}, apperrors.ValidationError("type", "unknown workflow type '"+workflowType+"'")
	}
	for _, s := range def.Stages {
		if s.Name == stage {
			return s, nil
		}
	}
	return StageDef{}, apperrors.ValidationError("stage",
		"stage '"+stage+"' not defined for workflow type '"+workflowType+"'")
}

// NextStage returns the stage after current in workflowType's sequence.
// The second return is false when current is the last stage.
func (d *Definitions) NextStage(workflowType, current string) (StageDef, bool, error) {
	def, ok := d.byType[workflowType]
	if !ok {
		return StageDef{}, false, apperrors.ValidationError("type", "unknown workflow type '"+workflowType+"'")
	}
	for i, s := range def.Stages {
		if s.Name == current {
			if i+1 < len(def.Stages) {
				return def.Stages[i+1], true, nil
			}
			return StageDef{}, false, nil
		}
	}
	return StageDef{}, false, apperrors.ValidationError("stage",
		"stage '"+current+"' not defined for workflow type '"+workflowType+"'")
}

// StageIndex returns the zero-based position of stage in workflowType's
// sequence, or -1 when unknown.
func (d *Definitions) StageIndex(workflowType, stage string) int {
	def, ok := d.byType[workflowType]
	if !ok {
		return -1
	}
	for i, s := range def.Stages {
		if s.Name == stage {
			return i
		}
	}
	return -1
}

// Progress derives the progress percentage from the stage position.
// Terminal stages report 100 (completed) or freeze at the last known
// working-stage value (failed handling is the caller's concern).
func (d *Definitions) Progress(workflowType, stage string) int {
	if stage == StageCompleted {
		return 100
	}
	def, ok := d.byType[workflowType]
	if !ok {
		return 0
	}
	idx := d.StageIndex(workflowType, stage)
	if idx < 0 {
		return 0
	}
	return idx * 100 / len(def.Stages)
}

// IsForward reports whether moving from current to next respects the
// forward-only ordering of workflowType's sequence.
func (d *Definitions) IsForward(workflowType, current, next string) bool {
	ci := d.StageIndex(workflowType, current)
	ni := d.StageIndex(workflowType, next)
	return ci >= 0 && ni > ci
}
