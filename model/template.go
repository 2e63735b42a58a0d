package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TemplateDefinition is the root structure of a process template file. A
// template declares the segments, milestones and steps of one version of the
// purchase workflow.
type TemplateDefinition struct {
	Version    string                `yaml:"version"    json:"version"`
	Name       string                `yaml:"name"       json:"name,omitempty"`
	Segments   []SegmentDefinition   `yaml:"segments"   json:"segments"`
	Milestones []MilestoneDefinition `yaml:"milestones" json:"milestones"`
	Steps      []StepDefinition      `yaml:"steps"      json:"steps"`
	Predicates map[string]string     `yaml:"predicates" json:"predicates,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"checksum,omitempty"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// SegmentDefinition describes an ordered phase of the transaction.
type SegmentDefinition struct {
	ID    string `yaml:"id"    json:"id"`
	Label string `yaml:"label" json:"label"`
	Order int    `yaml:"order" json:"order"`
}

// MilestoneDefinition describes a weighted checkpoint. A milestone is reached
// once every listed step is done or skipped.
type MilestoneDefinition struct {
	Type   string   `yaml:"type"   json:"type"`
	Label  string   `yaml:"label"  json:"label"`
	Order  int      `yaml:"order"  json:"order"`
	Weight float64  `yaml:"weight" json:"weight"`
	Steps  []string `yaml:"steps"  json:"steps"`
}

// StepDefinition describes one atomic unit of work.
type StepDefinition struct {
	Code          string       `yaml:"code"           json:"code"`
	Title         string       `yaml:"title"          json:"title"`
	Role          string       `yaml:"role"           json:"role"`
	Segment       string       `yaml:"segment"        json:"segment"`
	DependsOn     []Dependency `yaml:"depends_on"     json:"depends_on,omitempty"`
	ConditionalOn string       `yaml:"conditional_on" json:"conditional_on,omitempty"`
}

// Party roles that own steps. The role is informational and never used for
// authorization.
const (
	RoleAgent  = "agent"
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleLender = "lender"
	RoleNotary = "notary"
)

// Roles lists the step owners the built-in template assigns. Templates may
// name other owners.
var Roles = []string{RoleAgent, RoleBuyer, RoleSeller, RoleLender, RoleNotary}

// DependencyKind discriminates the two dependency shapes.
type DependencyKind int

const (
	// DependencyStep is a single step code that must be satisfied.
	DependencyStep DependencyKind = iota
	// DependencyAnyOf is an OR-group: at least one member must be satisfied.
	DependencyAnyOf
)

// Dependency is one entry of a step's depends_on list. In YAML and JSON a
// plain string is a required step and a nested list is an OR-group, so
// `[A, B, [C, D]]` reads as A and B and (C or D).
type Dependency struct {
	Kind  DependencyKind
	Codes []string
}

// Requires returns a dependency on a single step.
func Requires(code string) Dependency {
	return Dependency{Kind: DependencyStep, Codes: []string{code}}
}

// AnyOf returns an OR-group over the given steps.
func AnyOf(codes ...string) Dependency {
	return Dependency{Kind: DependencyAnyOf, Codes: codes}
}

// IsGroup reports whether d is an OR-group.
func (d Dependency) IsGroup() bool {
	return d.Kind == DependencyAnyOf
}

// String renders the dependency the way it is written in a template.
func (d Dependency) String() string {
	if !d.IsGroup() && len(d.Codes) == 1 {
		return d.Codes[0]
	}
	return fmt.Sprintf("%v", d.Codes)
}

// UnmarshalYAML decodes either a scalar step code or a sequence of codes.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*d = Requires(node.Value)
		return nil
	case yaml.SequenceNode:
		codes := make([]string, 0, len(node.Content))
		for _, n := range node.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: or-group members must be step codes", n.Line)
			}
			codes = append(codes, n.Value)
		}
		*d = AnyOf(codes...)
		return nil
	default:
		return fmt.Errorf("line %d: dependency must be a step code or a list of step codes", node.Line)
	}
}

// MarshalYAML encodes d in the same shape UnmarshalYAML accepts.
func (d Dependency) MarshalYAML() (any, error) {
	if d.IsGroup() {
		return d.Codes, nil
	}
	if len(d.Codes) == 0 {
		return "", nil
	}
	return d.Codes[0], nil
}

// UnmarshalJSON decodes either a string or an array of strings.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty dependency")
	}
	switch trimmed[0] {
	case '"':
		var code string
		if err := json.Unmarshal(trimmed, &code); err != nil {
			return err
		}
		*d = Requires(code)
		return nil
	case '[':
		var codes []string
		if err := json.Unmarshal(trimmed, &codes); err != nil {
			return fmt.Errorf("or-group members must be step codes: %w", err)
		}
		*d = AnyOf(codes...)
		return nil
	default:
		return fmt.Errorf("dependency must be a step code or a list of step codes")
	}
}

// MarshalJSON encodes d in the same shape UnmarshalJSON accepts.
func (d Dependency) MarshalJSON() ([]byte, error) {
	if d.IsGroup() {
		codes := d.Codes
		if codes == nil {
			codes = []string{}
		}
		return json.Marshal(codes)
	}
	if len(d.Codes) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(d.Codes[0])
}
