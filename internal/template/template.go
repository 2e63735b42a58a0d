package template

import (
	"fmt"

	"github.com/expr-lang/expr/vm"
	"github.com/pitabwire/closing/model"
)

// Segment is an ordered phase of a compiled template.
type Segment struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Order int    `json:"order"`
}

// Milestone is a weighted checkpoint of a compiled template.
type Milestone struct {
	Type   string   `json:"type"`
	Label  string   `json:"label"`
	Order  int      `json:"order"`
	Weight float64  `json:"weight"`
	Steps  []string `json:"steps"`
}

// Step is one unit of work of a compiled template.
type Step struct {
	Code          string             `json:"code"`
	Title         string             `json:"title"`
	Role          string             `json:"role"`
	Segment       string             `json:"segment"`
	DependsOn     []model.Dependency `json:"depends_on,omitempty"`
	ConditionalOn string             `json:"conditional_on,omitempty"`
}

// Conditional reports whether the step only applies when its predicate holds.
func (s Step) Conditional() bool {
	return s.ConditionalOn != ""
}

// Template is an immutable, validated process template. All accessors return
// copies so callers cannot mutate shared state, which makes a Template safe
// for concurrent use.
type Template struct {
	version  string
	name     string
	checksum string
	source   string

	segments     []Segment
	segmentIndex map[string]int

	// steps is in declaration order; order holds indices into steps in
	// evaluation order (dependencies before dependents).
	steps     []Step
	stepIndex map[string]int
	order     []int
	bySegment map[string][]int
	deps      map[string][]string

	milestones []Milestone
	predicates map[string]*vm.Program

	def model.TemplateDefinition
}

// Version returns the template version.
func (t *Template) Version() string { return t.version }

// Name returns the human-readable template name.
func (t *Template) Name() string { return t.name }

// Checksum returns the SHA-256 of the template source, or an empty string for
// templates compiled from an in-memory definition.
func (t *Template) Checksum() string { return t.checksum }

// Source returns the file the template was loaded from.
func (t *Template) Source() string { return t.source }

// Definition returns the definition the template was compiled from.
func (t *Template) Definition() model.TemplateDefinition { return t.def }

// Segments returns the segments sorted by order. Segments with equal order
// keep declaration order.
func (t *Template) Segments() []Segment {
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Segment returns the segment with the given ID.
func (t *Template) Segment(id string) (Segment, bool) {
	i, ok := t.segmentIndex[id]
	if !ok {
		return Segment{}, false
	}
	return t.segments[i], true
}

// Milestones returns the milestones sorted by order.
func (t *Template) Milestones() []Milestone {
	out := make([]Milestone, len(t.milestones))
	for i, m := range t.milestones {
		m.Steps = append([]string(nil), m.Steps...)
		out[i] = m
	}
	return out
}

// Steps returns every step in evaluation order.
func (t *Template) Steps() []Step {
	out := make([]Step, 0, len(t.order))
	for _, i := range t.order {
		out = append(out, t.steps[i])
	}
	return out
}

// Step returns the step with the given code.
func (t *Template) Step(code string) (Step, bool) {
	i, ok := t.stepIndex[code]
	if !ok {
		return Step{}, false
	}
	return t.steps[i], true
}

// HasStep reports whether code names a step of this template.
func (t *Template) HasStep(code string) bool {
	_, ok := t.stepIndex[code]
	return ok
}

// StepsInSegment returns the steps of a segment in declaration order. An
// unknown segment yields an empty slice.
func (t *Template) StepsInSegment(segmentID string) []Step {
	idx := t.bySegment[segmentID]
	out := make([]Step, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.steps[i])
	}
	return out
}

// DependenciesOf returns the direct dependency codes of a step, covering both
// required steps and or-group members, deduplicated in declaration order.
func (t *Template) DependenciesOf(code string) []string {
	return append([]string(nil), t.deps[code]...)
}

// EvalPredicate resolves a named predicate against case flags. A predicate
// declared with an expression runs that expression; any other name reads the
// flag of the same name. Missing flags are false.
func (t *Template) EvalPredicate(name string, flags model.Flags) (bool, error) {
	prg, ok := t.predicates[name]
	if !ok {
		return flags.Get(name), nil
	}

	env := predicateEnv(flags)
	out, err := vm.Run(prg, env)
	if err != nil {
		return false, fmt.Errorf("predicate %q: %w", name, err)
	}
	if out == nil {
		return false, nil
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", name, out)
	}
	return b, nil
}

// Predicates returns the declared predicate expressions keyed by name.
func (t *Template) Predicates() map[string]string {
	out := make(map[string]string, len(t.def.Predicates))
	for k, v := range t.def.Predicates {
		out[k] = v
	}
	return out
}

func predicateEnv(flags model.Flags) map[string]any {
	m := make(map[string]bool, len(flags))
	for k, v := range flags {
		m[k] = v
	}
	return map[string]any{"flags": m}
}
