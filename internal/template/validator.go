package template

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pitabwire/closing/model"
)

// WeightTolerance is the allowed deviation of the milestone weight sum from 1.
const WeightTolerance = 1e-6

// Validation error codes.
const (
	CodeRequired          = "REQUIRED"
	CodeDuplicate         = "DUPLICATE"
	CodeRefNotFound       = "REF_NOT_FOUND"
	CodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	CodeCycleDetected     = "CYCLE_DETECTED"
	CodeForwardReference  = "FORWARD_REFERENCE"
	CodeWeightSum         = "WEIGHT_SUM"
	CodeRange             = "RANGE"
	CodeInvalidExpression = "INVALID_EXPRESSION"
	CodeSchema            = "SCHEMA"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationError aggregates every problem found in one template.
type ValidationError struct {
	Source string
	Errors []VError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Source != "" {
		fmt.Fprintf(&b, "template %s: ", e.Source)
	}
	fmt.Fprintf(&b, "%d validation error(s)", len(e.Errors))
	for _, ve := range e.Errors {
		fmt.Fprintf(&b, "; [%s] %s", ve.Code, ve.Error())
	}
	return b.String()
}

// HasCode reports whether any aggregated error carries the given code.
func (e *ValidationError) HasCode(code string) bool {
	for _, ve := range e.Errors {
		if ve.Code == code {
			return true
		}
	}
	return false
}

// Compile validates a definition and builds an immutable Template. On failure
// it returns a *ValidationError listing every problem found.
func Compile(def model.TemplateDefinition) (*Template, error) {
	c := &compiler{def: def}
	c.validate()
	if len(c.errs) > 0 {
		return nil, &ValidationError{Source: def.SourceFile, Errors: c.errs}
	}
	return c.build(), nil
}

type compiler struct {
	def  model.TemplateDefinition
	errs []VError

	segmentOrder map[string]int
	segmentDecl  map[string]int
	stepDecl     map[string]int
	predicates   map[string]*vm.Program
	order        []int
}

func (c *compiler) add(path, code, format string, args ...any) {
	c.errs = append(c.errs, VError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) validate() {
	if c.def.Version == "" {
		c.add("version", CodeRequired, "version is required")
	}
	c.validateSegments()
	c.validateSteps()
	c.validateMilestones()
	c.validatePredicates()
	c.validateGraph()
}

func (c *compiler) validateSegments() {
	c.segmentOrder = make(map[string]int, len(c.def.Segments))
	c.segmentDecl = make(map[string]int, len(c.def.Segments))

	if len(c.def.Segments) == 0 {
		c.add("segments", CodeRequired, "at least one segment is required")
	}
	for i, s := range c.def.Segments {
		if s.ID == "" {
			c.add(fmt.Sprintf("segments[%d].id", i), CodeRequired, "segment id is required")
			continue
		}
		if _, dup := c.segmentOrder[s.ID]; dup {
			c.add(fmt.Sprintf("segments[%s]", s.ID), CodeDuplicate, "segment %q is declared more than once", s.ID)
			continue
		}
		c.segmentOrder[s.ID] = s.Order
		c.segmentDecl[s.ID] = i
	}
}

func (c *compiler) validateSteps() {
	c.stepDecl = make(map[string]int, len(c.def.Steps))

	if len(c.def.Steps) == 0 {
		c.add("steps", CodeRequired, "at least one step is required")
	}
	for i, s := range c.def.Steps {
		if s.Code == "" {
			c.add(fmt.Sprintf("steps[%d].code", i), CodeRequired, "step code is required")
			continue
		}
		if _, dup := c.stepDecl[s.Code]; dup {
			c.add(fmt.Sprintf("steps[%s]", s.Code), CodeDuplicate, "step %q is declared more than once", s.Code)
			continue
		}
		c.stepDecl[s.Code] = i
	}

	for i, s := range c.def.Steps {
		if !c.declared(i) {
			continue
		}
		prefix := fmt.Sprintf("steps[%s]", s.Code)

		if s.Title == "" {
			c.add(prefix+".title", CodeRequired, "step %q has no title", s.Code)
		}

		ownOrder, segmentKnown := c.segmentOrder[s.Segment]
		switch {
		case s.Segment == "":
			c.add(prefix+".segment", CodeRequired, "step %q has no segment", s.Code)
		case !segmentKnown:
			c.add(prefix+".segment", CodeRefNotFound, "segment %q not found", s.Segment)
		}

		for _, dep := range s.DependsOn {
			if dep.IsGroup() && len(dep.Codes) == 0 {
				c.add(prefix+".depends_on", CodeRequired, "step %q has an empty or-group", s.Code)
				continue
			}
			for _, code := range dep.Codes {
				c.validateDependency(prefix, s.Code, code, ownOrder, segmentKnown)
			}
		}
	}
}

func (c *compiler) validateDependency(prefix, stepCode, depCode string, ownOrder int, segmentKnown bool) {
	path := prefix + ".depends_on"
	if depCode == "" {
		c.add(path, CodeRequired, "step %q has an empty dependency code", stepCode)
		return
	}
	if depCode == stepCode {
		c.add(path, CodeCycleDetected, "step %q depends on itself", stepCode)
		return
	}
	depIndex, ok := c.stepDecl[depCode]
	if !ok {
		c.add(path, CodeUnknownDependency, "step %q depends on unknown step %q", stepCode, depCode)
		return
	}
	if !segmentKnown {
		return
	}
	depSegment := c.def.Steps[depIndex].Segment
	depOrder, ok := c.segmentOrder[depSegment]
	if ok && depOrder > ownOrder {
		c.add(path, CodeForwardReference,
			"step %q depends on %q in later segment %q", stepCode, depCode, depSegment)
	}
}

func (c *compiler) validateMilestones() {
	if len(c.def.Milestones) == 0 {
		c.add("milestones", CodeRequired, "at least one milestone is required")
		return
	}

	seen := make(map[string]bool, len(c.def.Milestones))
	sum := 0.0
	weightsValid := true
	for i, m := range c.def.Milestones {
		prefix := fmt.Sprintf("milestones[%s]", m.Type)
		if m.Type == "" {
			prefix = fmt.Sprintf("milestones[%d]", i)
			c.add(prefix+".type", CodeRequired, "milestone type is required")
		} else if seen[m.Type] {
			c.add(prefix, CodeDuplicate, "milestone %q is declared more than once", m.Type)
		}
		seen[m.Type] = true

		if math.IsNaN(m.Weight) || math.IsInf(m.Weight, 0) || m.Weight < 0 {
			c.add(prefix+".weight", CodeRange, "weight %v must be a finite non-negative number", m.Weight)
			weightsValid = false
		} else {
			sum += m.Weight
		}

		if len(m.Steps) == 0 {
			c.add(prefix+".steps", CodeRequired, "milestone %q maps to no steps", m.Type)
		}
		for _, code := range m.Steps {
			if _, ok := c.stepDecl[code]; !ok {
				c.add(prefix+".steps", CodeRefNotFound, "milestone %q references unknown step %q", m.Type, code)
			}
		}
	}

	if weightsValid && math.Abs(sum-1) > WeightTolerance {
		c.add("milestones", CodeWeightSum, "milestone weights sum to %v, want 1.0", sum)
	}
}

func (c *compiler) validatePredicates() {
	c.predicates = make(map[string]*vm.Program, len(c.def.Predicates))

	names := make([]string, 0, len(c.def.Predicates))
	for name := range c.def.Predicates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := c.def.Predicates[name]
		path := fmt.Sprintf("predicates[%s]", name)
		if name == "" {
			c.add("predicates", CodeRequired, "predicate name is required")
			continue
		}
		if strings.TrimSpace(src) == "" {
			c.add(path, CodeRequired, "predicate %q has no expression", name)
			continue
		}
		prg, err := expr.Compile(src,
			expr.Env(predicateEnv(nil)),
			expr.AsBool(),
		)
		if err != nil {
			c.add(path, CodeInvalidExpression, "predicate %q: %v", name, err)
			continue
		}
		c.predicates[name] = prg
	}
}

// validateGraph computes the evaluation order and reports dependency cycles.
// Unknown and self references are skipped here; they are reported by
// validateSteps.
func (c *compiler) validateGraph() {
	steps := c.def.Steps
	n := len(steps)
	if n == 0 {
		return
	}

	// deps[i] holds the distinct known dependency indices of step i;
	// dependents is the reverse adjacency.
	deps := make([][]int, n)
	dependents := make([][]int, n)
	for i := range steps {
		if !c.declared(i) {
			continue
		}
		seen := make(map[int]bool)
		for _, dep := range steps[i].DependsOn {
			for _, code := range dep.Codes {
				j, ok := c.stepDecl[code]
				if !ok || j == i || seen[j] {
					continue
				}
				seen[j] = true
				deps[i] = append(deps[i], j)
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	// Kahn's algorithm; among ready steps the one with the lowest
	// (segment order, segment declaration, step declaration) goes first.
	inDegree := make([]int, n)
	var ready []int
	for i := range steps {
		if !c.declared(i) {
			continue
		}
		inDegree[i] = len(deps[i])
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	processed := make([]bool, n)
	for len(ready) > 0 {
		best := 0
		for k := 1; k < len(ready); k++ {
			if c.evalLess(ready[k], ready[best]) {
				best = k
			}
		}
		node := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		processed[node] = true
		c.order = append(c.order, node)

		for _, d := range dependents[node] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(c.order) == len(c.stepDecl) {
		return
	}

	// Every unprocessed step has an unprocessed dependency, so following
	// those edges from any of them must close a loop.
	reported := make(map[string]bool)
	for i := range steps {
		if processed[i] || !c.declared(i) {
			continue
		}
		cycle := findCycle(i, deps, processed)
		if len(cycle) == 0 {
			continue
		}
		key := cycleKey(cycle, steps)
		if reported[key] {
			continue
		}
		reported[key] = true

		codes := make([]string, 0, len(cycle)+1)
		for _, idx := range cycle {
			codes = append(codes, steps[idx].Code)
		}
		codes = append(codes, steps[cycle[0]].Code)
		c.add(fmt.Sprintf("steps[%s].depends_on", steps[cycle[0]].Code), CodeCycleDetected,
			"dependency cycle: %s", strings.Join(codes, " -> "))
	}
}

// declared reports whether step i is the first declaration of a non-empty code.
func (c *compiler) declared(i int) bool {
	idx, ok := c.stepDecl[c.def.Steps[i].Code]
	return ok && idx == i
}

func findCycle(start int, deps [][]int, processed []bool) []int {
	pos := make(map[int]int)
	var path []int
	node := start
	for {
		if p, seen := pos[node]; seen {
			return path[p:]
		}
		pos[node] = len(path)
		path = append(path, node)

		next := -1
		for _, d := range deps[node] {
			if !processed[d] {
				next = d
				break
			}
		}
		if next < 0 {
			return nil
		}
		node = next
	}
}

func cycleKey(cycle []int, steps []model.StepDefinition) string {
	codes := make([]string, len(cycle))
	for i, idx := range cycle {
		codes[i] = steps[idx].Code
	}
	sort.Strings(codes)
	return strings.Join(codes, ",")
}

func (c *compiler) evalLess(a, b int) bool {
	sa, sb := c.def.Steps[a].Segment, c.def.Steps[b].Segment
	if oa, ob := c.segmentOrder[sa], c.segmentOrder[sb]; oa != ob {
		return oa < ob
	}
	if da, db := c.segmentDecl[sa], c.segmentDecl[sb]; da != db {
		return da < db
	}
	return a < b
}

func (c *compiler) build() *Template {
	def := c.def
	t := &Template{
		version:      def.Version,
		name:         def.Name,
		checksum:     def.Checksum,
		source:       def.SourceFile,
		segmentIndex: make(map[string]int, len(def.Segments)),
		stepIndex:    make(map[string]int, len(def.Steps)),
		order:        c.order,
		bySegment:    make(map[string][]int, len(def.Segments)),
		deps:         make(map[string][]string, len(def.Steps)),
		predicates:   c.predicates,
		def:          def,
	}

	for _, s := range def.Segments {
		t.segments = append(t.segments, Segment{ID: s.ID, Label: s.Label, Order: s.Order})
	}
	sort.SliceStable(t.segments, func(i, j int) bool {
		return t.segments[i].Order < t.segments[j].Order
	})
	for i, s := range t.segments {
		t.segmentIndex[s.ID] = i
	}

	for i, s := range def.Steps {
		deps := make([]model.Dependency, len(s.DependsOn))
		for k, d := range s.DependsOn {
			deps[k] = model.Dependency{Kind: d.Kind, Codes: append([]string(nil), d.Codes...)}
		}
		t.steps = append(t.steps, Step{
			Code:          s.Code,
			Title:         s.Title,
			Role:          s.Role,
			Segment:       s.Segment,
			DependsOn:     deps,
			ConditionalOn: s.ConditionalOn,
		})
		t.stepIndex[s.Code] = i
		t.bySegment[s.Segment] = append(t.bySegment[s.Segment], i)

		seen := make(map[string]bool)
		for _, d := range s.DependsOn {
			for _, code := range d.Codes {
				if !seen[code] {
					seen[code] = true
					t.deps[s.Code] = append(t.deps[s.Code], code)
				}
			}
		}
	}

	for _, m := range def.Milestones {
		t.milestones = append(t.milestones, Milestone{
			Type:   m.Type,
			Label:  m.Label,
			Order:  m.Order,
			Weight: m.Weight,
			Steps:  append([]string(nil), m.Steps...),
		})
	}
	sort.SliceStable(t.milestones, func(i, j int) bool {
		return t.milestones[i].Order < t.milestones[j].Order
	})

	return t
}
