package template

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/pitabwire/closing/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDef() model.TemplateDefinition {
	return model.TemplateDefinition{
		Version: "test-v1",
		Name:    "Test",
		Segments: []model.SegmentDefinition{
			{ID: "first", Label: "First", Order: 1},
			{ID: "second", Label: "Second", Order: 2},
		},
		Steps: []model.StepDefinition{
			{Code: "A", Title: "A", Role: model.RoleAgent, Segment: "first"},
			{Code: "B", Title: "B", Role: model.RoleBuyer, Segment: "first", DependsOn: []model.Dependency{model.Requires("A")}},
			{Code: "C", Title: "C", Role: model.RoleLender, Segment: "second", DependsOn: []model.Dependency{model.Requires("B")}, ConditionalOn: "financed"},
			{Code: "D", Title: "D", Role: model.RoleNotary, Segment: "second", DependsOn: []model.Dependency{model.Requires("B"), model.AnyOf("C", "A")}},
		},
		Milestones: []model.MilestoneDefinition{
			{Type: "start", Label: "Start", Order: 1, Weight: 0.4, Steps: []string{"A"}},
			{Type: "end", Label: "End", Order: 2, Weight: 0.6, Steps: []string{"D"}},
		},
		Predicates: map[string]string{"financed": "flags.financing_required"},
	}
}

func compileErr(t *testing.T, def model.TemplateDefinition) *ValidationError {
	t.Helper()
	_, err := Compile(def)
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "error %T is not *ValidationError", err)
	return verr
}

func findVError(errs []VError, code string) (VError, bool) {
	for _, e := range errs {
		if e.Code == code {
			return e, true
		}
	}
	return VError{}, false
}

func TestCompile_valid(t *testing.T) {
	tpl, err := Compile(validDef())
	require.NoError(t, err)

	assert.Equal(t, "test-v1", tpl.Version())
	assert.Len(t, tpl.Steps(), 4)
	assert.True(t, tpl.HasStep("C"))
	assert.False(t, tpl.HasStep("Z"))

	step, ok := tpl.Step("C")
	require.True(t, ok)
	assert.True(t, step.Conditional())
	assert.Equal(t, "second", step.Segment)
}

func TestCompile_dependencies_of(t *testing.T) {
	def := validDef()
	def.Steps[3].DependsOn = []model.Dependency{
		model.Requires("B"),
		model.AnyOf("C", "A", "B"),
		model.Requires("A"),
	}
	tpl, err := Compile(def)
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C", "A"}, tpl.DependenciesOf("D"))
	assert.Empty(t, tpl.DependenciesOf("A"))
	assert.Empty(t, tpl.DependenciesOf("unknown"))
}

func TestCompile_steps_in_segment_declaration_order(t *testing.T) {
	def := validDef()
	// D declared before C within the second segment.
	def.Steps[2], def.Steps[3] = def.Steps[3], def.Steps[2]
	tpl, err := Compile(def)
	require.NoError(t, err)

	var codes []string
	for _, s := range tpl.StepsInSegment("second") {
		codes = append(codes, s.Code)
	}
	assert.Equal(t, []string{"D", "C"}, codes)
	assert.Empty(t, tpl.StepsInSegment("missing"))
}

func TestCompile_evaluation_order_puts_dependencies_first(t *testing.T) {
	def := validDef()
	def.Steps[2], def.Steps[3] = def.Steps[3], def.Steps[2]
	tpl, err := Compile(def)
	require.NoError(t, err)

	var codes []string
	for _, s := range tpl.Steps() {
		codes = append(codes, s.Code)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, codes)
}

func TestCompile_evaluation_order_follows_segment_order(t *testing.T) {
	def := validDef()
	// Declare the second segment's steps first; order still follows segments.
	def.Segments[0], def.Segments[1] = def.Segments[1], def.Segments[0]
	def.Steps = []model.StepDefinition{
		{Code: "X", Title: "X", Role: model.RoleAgent, Segment: "second"},
		{Code: "Y", Title: "Y", Role: model.RoleAgent, Segment: "first"},
	}
	def.Milestones = []model.MilestoneDefinition{{Type: "all", Weight: 1, Steps: []string{"X", "Y"}}}
	def.Predicates = nil

	tpl, err := Compile(def)
	require.NoError(t, err)

	steps := tpl.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "Y", steps[0].Code)
	assert.Equal(t, "X", steps[1].Code)

	segs := tpl.Segments()
	assert.Equal(t, "first", segs[0].ID)
}

func TestCompile_equal_segment_order_keeps_declaration(t *testing.T) {
	def := validDef()
	def.Segments[1].Order = 1
	tpl, err := Compile(def)
	require.NoError(t, err)

	segs := tpl.Segments()
	assert.Equal(t, "first", segs[0].ID)
	assert.Equal(t, "second", segs[1].ID)
}

func TestCompile_unknown_dependency(t *testing.T) {
	def := validDef()
	def.Steps[1].DependsOn = []model.Dependency{model.Requires("NOPE")}
	verr := compileErr(t, def)

	e, ok := findVError(verr.Errors, CodeUnknownDependency)
	require.True(t, ok, "errors: %v", verr.Errors)
	assert.Equal(t, "steps[B].depends_on", e.Path)
	assert.Contains(t, e.Message, "NOPE")
}

func TestCompile_unknown_dependency_in_or_group(t *testing.T) {
	def := validDef()
	def.Steps[3].DependsOn = []model.Dependency{model.AnyOf("C", "GHOST")}
	verr := compileErr(t, def)
	assert.True(t, verr.HasCode(CodeUnknownDependency))
}

func TestCompile_cycle_lists_steps(t *testing.T) {
	def := validDef()
	def.Steps[0].DependsOn = []model.Dependency{model.Requires("B")}
	verr := compileErr(t, def)

	var cycles []VError
	for _, e := range verr.Errors {
		if e.Code == CodeCycleDetected {
			cycles = append(cycles, e)
		}
	}
	require.Len(t, cycles, 1, "errors: %v", verr.Errors)
	assert.Equal(t, "steps[A].depends_on", cycles[0].Path)
	assert.Contains(t, cycles[0].Message, "A -> B -> A")
}

func TestCompile_cycle_through_or_group(t *testing.T) {
	def := validDef()
	def.Steps[1].DependsOn = []model.Dependency{model.AnyOf("A", "D")}
	verr := compileErr(t, def)
	assert.True(t, verr.HasCode(CodeCycleDetected))
}

func TestCompile_self_dependency(t *testing.T) {
	def := validDef()
	def.Steps[1].DependsOn = []model.Dependency{model.Requires("B")}
	verr := compileErr(t, def)

	e, ok := findVError(verr.Errors, CodeCycleDetected)
	require.True(t, ok)
	assert.Equal(t, "steps[B].depends_on", e.Path)
}

func TestCompile_forward_reference(t *testing.T) {
	def := validDef()
	def.Steps[1].DependsOn = []model.Dependency{model.Requires("C")}
	verr := compileErr(t, def)

	e, ok := findVError(verr.Errors, CodeForwardReference)
	require.True(t, ok, "errors: %v", verr.Errors)
	assert.Equal(t, "steps[B].depends_on", e.Path)
}

func TestCompile_same_segment_later_declaration_allowed(t *testing.T) {
	def := validDef()
	def.Steps[0].DependsOn = nil
	def.Steps = append([]model.StepDefinition{
		{Code: "PRE", Title: "Pre", Role: model.RoleAgent, Segment: "first", DependsOn: []model.Dependency{model.Requires("A")}},
	}, def.Steps...)
	_, err := Compile(def)
	require.NoError(t, err)
}

func TestCompile_weights(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
		code    string
	}{
		{name: "sum below one", weights: []float64{0.4, 0.5}, code: CodeWeightSum},
		{name: "sum above one", weights: []float64{0.5, 0.6}, code: CodeWeightSum},
		{name: "negative", weights: []float64{-0.4, 1.4}, code: CodeRange},
		{name: "nan", weights: []float64{math.NaN(), 1}, code: CodeRange},
		{name: "inf", weights: []float64{math.Inf(1), 0}, code: CodeRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef()
			def.Milestones[0].Weight = tt.weights[0]
			def.Milestones[1].Weight = tt.weights[1]
			verr := compileErr(t, def)
			assert.True(t, verr.HasCode(tt.code), "errors: %v", verr.Errors)
		})
	}
}

func TestCompile_weights_within_tolerance(t *testing.T) {
	def := validDef()
	def.Milestones[0].Weight = 0.1
	def.Milestones[1].Weight = 0.9 + 5e-7
	_, err := Compile(def)
	require.NoError(t, err)
}

func TestCompile_milestone_references(t *testing.T) {
	def := validDef()
	def.Milestones[0].Steps = nil
	def.Milestones[1].Steps = []string{"D", "MISSING"}
	verr := compileErr(t, def)

	e, ok := findVError(verr.Errors, CodeRequired)
	require.True(t, ok)
	assert.Equal(t, "milestones[start].steps", e.Path)

	e, ok = findVError(verr.Errors, CodeRefNotFound)
	require.True(t, ok)
	assert.Equal(t, "milestones[end].steps", e.Path)
}

func TestCompile_roleIsInformational(t *testing.T) {
	def := validDef()
	def.Steps[0].Role = ""
	def.Steps[1].Role = "surveyor"

	tpl, err := Compile(def)
	require.NoError(t, err)

	a, _ := tpl.Step("A")
	assert.Empty(t, a.Role)
	b, _ := tpl.Step("B")
	assert.Equal(t, "surveyor", b.Role)
}

func TestCompile_identifiers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.TemplateDefinition)
		path   string
		code   string
	}{
		{"missing version", func(d *model.TemplateDefinition) { d.Version = "" }, "version", CodeRequired},
		{"duplicate step", func(d *model.TemplateDefinition) { d.Steps[1].Code = "A"; d.Steps[1].DependsOn = nil }, "steps[A]", CodeDuplicate},
		{"missing step code", func(d *model.TemplateDefinition) { d.Steps = append(d.Steps, model.StepDefinition{Title: "x"}) }, "steps[4].code", CodeRequired},
		{"duplicate segment", func(d *model.TemplateDefinition) { d.Segments = append(d.Segments, d.Segments[0]) }, "segments[first]", CodeDuplicate},
		{"duplicate milestone", func(d *model.TemplateDefinition) {
			d.Milestones = append(d.Milestones, model.MilestoneDefinition{Type: "end", Weight: 0, Steps: []string{"A"}})
		}, "milestones[end]", CodeDuplicate},
		{"unknown segment", func(d *model.TemplateDefinition) { d.Steps[0].Segment = "ghost" }, "steps[A].segment", CodeRefNotFound},
		{"missing title", func(d *model.TemplateDefinition) { d.Steps[0].Title = "" }, "steps[A].title", CodeRequired},
		{"empty or-group", func(d *model.TemplateDefinition) { d.Steps[3].DependsOn = []model.Dependency{model.AnyOf()} }, "steps[D].depends_on", CodeRequired},
		{"no milestones", func(d *model.TemplateDefinition) { d.Milestones = nil }, "milestones", CodeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef()
			tt.mutate(&def)
			verr := compileErr(t, def)

			found := false
			for _, e := range verr.Errors {
				if e.Code == tt.code && e.Path == tt.path {
					found = true
				}
			}
			assert.True(t, found, "want %s at %s, got %v", tt.code, tt.path, verr.Errors)
		})
	}
}

func TestCompile_invalid_predicate_expression(t *testing.T) {
	tests := map[string]string{
		"syntax":   "flags.financing_required &&",
		"not bool": "42",
		"unknown":  "flag.financing_required",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			def := validDef()
			def.Predicates = map[string]string{"financed": src}
			verr := compileErr(t, def)

			e, ok := findVError(verr.Errors, CodeInvalidExpression)
			require.True(t, ok, "errors: %v", verr.Errors)
			assert.Equal(t, "predicates[financed]", e.Path)
		})
	}
}

func TestCompile_reports_all_errors(t *testing.T) {
	def := validDef()
	def.Version = ""
	def.Steps[1].DependsOn = []model.Dependency{model.Requires("NOPE")}
	def.Milestones[0].Weight = 0.1
	verr := compileErr(t, def)

	assert.True(t, verr.HasCode(CodeRequired))
	assert.True(t, verr.HasCode(CodeUnknownDependency))
	assert.True(t, verr.HasCode(CodeWeightSum))
	assert.GreaterOrEqual(t, len(verr.Errors), 3)
	assert.True(t, strings.Contains(verr.Error(), "UNKNOWN_DEPENDENCY"))
}

func TestEvalPredicate(t *testing.T) {
	tpl, err := Compile(validDef())
	require.NoError(t, err)

	got, err := tpl.EvalPredicate("financed", model.Flags{"financing_required": true})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = tpl.EvalPredicate("financed", nil)
	require.NoError(t, err)
	assert.False(t, got, "missing flag must read false")

	got, err = tpl.EvalPredicate("plain_flag", model.Flags{"plain_flag": true})
	require.NoError(t, err)
	assert.True(t, got, "undeclared predicate falls back to the flag")

	got, err = tpl.EvalPredicate("absent", model.Flags{})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestTemplate_accessors_return_copies(t *testing.T) {
	tpl, err := Compile(validDef())
	require.NoError(t, err)

	ms := tpl.Milestones()
	ms[0].Steps[0] = "MUTATED"
	assert.Equal(t, "A", tpl.Milestones()[0].Steps[0])

	deps := tpl.DependenciesOf("B")
	deps[0] = "MUTATED"
	assert.Equal(t, []string{"A"}, tpl.DependenciesOf("B"))
}
