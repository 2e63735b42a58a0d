package engine

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/model"
	"github.com/pitabwire/closing/templates"
)

// abcTemplate has A, B depending on A, and C depending on A and conditional
// on the financingRequired flag.
func abcTemplate(t *testing.T) *template.Template {
	t.Helper()
	tpl, err := template.Compile(model.TemplateDefinition{
		Version:  "abc",
		Segments: []model.SegmentDefinition{{ID: "main", Label: "Main", Order: 1}},
		Steps: []model.StepDefinition{
			{Code: "A", Title: "A", Role: model.RoleAgent, Segment: "main"},
			{Code: "B", Title: "B", Role: model.RoleBuyer, Segment: "main", DependsOn: []model.Dependency{model.Requires("A")}},
			{Code: "C", Title: "C", Role: model.RoleLender, Segment: "main", DependsOn: []model.Dependency{model.Requires("A")}, ConditionalOn: "financingRequired"},
		},
		Milestones: []model.MilestoneDefinition{
			{Type: "started", Order: 1, Weight: 0.5, Steps: []string{"A"}},
			{Type: "finished", Order: 2, Weight: 0.5, Steps: []string{"B", "C"}},
		},
	})
	require.NoError(t, err)
	return tpl
}

func builtinTemplate(t *testing.T) *template.Template {
	t.Helper()
	l, err := template.NewLoader()
	require.NoError(t, err)
	tpls, err := l.LoadFS(templates.FS)
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	return tpls[0]
}

func TestEvaluate_skipped_when_predicate_false(t *testing.T) {
	snap := Evaluate(abcTemplate(t), []string{"A"}, model.Flags{"financingRequired": false})

	assert.Equal(t, model.StepDone, snap.StepStatuses["A"])
	assert.Equal(t, model.StepOpen, snap.StepStatuses["B"])
	assert.Equal(t, model.StepSkipped, snap.StepStatuses["C"])
}

func TestEvaluate_blocked_until_dependencies_done(t *testing.T) {
	snap := Evaluate(abcTemplate(t), nil, model.Flags{"financingRequired": true})

	assert.Equal(t, model.StepOpen, snap.StepStatuses["A"])
	assert.Equal(t, model.StepBlocked, snap.StepStatuses["B"])
	assert.Equal(t, model.StepBlocked, snap.StepStatuses["C"])
	assert.Equal(t, []string{"A"}, snap.NextSteps)
}

func TestEvaluate_sibling_completion_does_not_affect_step(t *testing.T) {
	snap := Evaluate(abcTemplate(t), []string{"A", "C"}, model.Flags{"financingRequired": true})

	assert.Equal(t, model.StepOpen, snap.StepStatuses["B"])
	assert.Equal(t, model.StepDone, snap.StepStatuses["C"])
}

func TestEvaluate_weighted_progress(t *testing.T) {
	def := model.TemplateDefinition{
		Version:  "five",
		Segments: []model.SegmentDefinition{{ID: "s", Order: 1}},
	}
	for i, code := range []string{"M1", "M2", "M3", "M4", "M5"} {
		def.Steps = append(def.Steps, model.StepDefinition{Code: code, Title: code, Role: model.RoleAgent, Segment: "s"})
		def.Milestones = append(def.Milestones, model.MilestoneDefinition{
			Type: "m" + code, Order: i + 1, Weight: 0.2, Steps: []string{code},
		})
	}
	tpl, err := template.Compile(def)
	require.NoError(t, err)

	snap := Evaluate(tpl, []string{"M1", "M2"}, nil)
	assert.Equal(t, 40.0, snap.OverallProgressPercent)
	assert.True(t, snap.Milestones["mM1"].Reached)
	assert.False(t, snap.Milestones["mM3"].Reached)

	snap = Evaluate(tpl, []string{"M1", "M2", "M3", "M4", "M5"}, nil)
	assert.Equal(t, 100.0, snap.OverallProgressPercent)
}

func TestEvaluate_completion_wins_over_false_predicate(t *testing.T) {
	snap := Evaluate(abcTemplate(t), []string{"A", "C"}, model.Flags{"financingRequired": false})
	assert.Equal(t, model.StepDone, snap.StepStatuses["C"])
}

func TestEvaluate_completed_with_unmet_dependencies_is_done(t *testing.T) {
	snap := Evaluate(abcTemplate(t), []string{"B"}, nil)

	assert.Equal(t, model.StepOpen, snap.StepStatuses["A"])
	assert.Equal(t, model.StepDone, snap.StepStatuses["B"])
}

func TestEvaluate_missing_flag_is_false(t *testing.T) {
	snap := Evaluate(abcTemplate(t), []string{"A"}, nil)
	assert.Equal(t, model.StepSkipped, snap.StepStatuses["C"])
}

func TestEvaluate_segment_counts(t *testing.T) {
	snap := Evaluate(abcTemplate(t), []string{"A"}, nil)

	seg := snap.Segments["main"]
	assert.Equal(t, 3, seg.Total)
	assert.Equal(t, 1, seg.Done)
	assert.Equal(t, 1, seg.Skipped)
	assert.Equal(t, 1, seg.Open)
	assert.Equal(t, 0, seg.Blocked)
	assert.InDelta(t, 66.666667, seg.Percent, 1e-6)
}

func TestEvaluate_unknown_codes_are_reported(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	obs := &recordingObserver{}
	e := New(zap.New(core), obs)

	snap := e.Evaluate(abcTemplate(t), []string{"ZZZ", "A", "LEGACY", "ZZZ"}, nil)

	assert.Equal(t, []string{"LEGACY", "ZZZ"}, snap.UnknownStepCodes)
	assert.Equal(t, model.StepDone, snap.StepStatuses["A"])
	assert.NotContains(t, snap.StepStatuses, "ZZZ")
	assert.Equal(t, 2, obs.unknown)
	assert.Equal(t, 1, obs.evaluations)
	assert.Equal(t, 1, logs.FilterMessage("ignoring unknown completed step codes").Len())
}

func TestEvaluate_or_group(t *testing.T) {
	tpl := builtinTemplate(t)
	reviews := []string{
		"ONB_MANDATE", "ONB_BUYER_REGISTERED", "ONB_SELLER_DOCUMENTS", "ONB_RESERVATION",
		"PRE_DRAFT_REQUESTED", "PRE_DRAFT_RECEIVED", "PRE_DRAFT_REVIEWED_BUYER", "PRE_DRAFT_REVIEWED_SELLER",
	}
	financed := model.Flags{"financing_required": true}

	snap := Evaluate(tpl, reviews, financed)
	assert.Equal(t, model.StepBlocked, snap.StepStatuses["NOT_APPOINTMENT_SCHEDULED"])

	snap = Evaluate(tpl, append(reviews, "FIN_EQUITY_PROOF"), financed)
	assert.Equal(t, model.StepOpen, snap.StepStatuses["NOT_APPOINTMENT_SCHEDULED"],
		"equity proof alone satisfies the funding or-group")

	// Without financing the loan branch is skipped, which satisfies the group.
	snap = Evaluate(tpl, reviews, model.Flags{})
	assert.Equal(t, model.StepSkipped, snap.StepStatuses["FIN_OFFER_ACCEPTED"])
	assert.Equal(t, model.StepOpen, snap.StepStatuses["NOT_APPOINTMENT_SCHEDULED"])
}

func TestEvaluate_skip_transparency(t *testing.T) {
	tpl := builtinTemplate(t)
	completed := []string{
		"ONB_MANDATE", "ONB_BUYER_REGISTERED", "ONB_SELLER_DOCUMENTS", "ONB_RESERVATION",
		"FIN_EQUITY_PROOF", "PRE_DRAFT_REQUESTED", "PRE_DRAFT_RECEIVED",
		"PRE_DRAFT_REVIEWED_BUYER", "PRE_DRAFT_REVIEWED_SELLER",
		"NOT_APPOINTMENT_SCHEDULED", "NOT_CONTRACT_SIGNED", "SET_PRIORITY_NOTICE",
	}

	snap := Evaluate(tpl, completed, model.Flags{})
	assert.Equal(t, model.StepSkipped, snap.StepStatuses["SET_LIEN_RELEASE"])
	assert.Equal(t, model.StepSkipped, snap.StepStatuses["SET_LOAN_DISBURSED"])
	assert.Equal(t, model.StepOpen, snap.StepStatuses["SET_PURCHASE_PRICE_PAID"])

	snap = Evaluate(tpl, completed, model.Flags{"encumbrance_present": true})
	assert.Equal(t, model.StepOpen, snap.StepStatuses["SET_LIEN_RELEASE"])
	assert.Equal(t, model.StepBlocked, snap.StepStatuses["SET_PURCHASE_PRICE_PAID"])
}

func TestEvaluate_no_false_done(t *testing.T) {
	tpl := builtinTemplate(t)
	rng := rand.New(rand.NewSource(7))
	steps := tpl.Steps()

	for i := 0; i < 200; i++ {
		completed := randomSubset(rng, steps)
		flags := randomFlags(rng)
		snap := Evaluate(tpl, completed, flags)

		done := toSet(completed)
		for _, s := range steps {
			if snap.StepStatuses[s.Code] == model.StepDone {
				assert.True(t, done[s.Code], "step %s DONE without being completed", s.Code)
			}
		}
	}
}

func TestEvaluate_every_step_has_a_status(t *testing.T) {
	tpl := builtinTemplate(t)
	snap := Evaluate(tpl, nil, nil)

	assert.Len(t, snap.StepStatuses, len(tpl.Steps()))
	assert.Equal(t, []string{"ONB_MANDATE"}, snap.NextSteps)
	assert.Equal(t, 0.0, snap.OverallProgressPercent)
	assert.Len(t, snap.Segments, 5)
	assert.Len(t, snap.Milestones, 5)
}

func TestEvaluate_full_completion(t *testing.T) {
	tpl := builtinTemplate(t)
	var all []string
	for _, s := range tpl.Steps() {
		all = append(all, s.Code)
	}
	snap := Evaluate(tpl, all, model.Flags{"financing_required": true, "encumbrance_present": true})

	assert.Equal(t, 100.0, snap.OverallProgressPercent)
	assert.Empty(t, snap.NextSteps)
	for code, seg := range snap.Segments {
		assert.Equal(t, 100.0, seg.Percent, "segment %s", code)
	}
}

func TestEvaluate_monotonic_progress(t *testing.T) {
	tpl := builtinTemplate(t)
	rng := rand.New(rand.NewSource(42))
	steps := tpl.Steps()

	for i := 0; i < 300; i++ {
		flags := randomFlags(rng)
		smaller := randomSubset(rng, steps)
		larger := append(append([]string(nil), smaller...), randomSubset(rng, steps)...)

		a := Evaluate(tpl, smaller, flags)
		b := Evaluate(tpl, larger, flags)
		require.LessOrEqual(t, a.OverallProgressPercent, b.OverallProgressPercent,
			"progress dropped from %v to %v adding steps to %v", a.OverallProgressPercent, b.OverallProgressPercent, smaller)
	}
}

func TestEvaluate_idempotent(t *testing.T) {
	tpl := builtinTemplate(t)
	completed := []string{"ONB_MANDATE", "ONB_BUYER_REGISTERED", "UNKNOWN"}
	flags := model.Flags{"financing_required": true}

	first := Evaluate(tpl, completed, flags)
	second := Evaluate(tpl, completed, flags)
	assert.Equal(t, first, second)
}

func TestEvaluate_does_not_mutate_inputs(t *testing.T) {
	tpl := abcTemplate(t)
	completed := []string{"C", "A"}
	flags := model.Flags{"financingRequired": true}

	Evaluate(tpl, completed, flags)

	assert.Equal(t, []string{"C", "A"}, completed)
	assert.Equal(t, model.Flags{"financingRequired": true}, flags)
}

func TestEvaluate_concurrent(t *testing.T) {
	tpl := builtinTemplate(t)
	want := Evaluate(tpl, []string{"ONB_MANDATE"}, model.Flags{"financing_required": true})

	var wg sync.WaitGroup
	results := make([]model.Snapshot, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Evaluate(tpl, []string{"ONB_MANDATE"}, model.Flags{"financing_required": true})
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestEvaluate_declared_predicate_expression(t *testing.T) {
	tpl := builtinTemplate(t)
	completed := []string{
		"ONB_MANDATE", "ONB_BUYER_REGISTERED", "ONB_SELLER_DOCUMENTS", "ONB_RESERVATION",
		"FIN_EQUITY_PROOF", "PRE_DRAFT_REQUESTED", "PRE_DRAFT_RECEIVED",
		"PRE_DRAFT_REVIEWED_BUYER", "PRE_DRAFT_REVIEWED_SELLER",
		"NOT_APPOINTMENT_SCHEDULED", "NOT_CONTRACT_SIGNED",
	}
	snap := Evaluate(tpl, completed, model.Flags{
		"encumbrance_present":          true,
		"encumbrance_assumed_by_buyer": true,
	})
	assert.Equal(t, model.StepSkipped, snap.StepStatuses["SET_LIEN_RELEASE"])
}

type recordingObserver struct {
	mu          sync.Mutex
	evaluations int
	unknown     int
	failures    []string
}

func (r *recordingObserver) RecordEvaluation(string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations++
}

func (r *recordingObserver) RecordUnknownSteps(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknown += n
}

func (r *recordingObserver) RecordPredicateFailure(_ string, predicate string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, predicate)
}

func randomSubset(rng *rand.Rand, steps []template.Step) []string {
	var out []string
	for _, s := range steps {
		if rng.Intn(3) == 0 {
			out = append(out, s.Code)
		}
	}
	return out
}

func randomFlags(rng *rand.Rand) model.Flags {
	return model.Flags{
		"financing_required":           rng.Intn(2) == 0,
		"encumbrance_present":          rng.Intn(2) == 0,
		"encumbrance_assumed_by_buyer": rng.Intn(2) == 0,
	}
}

func toSet(codes []string) map[string]bool {
	out := make(map[string]bool, len(codes))
	for _, c := range codes {
		out[c] = true
	}
	return out
}

func TestEvaluate_predicate_failure_resolves_false(t *testing.T) {
	tpl, err := template.Compile(model.TemplateDefinition{
		Version:  "fragile",
		Segments: []model.SegmentDefinition{{ID: "main", Order: 1}},
		Steps: []model.StepDefinition{
			{Code: "A", Title: "A", Role: model.RoleAgent, Segment: "main"},
			{Code: "B", Title: "B", Role: model.RoleAgent, Segment: "main", DependsOn: []model.Dependency{model.Requires("A")}, ConditionalOn: "fragile"},
			{Code: "C", Title: "C", Role: model.RoleAgent, Segment: "main", DependsOn: []model.Dependency{model.Requires("B")}, ConditionalOn: "fragile"},
		},
		Milestones: []model.MilestoneDefinition{{Type: "all", Weight: 1, Steps: []string{"A", "B", "C"}}},
		Predicates: map[string]string{"fragile": "1 % len(flags) == 0"},
	})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	obs := &recordingObserver{}
	snap := New(zap.New(core), obs).Evaluate(tpl, []string{"A"}, model.Flags{})

	assert.Equal(t, model.StepSkipped, snap.StepStatuses["B"])
	assert.Equal(t, model.StepSkipped, snap.StepStatuses["C"])
	assert.Equal(t, []string{"fragile"}, obs.failures, "predicate evaluated once per call")
	assert.Equal(t, 1, logs.FilterMessage("predicate evaluation failed, treating as false").Len())
	assert.Equal(t, 100.0, snap.OverallProgressPercent)
}
