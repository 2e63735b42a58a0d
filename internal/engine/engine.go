// Package engine derives step statuses and progress from a compiled template,
// the set of steps a case has completed, and the case flags. Evaluation is a
// pure function: it never persists anything and never fails for a compiled
// template.
package engine

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/model"
)

// Observer receives evaluation telemetry.
type Observer interface {
	RecordEvaluation(templateVersion string, duration time.Duration)
	RecordUnknownSteps(templateVersion string, count int)
	RecordPredicateFailure(templateVersion, predicate string)
}

type nopObserver struct{}

func (nopObserver) RecordEvaluation(string, time.Duration) {}
func (nopObserver) RecordUnknownSteps(string, int)         {}
func (nopObserver) RecordPredicateFailure(string, string)  {}

// Engine evaluates templates. It holds no per-case state and is safe for
// concurrent use.
type Engine struct {
	logger   *zap.Logger
	observer Observer
}

// New creates an Engine. A nil logger or observer disables that output.
func New(logger *zap.Logger, observer Observer) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Engine{logger: logger, observer: observer}
}

var defaultEngine = New(nil, nil)

// Evaluate runs a silent Engine. See Engine.Evaluate.
func Evaluate(tpl *template.Template, completed []string, flags model.Flags) model.Snapshot {
	return defaultEngine.Evaluate(tpl, completed, flags)
}

// Evaluate computes the status of every step, the per-segment counts, the
// reached milestones and the overall progress.
//
// Per step, in evaluation order: a completed step is DONE even when it is
// conditional; a conditional step whose predicate is false is SKIPPED; a step
// whose dependencies are all DONE or SKIPPED (for an or-group, any member) is
// OPEN; anything else is BLOCKED. Completed codes the template does not know
// are ignored and listed in UnknownStepCodes.
func (e *Engine) Evaluate(tpl *template.Template, completed []string, flags model.Flags) model.Snapshot {
	start := time.Now()
	version := tpl.Version()

	done := make(map[string]bool, len(completed))
	var unknown []string
	seenUnknown := make(map[string]bool)
	for _, code := range completed {
		if tpl.HasStep(code) {
			done[code] = true
			continue
		}
		if !seenUnknown[code] {
			seenUnknown[code] = true
			unknown = append(unknown, code)
		}
	}
	sort.Strings(unknown)

	if len(unknown) > 0 {
		e.logger.Warn("ignoring unknown completed step codes",
			zap.String("template_version", version),
			zap.Strings("step_codes", unknown),
		)
		e.observer.RecordUnknownSteps(version, len(unknown))
	}

	steps := tpl.Steps()
	statuses := make(map[string]model.StepStatus, len(steps))
	predicates := make(map[string]bool)
	nextSteps := make([]string, 0)

	for _, step := range steps {
		var status model.StepStatus
		switch {
		case done[step.Code]:
			status = model.StepDone
		case step.Conditional() && !e.predicate(tpl, step.ConditionalOn, flags, predicates):
			status = model.StepSkipped
		case dependenciesSatisfied(step.DependsOn, statuses):
			status = model.StepOpen
			nextSteps = append(nextSteps, step.Code)
		default:
			status = model.StepBlocked
		}
		statuses[step.Code] = status
	}

	snap := model.Snapshot{
		TemplateVersion:  version,
		StepStatuses:     statuses,
		Segments:         segmentProgress(tpl, statuses),
		Milestones:       make(map[string]model.MilestoneProgress),
		NextSteps:        nextSteps,
		UnknownStepCodes: unknown,
	}

	total := 0.0
	for _, m := range tpl.Milestones() {
		reached := true
		for _, code := range m.Steps {
			if !statuses[code].Satisfied() {
				reached = false
				break
			}
		}
		if reached {
			total += m.Weight
		}
		snap.Milestones[m.Type] = model.MilestoneProgress{
			Label:   m.Label,
			Order:   m.Order,
			Weight:  m.Weight,
			Reached: reached,
		}
	}
	snap.OverallProgressPercent = roundPercent(total * 100)

	elapsed := time.Since(start)
	e.observer.RecordEvaluation(version, elapsed)
	e.logger.Debug("evaluated case progress",
		zap.String("template_version", version),
		zap.Int("completed", len(done)),
		zap.Float64("overall_progress_percent", snap.OverallProgressPercent),
		zap.Duration("duration", elapsed),
	)

	return snap
}

// predicate resolves a predicate once per evaluation. Failures resolve to
// false.
func (e *Engine) predicate(tpl *template.Template, name string, flags model.Flags, cache map[string]bool) bool {
	if v, ok := cache[name]; ok {
		return v
	}
	v, err := tpl.EvalPredicate(name, flags)
	if err != nil {
		e.logger.Warn("predicate evaluation failed, treating as false",
			zap.String("template_version", tpl.Version()),
			zap.String("predicate", name),
			zap.Error(err),
		)
		e.observer.RecordPredicateFailure(tpl.Version(), name)
		v = false
	}
	cache[name] = v
	return v
}

func dependenciesSatisfied(deps []model.Dependency, statuses map[string]model.StepStatus) bool {
	for _, dep := range deps {
		if dep.IsGroup() {
			met := false
			for _, code := range dep.Codes {
				if statuses[code].Satisfied() {
					met = true
					break
				}
			}
			if !met {
				return false
			}
			continue
		}
		for _, code := range dep.Codes {
			if !statuses[code].Satisfied() {
				return false
			}
		}
	}
	return true
}

func segmentProgress(tpl *template.Template, statuses map[string]model.StepStatus) map[string]model.SegmentProgress {
	out := make(map[string]model.SegmentProgress)
	for _, seg := range tpl.Segments() {
		p := model.SegmentProgress{Label: seg.Label, Order: seg.Order}
		for _, step := range tpl.StepsInSegment(seg.ID) {
			p.Total++
			switch statuses[step.Code] {
			case model.StepDone:
				p.Done++
			case model.StepSkipped:
				p.Skipped++
			case model.StepOpen:
				p.Open++
			case model.StepBlocked:
				p.Blocked++
			}
		}
		if p.Total > 0 {
			p.Percent = roundPercent(float64(p.Done+p.Skipped) / float64(p.Total) * 100)
		}
		out[seg.ID] = p
	}
	return out
}

// roundPercent rounds to six decimals to drop float summation noise.
func roundPercent(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
