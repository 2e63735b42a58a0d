// Package cases owns purchase cases: the completed-step set and the flags of
// each transaction, their persistence, the audit trail and idempotent
// mutation. Step statuses are never stored; every read evaluates the case
// against its pinned template.
package cases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/engine"
	"github.com/pitabwire/closing/internal/observability"
	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/model"
)

// Mutation actions, used for metrics, spans and idempotency hashing.
const (
	ActionCreate       = "create"
	ActionCompleteStep = "complete_step"
	ActionReopenStep   = "reopen_step"
	ActionSetFlags     = "set_flags"
	ActionCancel       = "cancel"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Recorder receives case telemetry. *observability.Metrics implements it.
type Recorder interface {
	RecordCaseMutation(action, result string, duration time.Duration)
	RecordCaseCreated(templateVersion string)
	RecordCaseCompleted(templateVersion string)
	RecordIdempotencyReplay()
	RecordIdempotencyConflict()
}

type nopRecorder struct{}

func (nopRecorder) RecordCaseMutation(string, string, time.Duration) {}
func (nopRecorder) RecordCaseCreated(string)                         {}
func (nopRecorder) RecordCaseCompleted(string)                       {}
func (nopRecorder) RecordIdempotencyReplay()                         {}
func (nopRecorder) RecordIdempotencyConflict()                       {}

// CreateInput describes a new case.
type CreateInput struct {
	Reference       string      `json:"reference"`
	TemplateVersion string      `json:"template_version,omitempty"`
	Flags           model.Flags `json:"flags,omitempty"`
	IdempotencyKey  string      `json:"-"`
}

// StepInput accompanies completing or reopening a step.
type StepInput struct {
	Comment        string `json:"comment,omitempty"`
	Force          bool   `json:"force,omitempty"`
	IdempotencyKey string `json:"-"`
}

// FlagsInput carries flags to merge into a case.
type FlagsInput struct {
	Flags          model.Flags `json:"flags"`
	IdempotencyKey string      `json:"-"`
}

// CancelInput carries the reason a case is cancelled.
type CancelInput struct {
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"-"`
}

// Service manages the case lifecycle.
type Service struct {
	registry       *template.Registry
	store          Store
	engine         *engine.Engine
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	enforceOrder   bool
	logger         *zap.Logger
	recorder       Recorder
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEngine sets the evaluation engine.
func WithEngine(e *engine.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithIdempotencyStore enables idempotent mutations.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.idempotency = store
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithEnforceOrder controls whether only OPEN steps may be completed without
// force. It is on by default.
func WithEnforceOrder(enforce bool) Option {
	return func(s *Service) { s.enforceOrder = enforce }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the time source. For testing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a case service.
func NewService(registry *template.Registry, store Store, opts ...Option) *Service {
	s := &Service{
		registry:       registry,
		store:          store,
		idempotencyTTL: defaultIdempotencyTTL,
		enforceOrder:   true,
		logger:         zap.NewNop(),
		recorder:       nopRecorder{},
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = engine.New(s.logger, nil)
	}
	return s
}

// Evaluate runs the engine against a template version without touching any
// case. An empty version selects the active template.
func (s *Service) Evaluate(ctx context.Context, version string, completed []string, flags model.Flags) (snap model.Snapshot, err error) {
	_, span := observability.StartSpan(ctx, "engine.evaluate")
	defer func() { observability.EndSpan(span, err) }()

	tpl := s.registry.Active()
	if version != "" {
		var ok bool
		if tpl, ok = s.registry.Get(version); !ok {
			return model.Snapshot{}, model.NewTemplateNotFoundError(version)
		}
	}
	snap = s.engine.Evaluate(tpl, completed, flags)
	observability.SetSnapshot(span, snap)
	return snap, nil
}

// Create opens a new case pinned to the requested template version, or to
// the active one.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, in CreateInput) (view model.CaseView, err error) {
	start := time.Now()
	ctx, span := observability.StartCaseSpan(ctx, ActionCreate, "", "")
	defer func() {
		s.recordMutation(ActionCreate, err, start)
		observability.EndSpan(span, err)
	}()

	if err := requireTenant(rctx); err != nil {
		return model.CaseView{}, err
	}
	observability.SetCaller(span, rctx)
	if in.Reference == "" {
		return model.CaseView{}, model.NewValidationError([]model.FieldError{{
			Field:   "reference",
			Code:    "REQUIRED",
			Message: "reference is required",
		}})
	}

	tpl := s.registry.Active()
	if in.TemplateVersion != "" {
		var ok bool
		if tpl, ok = s.registry.Get(in.TemplateVersion); !ok {
			return model.CaseView{}, model.NewTemplateNotFoundError(in.TemplateVersion)
		}
	}

	scope := "create/" + rctx.TenantID
	if replay, ok, err := s.replay(ctx, scope, ActionCreate, "", in, in.IdempotencyKey); ok || err != nil {
		return replay, err
	}

	now := s.now()
	c := model.Case{
		ID:              uuid.New().String(),
		TenantID:        rctx.TenantID,
		Reference:       in.Reference,
		TemplateVersion: tpl.Version(),
		Completed:       []string{},
		Flags:           in.Flags.Clone(),
		Status:          model.CaseStatusActive,
		CreatedBy:       rctx.Actor(),
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	span.SetAttributes(
		observability.AttrCaseID.String(c.ID),
		observability.AttrTemplateVersion.String(c.TemplateVersion),
	)

	created := s.stampEvents(rctx, c.ID, []model.CaseEvent{{
		Event: model.EventCaseCreated,
		Data: map[string]any{
			"template_version": c.TemplateVersion,
			"flags":            c.Flags,
		},
	}})
	if err := s.store.Create(ctx, c, created); err != nil {
		return model.CaseView{}, err
	}

	view = model.CaseView{Case: c, Snapshot: s.engine.Evaluate(tpl, c.Completed, c.Flags)}
	s.remember(ctx, scope, ActionCreate, "", in, in.IdempotencyKey, view)
	s.recorder.RecordCaseCreated(c.TemplateVersion)
	observability.RequestLogger(ctx, s.logger).Info("case created", observability.CaseFields(&c)...)
	return view, nil
}

// Get returns a case with its evaluated snapshot.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, caseID string) (model.CaseView, error) {
	if err := requireTenant(rctx); err != nil {
		return model.CaseView{}, err
	}
	c, err := s.store.Get(ctx, rctx.TenantID, caseID)
	if err != nil {
		return model.CaseView{}, err
	}
	tpl := s.resolve(ctx, c)
	return model.CaseView{Case: c, Snapshot: s.engine.Evaluate(tpl, c.Completed, c.Flags)}, nil
}

// List returns case summaries with their overall progress.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, filters model.CaseFilters) ([]model.CaseSummary, error) {
	if err := requireTenant(rctx); err != nil {
		return nil, err
	}
	list, err := s.store.List(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.CaseSummary, 0, len(list))
	for _, c := range list {
		snap := s.engine.Evaluate(s.resolve(ctx, c), c.Completed, c.Flags)
		summaries = append(summaries, model.CaseSummary{
			ID:                     c.ID,
			Reference:              c.Reference,
			TemplateVersion:        c.TemplateVersion,
			Status:                 c.Status,
			OverallProgressPercent: snap.OverallProgressPercent,
			NextSteps:              snap.NextSteps,
			CreatedAt:              c.CreatedAt,
			UpdatedAt:              c.UpdatedAt,
		})
	}
	return summaries, nil
}

// Events returns the audit trail of a case.
func (s *Service) Events(ctx context.Context, rctx *model.RequestContext, caseID string) ([]model.CaseEvent, error) {
	if err := requireTenant(rctx); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, rctx.TenantID, caseID)
}

// WhatIf evaluates a case under hypothetical flags merged over its own. Nothing
// is persisted.
func (s *Service) WhatIf(ctx context.Context, rctx *model.RequestContext, caseID string, flags model.Flags) (model.Snapshot, error) {
	if err := requireTenant(rctx); err != nil {
		return model.Snapshot{}, err
	}
	c, err := s.store.Get(ctx, rctx.TenantID, caseID)
	if err != nil {
		return model.Snapshot{}, err
	}
	return s.engine.Evaluate(s.resolve(ctx, c), c.Completed, c.Flags.Merge(flags)), nil
}

// CompleteStep marks a step as done. Completing a step twice is a no-op. With
// order enforcement on, only OPEN steps may be completed unless in.Force is
// set.
func (s *Service) CompleteStep(ctx context.Context, rctx *model.RequestContext, caseID, stepCode string, in StepInput) (model.CaseView, error) {
	return s.mutate(ctx, rctx, mutation{
		action:   ActionCompleteStep,
		caseID:   caseID,
		stepCode: stepCode,
		payload:  in,
		idemKey:  in.IdempotencyKey,
		apply: func(c *model.Case, tpl *template.Template) ([]model.CaseEvent, error) {
			if c.Status != model.CaseStatusActive {
				return nil, model.NewCaseNotActiveError(c.Status)
			}
			if !tpl.HasStep(stepCode) {
				return nil, unknownStep(stepCode, tpl)
			}
			if c.HasCompleted(stepCode) {
				return nil, nil
			}

			status := s.engine.Evaluate(tpl, c.Completed, c.Flags).StepStatuses[stepCode]
			if s.enforceOrder && status != model.StepOpen && !in.Force {
				return nil, model.NewInvalidTransitionError(
					fmt.Sprintf("step %q is %s and cannot be completed", stepCode, status),
				)
			}

			c.Completed = append(c.Completed, stepCode)
			evt := model.CaseEvent{
				StepCode: stepCode,
				Event:    model.EventStepCompleted,
				Comment:  in.Comment,
			}
			if status != model.StepOpen {
				evt.Data = map[string]any{"forced": true, "previous_status": string(status)}
			}
			return []model.CaseEvent{evt}, nil
		},
	})
}

// ReopenStep removes a step from the completed set. Reopening a step that is
// not completed is a no-op. A completed case returns to active.
func (s *Service) ReopenStep(ctx context.Context, rctx *model.RequestContext, caseID, stepCode string, in StepInput) (model.CaseView, error) {
	return s.mutate(ctx, rctx, mutation{
		action:   ActionReopenStep,
		caseID:   caseID,
		stepCode: stepCode,
		payload:  in,
		idemKey:  in.IdempotencyKey,
		apply: func(c *model.Case, tpl *template.Template) ([]model.CaseEvent, error) {
			if c.Status == model.CaseStatusCancelled {
				return nil, model.NewCaseNotActiveError(c.Status)
			}
			if !c.HasCompleted(stepCode) {
				if !tpl.HasStep(stepCode) {
					return nil, unknownStep(stepCode, tpl)
				}
				return nil, nil
			}

			kept := make([]string, 0, len(c.Completed))
			for _, code := range c.Completed {
				if code != stepCode {
					kept = append(kept, code)
				}
			}
			c.Completed = kept
			return []model.CaseEvent{{
				StepCode: stepCode,
				Event:    model.EventStepReopened,
				Comment:  in.Comment,
			}}, nil
		},
	})
}

// SetFlags merges flags into a case. Flags that do not change anything are a
// no-op.
func (s *Service) SetFlags(ctx context.Context, rctx *model.RequestContext, caseID string, in FlagsInput) (model.CaseView, error) {
	return s.mutate(ctx, rctx, mutation{
		action:  ActionSetFlags,
		caseID:  caseID,
		payload: in,
		idemKey: in.IdempotencyKey,
		apply: func(c *model.Case, _ *template.Template) ([]model.CaseEvent, error) {
			if c.Status != model.CaseStatusActive {
				return nil, model.NewCaseNotActiveError(c.Status)
			}

			changed := make(map[string]any)
			for name, v := range in.Flags {
				if old, ok := c.Flags[name]; !ok || old != v {
					changed[name] = v
				}
			}
			if len(changed) == 0 {
				return nil, nil
			}

			c.Flags = c.Flags.Merge(in.Flags)
			return []model.CaseEvent{{
				Event: model.EventFlagsChanged,
				Data:  map[string]any{"flags": changed},
			}}, nil
		},
	})
}

// Cancel closes an active case for good.
func (s *Service) Cancel(ctx context.Context, rctx *model.RequestContext, caseID string, in CancelInput) (model.CaseView, error) {
	return s.mutate(ctx, rctx, mutation{
		action:  ActionCancel,
		caseID:  caseID,
		payload: in,
		idemKey: in.IdempotencyKey,
		apply: func(c *model.Case, _ *template.Template) ([]model.CaseEvent, error) {
			if c.Status != model.CaseStatusActive {
				return nil, model.NewCaseNotActiveError(c.Status)
			}
			c.Status = model.CaseStatusCancelled
			return []model.CaseEvent{{
				Event:   model.EventCaseCancelled,
				Comment: in.Reason,
			}}, nil
		},
	})
}

// mutation is one read-modify-write of a case. apply returns the events to
// record; no events and no error means nothing changed.
type mutation struct {
	action   string
	caseID   string
	stepCode string
	payload  any
	idemKey  string
	apply    func(c *model.Case, tpl *template.Template) ([]model.CaseEvent, error)
}

func (s *Service) mutate(ctx context.Context, rctx *model.RequestContext, m mutation) (view model.CaseView, err error) {
	start := time.Now()
	ctx, span := observability.StartCaseSpan(ctx, m.action, m.caseID, m.stepCode)
	defer func() {
		s.recordMutation(m.action, err, start)
		observability.EndSpan(span, err)
	}()

	// 1. Identity.
	if err := requireTenant(rctx); err != nil {
		return model.CaseView{}, err
	}
	observability.SetCaller(span, rctx)

	// 2. Replay a previous identical request.
	scope := rctx.TenantID + "/" + m.caseID
	if replay, ok, err := s.replay(ctx, scope, m.action, m.stepCode, m.payload, m.idemKey); ok || err != nil {
		return replay, err
	}

	// 3. Load the case and its template.
	c, err := s.store.Get(ctx, rctx.TenantID, m.caseID)
	if err != nil {
		return model.CaseView{}, err
	}
	tpl := s.resolve(ctx, c)
	wasCompleted := c.Status == model.CaseStatusCompleted

	// 4. Apply the change.
	events, err := m.apply(&c, tpl)
	if err != nil {
		return model.CaseView{}, err
	}
	if len(events) == 0 {
		view = model.CaseView{Case: c, Snapshot: s.engine.Evaluate(tpl, c.Completed, c.Flags)}
		s.remember(ctx, scope, m.action, m.stepCode, m.payload, m.idemKey, view)
		return view, nil
	}

	// 5. Derive the case status from the new progress.
	snap := s.engine.Evaluate(tpl, c.Completed, c.Flags)
	reached := allMilestonesReached(snap)
	switch {
	case c.Status == model.CaseStatusActive && reached:
		c.Status = model.CaseStatusCompleted
		events = append(events, model.CaseEvent{
			Event: model.EventCaseCompleted,
			Data:  map[string]any{"overall_progress_percent": snap.OverallProgressPercent},
		})
	case c.Status == model.CaseStatusCompleted && !reached:
		c.Status = model.CaseStatusActive
	}

	// 6. Persist the case and its audit trail with optimistic locking.
	c.UpdatedAt = s.now()
	if err := s.store.Update(ctx, c, s.stampEvents(rctx, c.ID, events)); err != nil {
		return model.CaseView{}, err
	}
	c.Version++

	view = model.CaseView{Case: c, Snapshot: snap}
	s.remember(ctx, scope, m.action, m.stepCode, m.payload, m.idemKey, view)

	if c.Status == model.CaseStatusCompleted && !wasCompleted {
		s.recorder.RecordCaseCompleted(c.TemplateVersion)
	}
	observability.SetSnapshot(span, snap)
	observability.RequestLogger(ctx, s.logger).Info("case updated",
		append(observability.CaseFields(&c),
			zap.String("action", m.action),
			zap.String("step_code", m.stepCode),
			zap.Float64("overall_progress_percent", snap.OverallProgressPercent),
		)...,
	)
	return view, nil
}

// resolve returns the pinned template of a case, falling back to the active
// one when the pinned version is no longer loaded.
func (s *Service) resolve(ctx context.Context, c model.Case) *template.Template {
	tpl, fellBack := s.registry.Resolve(c.TemplateVersion)
	if fellBack {
		observability.RequestLogger(ctx, s.logger).Warn("pinned template not loaded, using active template",
			zap.String("case_id", c.ID),
			zap.String("pinned_version", c.TemplateVersion),
			zap.String("active_version", tpl.Version()),
		)
	}
	return tpl
}

func (s *Service) replay(ctx context.Context, scope, action, stepCode string, payload any, key string) (model.CaseView, bool, error) {
	if key == "" || s.idempotency == nil {
		return model.CaseView{}, false, nil
	}
	idemKey := FormatIdempotencyKey(scope, key)
	cached, found, err := s.idempotency.Check(ctx, idemKey, hashInput(action, stepCode, payload))
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Code == model.ErrConflict {
		s.recorder.RecordIdempotencyConflict()
		return model.CaseView{}, true, err
	}
	if err != nil {
		// The store is an optimization; a broken one must not block writes.
		observability.RequestLogger(ctx, s.logger).Warn("idempotency check failed",
			zap.String("key", idemKey), zap.Error(err))
		return model.CaseView{}, false, nil
	}
	if !found {
		return model.CaseView{}, false, nil
	}

	s.recorder.RecordIdempotencyReplay()
	observability.MarkReplay(ctx)
	observability.RequestLogger(ctx, s.logger).Debug("idempotent replay",
		zap.String("key", idemKey), zap.String("action", action))
	return *cached, true, nil
}

func (s *Service) remember(ctx context.Context, scope, action, stepCode string, payload any, key string, view model.CaseView) {
	if key == "" || s.idempotency == nil {
		return
	}
	idemKey := FormatIdempotencyKey(scope, key)
	if err := s.idempotency.Store(ctx, idemKey, hashInput(action, stepCode, payload), view, s.idempotencyTTL); err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("idempotency store failed",
			zap.String("key", idemKey), zap.Error(err))
	}
}

// stampEvents fills in the identity, actor and time of events about to be
// recorded for caseID.
func (s *Service) stampEvents(rctx *model.RequestContext, caseID string, events []model.CaseEvent) []model.CaseEvent {
	now := s.now()
	out := make([]model.CaseEvent, len(events))
	for i, evt := range events {
		evt.ID = uuid.Must(uuid.NewV7()).String()
		evt.CaseID = caseID
		evt.ActorID = rctx.Actor()
		evt.Timestamp = now
		out[i] = evt
	}
	return out
}

func (s *Service) recordMutation(action string, err error, start time.Time) {
	result := "ok"
	if err != nil {
		result = model.ErrInternalError
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			result = env.Code
		}
	}
	s.recorder.RecordCaseMutation(action, result, time.Since(start))
}

func allMilestonesReached(snap model.Snapshot) bool {
	if len(snap.Milestones) == 0 {
		return false
	}
	for _, m := range snap.Milestones {
		if !m.Reached {
			return false
		}
	}
	return true
}

func requireTenant(rctx *model.RequestContext) error {
	if rctx == nil || rctx.TenantID == "" {
		return model.NewUnauthorizedError("missing tenant context")
	}
	return nil
}

func unknownStep(code string, tpl *template.Template) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   "step_code",
		Code:    "UNKNOWN_STEP",
		Message: fmt.Sprintf("step %q is not part of template %q", code, tpl.Version()),
	}})
}
