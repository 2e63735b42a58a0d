package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/closing/internal/cases"
	"github.com/pitabwire/closing/model"
)

const defaultListLimit = 50

func handleCaseCreate(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in cases.CreateInput
		if err := decodeJSON(w, r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		in.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

		view, err := svc.Create(r.Context(), rctx, in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, view)
	}
}

func handleCaseList(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		q := r.URL.Query()
		filters := model.CaseFilters{
			Status:    q.Get("status"),
			Reference: q.Get("reference"),
			Limit:     queryInt(r, "limit", defaultListLimit),
			Offset:    queryInt(r, "offset", 0),
		}

		summaries, err := svc.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": summaries})
	}
}

func handleCaseGet(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := svc.Get(r.Context(), rctx, chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleCaseEvents(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		events, err := svc.Events(r.Context(), rctx, chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleStepComplete(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in cases.StepInput
		if err := decodeOptionalJSON(w, r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		in.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

		view, err := svc.CompleteStep(r.Context(), rctx, chi.URLParam(r, "caseId"), chi.URLParam(r, "stepCode"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleStepReopen(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in cases.StepInput
		if err := decodeOptionalJSON(w, r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		in.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

		view, err := svc.ReopenStep(r.Context(), rctx, chi.URLParam(r, "caseId"), chi.URLParam(r, "stepCode"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleCaseFlags(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in cases.FlagsInput
		if err := decodeJSON(w, r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		in.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

		view, err := svc.SetFlags(r.Context(), rctx, chi.URLParam(r, "caseId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleCaseWhatIf(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Flags model.Flags `json:"flags"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		snap, err := svc.WhatIf(r.Context(), rctx, chi.URLParam(r, "caseId"), body.Flags)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func handleCaseCancel(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in cases.CancelInput
		if err := decodeOptionalJSON(w, r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		in.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

		view, err := svc.Cancel(r.Context(), rctx, chi.URLParam(r, "caseId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}
