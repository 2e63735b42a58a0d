package transport

import (
	"net/http"

	"github.com/pitabwire/closing/internal/cases"
	"github.com/pitabwire/closing/model"
)

func handleEvaluate(svc *cases.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TemplateVersion string      `json:"template_version"`
			Completed       []string    `json:"completed"`
			Flags           model.Flags `json:"flags"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		snap, err := svc.Evaluate(r.Context(), body.TemplateVersion, body.Completed, body.Flags)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}
