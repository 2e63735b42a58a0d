package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/model"
)

func handleTemplateList(registry *template.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":           registry.Summarize(),
			"active_version": registry.Active().Version(),
		})
	}
}

func handleTemplateGet(registry *template.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := chi.URLParam(r, "version")

		view, ok := registry.Describe(version)
		if !ok {
			WriteError(w, r, model.NewTemplateNotFoundError(version))
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}
