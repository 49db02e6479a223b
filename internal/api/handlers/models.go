package handlers

import (
	"log/slog"
	"net/http"
)

// ListModels handles GET /api/models.
func ListModels(lister ModelLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := lister.ListModels(r.Context())
		if err != nil {
			logger.Error("failed to list models", "error", err)
			RespondInternalError(w, "model runtime unreachable")
			return
		}
		if models == nil {
			models = []string{}
		}
		RespondJSON(w, http.StatusOK, map[string]any{
			"models":  models,
			"default": lister.Model(),
		})
	}
}
