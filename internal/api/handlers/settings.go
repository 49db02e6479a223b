package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/atlas-kb/atlas/internal/rag"
)

// settingMeta describes one runtime-tunable setting.
type settingMeta struct {
	kind  string // bool | int | float | string
	label string
	group string
}

// settingKeys is the set of keys callers may override at runtime.
var settingKeys = map[string]settingMeta{
	rag.SettingQueryRewrite:  {kind: "bool", label: "Query rewrite", group: "retrieval"},
	rag.SettingHybridSearch:  {kind: "bool", label: "Hybrid search", group: "retrieval"},
	rag.SettingReranking:     {kind: "bool", label: "Reranking", group: "retrieval"},
	rag.SettingBM25Weight:    {kind: "float", label: "BM25 weight", group: "retrieval"},
	rag.SettingRerankTopN:    {kind: "int", label: "Rerank candidates", group: "retrieval"},
	rag.SettingRetrievalTopK: {kind: "int", label: "Retrieved chunks", group: "retrieval"},
	rag.SettingChatModel:     {kind: "string", label: "Chat model", group: "models"},
}

// SettingView is one entry in the settings response.
type SettingView struct {
	Current  string `json:"current"`
	Default  string `json:"default"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Group    string `json:"group"`
	IsCustom bool   `json:"is_custom"`
}

// GetSettings handles GET /api/settings. Each known key reports its
// effective value, its default, and whether an override is set.
func GetSettings(store SettingsStore, defaults map[string]string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overrides, err := store.GetSettings(r.Context())
		if err != nil {
			logger.Error("failed to load settings", "error", err)
			RespondInternalError(w, "")
			return
		}

		out := make(map[string]SettingView, len(settingKeys))
		for key, meta := range settingKeys {
			view := SettingView{
				Current: defaults[key],
				Default: defaults[key],
				Type:    meta.kind,
				Label:   meta.label,
				Group:   meta.group,
			}
			if v, ok := overrides[key]; ok {
				view.Current = v
				view.IsCustom = true
			}
			out[key] = view
		}
		RespondJSON(w, http.StatusOK, map[string]any{"settings": out})
	}
}

// SettingsUpdateRequest is the PUT /api/settings body.
type SettingsUpdateRequest struct {
	Settings map[string]string `json:"settings"`
}

// UpdateSettings handles PUT /api/settings. Unknown keys and values of the
// wrong type are rejected.
func UpdateSettings(store SettingsStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SettingsUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondBadRequest(w, "invalid request body")
			return
		}
		if len(req.Settings) == 0 {
			RespondBadRequest(w, "no settings provided")
			return
		}

		for key, value := range req.Settings {
			meta, ok := settingKeys[key]
			if !ok {
				RespondBadRequest(w, "unknown setting: "+key)
				return
			}
			if err := validateSetting(meta.kind, value); err != nil {
				RespondBadRequest(w, "invalid value for "+key)
				return
			}
		}
		for key, value := range req.Settings {
			if err := store.SetSetting(r.Context(), key, value); err != nil {
				logger.Error("failed to save setting", "key", key, "error", err)
				RespondInternalError(w, "")
				return
			}
		}
		RespondJSON(w, http.StatusOK, map[string]any{"updated": len(req.Settings)})
	}
}

// SettingsResetRequest is the POST /api/settings/reset body. An empty key
// list resets everything.
type SettingsResetRequest struct {
	Keys []string `json:"keys,omitempty"`
}

// ResetSettings handles POST /api/settings/reset.
func ResetSettings(store SettingsStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SettingsResetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondBadRequest(w, "invalid request body")
			return
		}
		for _, key := range req.Keys {
			if _, ok := settingKeys[key]; !ok {
				RespondBadRequest(w, "unknown setting: "+key)
				return
			}
		}

		if err := store.DeleteSettings(r.Context(), req.Keys); err != nil {
			logger.Error("failed to reset settings", "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondNoContent(w)
	}
}

func validateSetting(kind, value string) error {
	var err error
	switch kind {
	case "bool":
		_, err = strconv.ParseBool(value)
	case "int":
		var n int
		n, err = strconv.Atoi(value)
		if err == nil && n <= 0 {
			err = strconv.ErrRange
		}
	case "float":
		var f float64
		f, err = strconv.ParseFloat(value, 64)
		if err == nil && (f < 0 || f > 1) {
			err = strconv.ErrRange
		}
	}
	return err
}
