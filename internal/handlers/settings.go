package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/vahid162/Smite/internal/database"
)

// settingsKeys are the setting groups the API exposes. Unknown keys are
// rejected so typos do not create orphan rows.
var settingsKeys = map[string]bool{
	"frp":      true,
	"telegram": true,
	"tunnel":   true,
}

func GetSettings(w http.ResponseWriter, r *http.Request) {
	out := map[string]database.SpecMap{}
	for key := range settingsKeys {
		value, err := database.GetSetting(key)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				out[key] = database.SpecMap{}
				continue
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[key] = value
	}
	writeJSON(w, http.StatusOK, out)
}

func GetSettingGroup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settingsKeys[key] {
		writeError(w, http.StatusNotFound, "unknown settings group "+key)
		return
	}
	value, err := database.GetSetting(key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusOK, database.SpecMap{})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func UpdateSettingGroup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settingsKeys[key] {
		writeError(w, http.StatusNotFound, "unknown settings group "+key)
		return
	}
	var value database.SpecMap
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := database.SetSetting(key, value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	Orch.OnSettingsChanged(r.Context(), key)
	writeJSON(w, http.StatusOK, value)
}
