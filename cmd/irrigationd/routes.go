package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/manual"
	"github.com/goatboynz/pro-irrigation-addon/internal/supervisor"
)

// registerDebugRoutes wires the thin JSON surface the externally-owned
// UI/REST layer is expected to front (spec §9: the core exposes no HTTP
// of its own beyond this debug/status view). Grounded on the teacher's
// debug-snapshot endpoint, trimmed to this domain's read model.
func registerDebugRoutes(mux *http.ServeMux, sv *supervisor.Supervisor, ctl *manual.Controller, log zerolog.Logger) {
	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sv.Snapshot()); err != nil {
			log.Error().Err(err).Msg("irrigationd: failed to encode status snapshot")
		}
	})

	mux.HandleFunc("/debug/timeline", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sv.Timeline().All()); err != nil {
			log.Error().Err(err).Msg("irrigationd: failed to encode timeline")
		}
	})

	mux.HandleFunc("/manual/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		zoneID := r.URL.Query().Get("zone_id")
		durationSec, err := strconv.Atoi(r.URL.Query().Get("duration_sec"))
		if err != nil {
			http.Error(w, "duration_sec must be an integer", http.StatusBadRequest)
			return
		}
		jobID, err := ctl.RunZone(r.Context(), zoneID, durationSec)
		if err != nil {
			http.Error(w, err.Error(), statusForManualError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
	})

	mux.HandleFunc("/manual/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		pumpID := r.URL.Query().Get("pump_id")
		if err := ctl.StopPump(pumpID); err != nil {
			http.Error(w, err.Error(), statusForManualError(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func statusForManualError(err error) int {
	switch err {
	case manual.ErrZoneNotFound, manual.ErrPumpNotFound:
		return http.StatusNotFound
	case manual.ErrDurationInvalid:
		return http.StatusBadRequest
	case manual.ErrExecutorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
