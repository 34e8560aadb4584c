package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HandleAdminSource lets an operator re-point the running controller at a
// different source without a restart. Switching implies the controller's
// implicit stop of the previous session (leave old room, clear the store).
//
//	GET    → current source and state
//	POST   → {"sourceId": "..."} switch to a new source
//	DELETE → stop the active session
func (h *Handlers) HandleAdminSource(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeSourceState(w)
	case http.MethodPost:
		var body struct {
			SourceID string `json:"sourceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SourceID == "" {
			http.Error(w, "sourceId required", http.StatusBadRequest)
			return
		}
		if !h.identity.Valid() {
			http.Error(w, "no viewer identity configured", http.StatusConflict)
			return
		}
		slog.Info("admin source switch", slog.String("from", h.ctrl.Source()), slog.String("to", body.SourceID))
		h.ctrl.Start(body.SourceID, h.identity)
		w.WriteHeader(http.StatusAccepted)
		h.writeSourceState(w)
	case http.MethodDelete:
		slog.Info("admin source stop", slog.String("source_id", h.ctrl.Source()))
		h.ctrl.Stop()
		h.writeSourceState(w)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) writeSourceState(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sourceId":        h.ctrl.Source(),
		"started":         h.ctrl.Started(),
		"connectionState": h.ctrl.ConnectionState(),
	})
}
