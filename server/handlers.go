// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/neustream/chatfeed/chat"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctrl *chat.Controller
	db   *sql.DB // nil unless the archive is enabled
	// identity is the viewer identity new sessions are opened with when the
	// admin API re-points the controller at another source.
	identity chat.Identity
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctrl *chat.Controller, db *sql.DB, identity chat.Identity) *Handlers {
	return &Handlers{ctrl: ctrl, db: db, identity: identity}
}

// HandleStatus reports the session's observable state without the message
// payloads; /feed carries those.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sourceId":        h.ctrl.Source(),
		"started":         h.ctrl.Started(),
		"connectionState": h.ctrl.ConnectionState(),
		"viewerCount":     h.ctrl.ViewerCount(),
		"messageCount":    len(h.ctrl.Messages()),
		"archiveEnabled":  h.db != nil,
	})
}
