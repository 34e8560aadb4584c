package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/neustream/chatfeed/chat"
)

// displayOptions are the embeddable surface's cosmetic flags. They are echoed
// back so the embedding layer can style itself; they never influence the
// synchronization logic.
type displayOptions struct {
	ShowHeader  bool   `json:"showHeader"`
	Background  string `json:"background"`
	Transparent bool   `json:"transparent"`
	Raw         bool   `json:"raw"`
}

func parseDisplayOptions(r *http.Request) displayOptions {
	return displayOptions{
		ShowHeader:  parseBoolQuery(r, "header", true),
		Background:  queryDefault(r, "background", "default"),
		Transparent: parseBoolQuery(r, "transparent", false),
		Raw:         parseBoolQuery(r, "raw", false),
	}
}

// HandleFeed returns the current merged feed as one JSON snapshot.
func (h *Handlers) HandleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	msgs := h.ctrl.Messages()
	limit := parseIntQuery(r, "limit", 0)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"connectionState": h.ctrl.ConnectionState(),
		"viewerCount":     h.ctrl.ViewerCount(),
		"messages":        msgs,
		"display":         parseDisplayOptions(r),
	})
}

// HandleFeedSSE streams the merged feed over Server-Sent Events: a snapshot
// burst on connect, then incremental message/state/viewer_count events as the
// controller reports changes.
func (h *Handlers) HandleFeedSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	changes, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	writeEvent := func(event string, v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			slog.Warn("failed to marshal SSE payload", slog.Any("err", err))
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Messages can be inserted mid-sequence when the history snapshot lands
	// after live traffic, so delivery is tracked per id rather than by index.
	// Each message is emitted exactly once; clients order by createdAt.
	sent := make(map[string]struct{})
	lastState := chat.DisplayState("")
	lastViewers := -1
	lastSource := h.ctrl.Source()

	emit := func() bool {
		// An admin source switch empties the store; ids from the new room
		// may coincide with already-emitted ones, so per-id tracking starts
		// over and clients are told to drop what they have.
		if src := h.ctrl.Source(); src != lastSource {
			lastSource = src
			sent = make(map[string]struct{})
			if !writeEvent("clear", map[string]string{"sourceId": src}) {
				return false
			}
		}
		if st := h.ctrl.ConnectionState(); st != lastState {
			lastState = st
			if !writeEvent("state", map[string]string{"connectionState": string(st)}) {
				return false
			}
		}
		if n := h.ctrl.ViewerCount(); n != lastViewers {
			lastViewers = n
			if !writeEvent("viewer_count", map[string]int{"count": n}) {
				return false
			}
		}
		for _, m := range h.ctrl.Messages() {
			if _, done := sent[m.ID]; done {
				continue
			}
			if !writeEvent("message", m) {
				return false
			}
			sent[m.ID] = struct{}{}
		}
		return true
	}

	if !emit() {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			if !emit() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
