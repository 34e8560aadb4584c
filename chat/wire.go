package chat

import "encoding/json"

// The push channel speaks JSON envelopes over one websocket. Event names
// match the backend's room protocol.
const (
	eventJoinChat    = "join_chat"
	eventLeaveChat   = "leave_chat"
	eventJoinedChat  = "joined_chat"
	eventChatHistory = "chat_history"
	eventNewMessage  = "new_message"
	eventViewerCount = "viewer_count"
	eventError       = "error"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomPayload struct {
	SourceID string `json:"sourceId"`
}

type viewerCountPayload struct {
	Count int `json:"count"`
}

type errorPayload struct {
	Message string `json:"message"`
}
