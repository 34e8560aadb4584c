package chat

import "time"

// Platform identifies which upstream service a message originated from.
// The backend aggregates several platforms into one feed; an empty value
// means the platform is unknown or not applicable.
type Platform string

const (
	PlatformTwitch   Platform = "twitch"
	PlatformYouTube  Platform = "youtube"
	PlatformFacebook Platform = "facebook"
	PlatformCustom   Platform = "custom"
)

// Message is one chat message as delivered by the backend, either inside the
// history snapshot or as a live event. ID is stable across both delivery
// paths for the same message, which is what makes deduplication possible.
type Message struct {
	ID          string    `json:"id"`
	AuthorName  string    `json:"authorName"`
	Platform    Platform  `json:"platform,omitempty"`
	MessageText string    `json:"messageText"`
	MessageType string    `json:"messageType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Identity is the viewing user, serialized into the websocket handshake as
// connection credentials. It is never used for anything else client-side.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Valid reports whether the identity can open a session. The backend rejects
// handshakes without an id, so there is no point dialing without one.
func (id Identity) Valid() bool { return id.ID != "" }
