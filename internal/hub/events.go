package hub

// EventType represents a WebSocket event type sent from server to client.
type EventType string

const (
	EventReady            EventType = "READY"
	EventError            EventType = "ERROR"
	EventChannelCreate    EventType = "CHANNEL_CREATE"
	EventChannelUpdate    EventType = "CHANNEL_UPDATE"
	EventMemberUpdate     EventType = "MEMBER_UPDATE"
	EventVoiceStateUpdate EventType = "VOICE_STATE_UPDATE"
	EventVoiceSignal      EventType = "VOICE_SIGNAL"
)

// Envelope is the wire format for all server → client messages.
type Envelope struct {
	Type    EventType `json:"t"`
	Payload any       `json:"d"`
}

// ErrorPayload is the body of an ERROR event. It is only ever sent to the
// connection whose request failed.
type ErrorPayload struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Nonce   string `json:"nonce,omitempty"`
}
