// Package realtime implements live delivery for conversations: the connection
// registry, per-conversation group membership, presence, and event fan-out.
package realtime

// Outbound event types pushed to connected clients.
const (
	EventMessageCreated  = "message.created"
	EventMessageUpdated  = "message.updated"
	EventMessageDeleted  = "message.deleted"
	EventPresenceOnline  = "presence.online"
	EventPresenceOffline = "presence.offline"
	EventTypingStart     = "typing.start"
	EventTypingStop      = "typing.stop"
	EventReadUpdated     = "read.updated"
	EventConnectedUsers  = "connected_users"
	EventJoined          = "joined"
	EventLeft            = "left"
	EventError           = "error"
)

// Event is the wire envelope for everything pushed over a chat websocket.
type Event struct {
	Type           string      `json:"type"`
	ConversationID uint        `json:"conversation_id,omitempty"`
	UserID         uint        `json:"user_id,omitempty"`
	Username       string      `json:"username,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
}

// typingEvent reports whether an event type is an ephemeral typing indicator.
// Typing events are never buffered for late joiners and never reach the sender.
func typingEvent(eventType string) bool {
	return eventType == EventTypingStart || eventType == EventTypingStop
}
