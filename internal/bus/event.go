package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}

// Namespaces subscribers filter on.
const (
	NSMessage      = "message."
	NSConversation = "conversation."
	NSConnection   = "connection."
	// NSRealtime carries validated inbound frames from the event channel to
	// the ingest. The kind is "rt." followed by the wire type.
	NSRealtime = "rt."
)

// Event kinds.
const (
	MessageComposed   = "message.composed"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
	MessageRetried    = "message.retried"
	MessageAbandoned  = "message.abandoned"
	MessageUpserted   = "message.upserted"
	MessageRead       = "message.read"
	MessageDeleted    = "message.deleted"

	ConversationCleared = "conversation.cleared"
	ConversationSyncing = "conversation.syncing"

	ConnectionStatusChanged = "connection.status_changed"
)
