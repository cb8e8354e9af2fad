package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name; subscribers filter by namespace prefix ("session.", "message.", ...).
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Event kinds emitted by the bridge core. Delivery to subscribers is
// at-least-once; consumers must be idempotent on replay (payloads are keyed
// by message or conversation id).
const (
	KindSessionStateChanged       = "session.state_changed"
	KindSessionPairingChallenge   = "session.pairing_challenge"
	KindSessionAccountConnected   = "session.account_connected"
	KindSessionDisconnected       = "session.account_disconnected"
	KindSessionReconnectExhausted = "session.reconnect_exhausted"
	KindSessionAuthFailed         = "session.auth_failed"

	KindDriverMessage = "driver.message"
	KindDriverAck     = "driver.ack"

	KindMessageAppended      = "message.appended"
	KindMessageAckUpdated    = "message.ack_updated"
	KindMessageMediaResolved = "message.media_resolved"
	KindMessageMediaFailed   = "message.media_failed"

	KindConversationUpdated = "conversation.updated"
	KindConversationDeleted = "conversation.deleted"

	KindReadStatusUpdated = "read_status.updated"

	KindAvatarCacheInvalidated = "avatar.cache_invalidated"

	KindStorePersistFailed = "store.persist_failed"
)
