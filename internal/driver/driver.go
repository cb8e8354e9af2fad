package driver

import (
	"context"
	"time"

	"github.com/hotwellkz/wabridge/internal/model"
)

// Driver owns the actual connection to the messaging network. Exactly one
// instance is active at a time; the lifecycle manager is the only component
// that creates, destroys or restarts it.
type Driver interface {
	// Initialize connects the session. If no credentials exist it starts a
	// pairing flow and emits PairingChallenge events until paired or failed.
	Initialize(ctx context.Context) error
	// Destroy disconnects and releases the underlying client.
	Destroy()
	// Logout invalidates stored credentials. A fresh pairing is required
	// afterwards.
	Logout(ctx context.Context) error

	SendText(ctx context.Context, jid, body string) (msgID string, err error)
	SendMedia(ctx context.Context, jid string, media OutboundMedia) (msgID string, err error)
	// DownloadMedia fetches the raw bytes for a message's media attachment.
	DownloadMedia(ctx context.Context, msg *RawMessage) ([]byte, error)
	// FetchAvatar returns the avatar URL of a contact.
	FetchAvatar(ctx context.Context, jid string) (string, error)

	IsConnected() bool
	IsLoggedIn() bool
	Identity(ctx context.Context) (model.Identity, error)

	// SetHandler registers the single canonical event handler. Calling it
	// again replaces the previous handler; there is never more than one.
	SetHandler(h Handler)
}

// Factory creates a fresh Driver. The lifecycle manager uses it to recreate
// the driver after credential resets.
type Factory func(ctx context.Context) (Driver, error)

// Handler receives driver events. It must not block: long work belongs to
// bus subscribers downstream.
type Handler func(evt Event)

// Event is a typed driver event.
type Event interface {
	isDriverEvent()
}

// PairingChallenge carries the out-of-band pairing code to confirm on a
// trusted device.
type PairingChallenge struct {
	Code string
}

// Authenticated signals that pairing or credential login succeeded.
type Authenticated struct{}

// Ready signals that the session is fully connected, with the account
// identity attached.
type Ready struct {
	Identity model.Identity
}

// Disconnected signals a dropped session.
type Disconnected struct {
	Reason string
}

// AuthFailed signals an unrecoverable authentication failure. Credentials
// must be cleared and a fresh pairing performed.
type AuthFailed struct {
	Err error
}

// Inbound carries a message received from a counterparty.
type Inbound struct {
	Msg *RawMessage
}

// OutboundEcho carries a message sent from the bridged account, echoed by
// another linked device or by this client.
type OutboundEcho struct {
	Msg *RawMessage
}

// AckUpdated carries a delivery acknowledgment change for a known message.
type AckUpdated struct {
	ConversationID string
	MsgID          string
	Level          model.AckLevel
}

func (PairingChallenge) isDriverEvent() {}
func (Authenticated) isDriverEvent()    {}
func (Ready) isDriverEvent()            {}
func (Disconnected) isDriverEvent()     {}
func (AuthFailed) isDriverEvent()       {}
func (Inbound) isDriverEvent()          {}
func (OutboundEcho) isDriverEvent()     {}
func (AckUpdated) isDriverEvent()       {}

// MediaInfo describes an attachment on a raw message, before its bytes are
// resolved.
type MediaInfo struct {
	Kind     string // image, video, audio, document, sticker
	MimeType string
	FileName string
	Voice    bool
	Seconds  int
}

// RawMessage is a driver message event, not yet normalized or deduplicated.
// AccountID is the session account the event was addressed to (inbound) or
// originated from (outbound echo); the ingestor uses it to reject stale
// events after an identity switch.
type RawMessage struct {
	ConversationID string
	MsgID          string
	SenderJID      string
	SenderName     string
	AccountID      string
	FromMe         bool
	Body           string
	Media          *MediaInfo
	Timestamp      time.Time

	dl any // whatsmeow downloadable, set only by the whatsmeow driver
}

// OutboundMedia is media to send, already hosted or raw.
type OutboundMedia struct {
	Bytes    []byte
	MimeType string
	FileName string
	Caption  string
}
