package model

import "time"

// Direction distinguishes messages received from the counterparty from
// messages sent by the bridged account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AckLevel is the delivery acknowledgment tier of a message. Levels only
// ever move forward; an out-of-order ack event never regresses a message.
type AckLevel string

const (
	AckPending   AckLevel = "pending"
	AckSent      AckLevel = "sent"
	AckDelivered AckLevel = "delivered"
	AckRead      AckLevel = "read"
)

var ackRank = map[AckLevel]int{
	AckPending:   0,
	AckSent:      1,
	AckDelivered: 2,
	AckRead:      3,
}

// Rank returns the ordering weight of the level. Unknown levels rank lowest.
func (a AckLevel) Rank() int {
	return ackRank[a]
}

// Supersedes reports whether a is a strictly higher tier than b.
func (a AckLevel) Supersedes(b AckLevel) bool {
	return a.Rank() > b.Rank()
}

// MediaRef points at media bytes hosted on the blob store. Voice marks a
// push-to-talk note; DurationSeconds is only meaningful for voice, audio
// and video.
type MediaRef struct {
	URL             string `json:"url"`
	MimeType        string `json:"mimeType"`
	FileName        string `json:"fileName"`
	ByteSize        int64  `json:"byteSize"`
	Voice           bool   `json:"voice,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// Message is a canonical message record. Immutable once appended except Ack,
// which is monotonically non-decreasing. ID is the driver-provided message
// id, unique within its conversation and stable across reconnects.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Direction      Direction `json:"direction"`
	SenderName     string    `json:"senderName,omitempty"`
	Body           string    `json:"body"`
	Media          *MediaRef `json:"media,omitempty"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
	Ack            AckLevel  `json:"ack"`
}
