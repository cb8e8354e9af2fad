package model

import "time"

// Conversation is a snapshot of one chat with a counterparty. ID is the
// counterparty JID. Messages are ordered by per-conversation sequence
// number, assigned at append and never reordered.
type Conversation struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName,omitempty"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	LastPreview    string    `json:"lastPreview,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
}

// ReadStatus is the watermark of how far a user has read a conversation.
// Absence of a ReadStatus means the conversation was never read.
type ReadStatus struct {
	ConversationID    string    `json:"conversationId"`
	UserID            string    `json:"userId"`
	LastReadMessageID string    `json:"lastReadMessageId"`
	LastReadAt        time.Time `json:"lastReadAt"`
}

// Identity describes the account the session is bound to.
type Identity struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
