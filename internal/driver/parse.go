package driver

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// parseMessage normalizes a live whatsmeow message event into a RawMessage.
func parseMessage(evt *events.Message, accountID string) *RawMessage {
	raw := &RawMessage{
		ConversationID: evt.Info.Chat.String(),
		MsgID:          evt.Info.ID,
		SenderJID:      evt.Info.Sender.String(),
		SenderName:     evt.Info.PushName,
		AccountID:      accountID,
		FromMe:         evt.Info.IsFromMe,
		Body:           extractTextBody(evt.Message),
		Timestamp:      evt.Info.Timestamp,
	}
	raw.Media, raw.dl = extractMedia(evt.Message)
	return raw
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

// extractMedia returns attachment metadata and the downloadable handle for
// media-bearing messages, or nil for plain text.
func extractMedia(msg *waE2E.Message) (*MediaInfo, any) {
	if msg == nil {
		return nil, nil
	}
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return &MediaInfo{Kind: "image", MimeType: m.GetMimetype()}, m
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return &MediaInfo{Kind: "video", MimeType: m.GetMimetype(), Seconds: int(m.GetSeconds())}, m
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return &MediaInfo{
			Kind:     "audio",
			MimeType: m.GetMimetype(),
			Voice:    m.GetPTT(),
			Seconds:  int(m.GetSeconds()),
		}, m
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return &MediaInfo{Kind: "document", MimeType: m.GetMimetype(), FileName: m.GetFileName()}, m
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return &MediaInfo{Kind: "sticker", MimeType: m.GetMimetype()}, m
	}
	return nil, nil
}
