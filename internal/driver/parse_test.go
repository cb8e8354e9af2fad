package driver

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/hotwellkz/wabridge/internal/model"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}}, "pic"},
		{"image no caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTextBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractMedia(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		wantKind string
	}{
		{"nil", nil, ""},
		{"text", &waE2E.Message{Conversation: proto.String("hi")}, ""},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")}}, "image"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("a.pdf")}}, "document"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "sticker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, dl := extractMedia(tt.msg)
			if tt.wantKind == "" {
				if info != nil {
					t.Errorf("extractMedia() = %+v, want nil", info)
				}
				return
			}
			if info == nil || info.Kind != tt.wantKind {
				t.Fatalf("extractMedia() kind = %+v, want %q", info, tt.wantKind)
			}
			if dl == nil {
				t.Error("extractMedia() downloadable = nil, want handle")
			}
		})
	}
}

func TestExtractMediaVoiceNote(t *testing.T) {
	msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		Mimetype: proto.String("audio/ogg; codecs=opus"),
		PTT:      proto.Bool(true),
		Seconds:  proto.Uint32(12),
	}}
	info, _ := extractMedia(msg)
	if info == nil {
		t.Fatal("expected media info")
	}
	if !info.Voice {
		t.Error("Voice = false, want true")
	}
	if info.Seconds != 12 {
		t.Errorf("Seconds = %d, want 12", info.Seconds)
	}
}

func TestParseMessage(t *testing.T) {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			PushName:  "Alice",
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:     types.JID{User: "chat", Server: "s.whatsapp.net"},
				Sender:   types.JID{User: "sender", Server: "s.whatsapp.net"},
				IsFromMe: false,
			},
			ID: "MSG123",
		},
		Message: &waE2E.Message{Conversation: proto.String("hello world")},
	}

	raw := parseMessage(evt, "12345")

	if raw.ConversationID != "chat@s.whatsapp.net" {
		t.Errorf("ConversationID = %q, want chat@s.whatsapp.net", raw.ConversationID)
	}
	if raw.MsgID != "MSG123" {
		t.Errorf("MsgID = %q, want MSG123", raw.MsgID)
	}
	if raw.SenderName != "Alice" {
		t.Errorf("SenderName = %q, want Alice", raw.SenderName)
	}
	if raw.AccountID != "12345" {
		t.Errorf("AccountID = %q, want 12345", raw.AccountID)
	}
	if raw.Body != "hello world" {
		t.Errorf("Body = %q, want hello world", raw.Body)
	}
	if raw.FromMe {
		t.Error("FromMe = true, want false")
	}
	if !raw.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", raw.Timestamp, ts)
	}
	if raw.Media != nil {
		t.Errorf("Media = %+v, want nil for text", raw.Media)
	}
}

func TestReceiptLevel(t *testing.T) {
	tests := []struct {
		typ  types.ReceiptType
		want model.AckLevel
	}{
		{types.ReceiptTypeDelivered, model.AckDelivered},
		{types.ReceiptTypeRead, model.AckRead},
		{types.ReceiptTypeSender, ""},
	}
	for _, tt := range tests {
		if got := receiptLevel(tt.typ); got != tt.want {
			t.Errorf("receiptLevel(%q) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
