package chat

import (
	"testing"
	"time"

	"github.com/hotwellkz/wabridge/internal/model"
)

func inboundMsg(convID, msgID, body string, at time.Time) model.Message {
	return model.Message{
		ID:             msgID,
		ConversationID: convID,
		Direction:      model.DirectionInbound,
		Body:           body,
		CreatedAt:      at,
		Ack:            model.AckDelivered,
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	s := NewStore()
	at := time.Now()

	conv, appended := s.Append(inboundMsg("a@s", "m1", "hi", at), "Alice")
	if !appended {
		t.Fatal("first append should report appended=true")
	}
	if conv.Messages[0].Seq != 1 {
		t.Errorf("seq = %d, want 1", conv.Messages[0].Seq)
	}
	if conv.DisplayName != "Alice" || conv.LastPreview != "hi" {
		t.Errorf("conversation = %+v", conv)
	}

	conv, _ = s.Append(inboundMsg("a@s", "m2", "again", at.Add(time.Second)), "")
	if conv.Messages[1].Seq != 2 {
		t.Errorf("seq = %d, want 2", conv.Messages[1].Seq)
	}
	if conv.DisplayName != "Alice" {
		t.Error("empty display name must not clear the existing one")
	}
	if conv.LastPreview != "again" {
		t.Errorf("preview = %q", conv.LastPreview)
	}
}

func TestAppendDeduplicates(t *testing.T) {
	s := NewStore()
	at := time.Now()
	msg := inboundMsg("a@s", "m1", "hi", at)

	s.Append(msg, "Alice")
	conv, appended := s.Append(msg, "Alice")
	if appended {
		t.Error("redelivery of the same message id should be a no-op")
	}
	if len(conv.Messages) != 1 {
		t.Errorf("got %d messages, want 1", len(conv.Messages))
	}
	if conv.Messages[0].Seq != 1 {
		t.Errorf("seq = %d, want 1 (unchanged)", conv.Messages[0].Seq)
	}
}

func TestAckMonotone(t *testing.T) {
	s := NewStore()
	msg := inboundMsg("a@s", "m1", "hi", time.Now())
	msg.Direction = model.DirectionOutbound
	msg.Ack = model.AckSent
	s.Append(msg, "")

	if _, changed := s.ApplyAck("a@s", "m1", model.AckRead); !changed {
		t.Error("sent -> read should apply")
	}
	if got, changed := s.ApplyAck("a@s", "m1", model.AckDelivered); changed {
		t.Errorf("read -> delivered must not regress, got %q", got.Ack)
	}
	got, _ := s.Get("a@s")
	if got.Messages[0].Ack != model.AckRead {
		t.Errorf("ack = %q, want read", got.Messages[0].Ack)
	}
}

func TestAckUnknownMessage(t *testing.T) {
	s := NewStore()
	s.Append(inboundMsg("a@s", "m1", "hi", time.Now()), "")

	if _, changed := s.ApplyAck("a@s", "nope", model.AckRead); changed {
		t.Error("unknown message id should not change anything")
	}
	if _, changed := s.ApplyAck("nope@s", "m1", model.AckRead); changed {
		t.Error("unknown conversation id should not change anything")
	}
}

func TestSetMessageMedia(t *testing.T) {
	s := NewStore()
	msg := inboundMsg("a@s", "m1", "", time.Now())
	s.Append(msg, "")
	s.Drain()

	ref := &model.MediaRef{URL: "https://blob/x", MimeType: "image/jpeg", FileName: "photo.jpg"}
	got, ok := s.SetMessageMedia("a@s", "m1", ref)
	if !ok || got.Media == nil || got.Media.URL != "https://blob/x" {
		t.Fatalf("attach: ok=%v msg=%+v", ok, got)
	}
	conv, _ := s.Get("a@s")
	if conv.LastPreview != "photo.jpg" {
		t.Errorf("preview = %q, want the media file name", conv.LastPreview)
	}
	// A late attach re-dirties the conversation for the next checkpoint.
	if changed, _ := s.Drain(); len(changed) != 1 {
		t.Error("media attach should mark the conversation dirty")
	}

	if _, ok := s.SetMessageMedia("a@s", "m1", ref); ok {
		t.Error("second attach should be a no-op")
	}
	if _, ok := s.SetMessageMedia("gone@s", "m1", ref); ok {
		t.Error("unknown conversation should be a no-op")
	}
}

func TestListOrdersByActivity(t *testing.T) {
	s := NewStore()
	at := time.Now()
	s.Append(inboundMsg("old@s", "m1", "old", at.Add(-time.Hour)), "")
	s.Append(inboundMsg("new@s", "m2", "new", at), "")

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("got %d conversations", len(list))
	}
	if list[0].ID != "new@s" {
		t.Errorf("first = %s, want new@s (most recent activity first)", list[0].ID)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore()
	conv, _ := s.Append(inboundMsg("a@s", "m1", "hi", time.Now()), "")

	conv.Messages[0].Body = "tampered"
	got, _ := s.Get("a@s")
	if got.Messages[0].Body != "hi" {
		t.Error("mutating a snapshot must not reach the store")
	}
}

func TestDeleteAndDrain(t *testing.T) {
	s := NewStore()
	s.Append(inboundMsg("a@s", "m1", "hi", time.Now()), "")

	changed, deleted := s.Drain()
	if len(changed) != 1 || len(deleted) != 0 {
		t.Fatalf("drain = %d changed, %d deleted", len(changed), len(deleted))
	}

	if !s.Delete("a@s") {
		t.Fatal("delete should succeed")
	}
	if s.Delete("a@s") {
		t.Error("second delete should report false")
	}
	changed, deleted = s.Drain()
	if len(changed) != 0 || len(deleted) != 1 || deleted[0] != "a@s" {
		t.Errorf("drain after delete = %v, %v", changed, deleted)
	}

	// Drained sets are cleared.
	if changed, deleted = s.Drain(); len(changed)+len(deleted) != 0 {
		t.Error("second drain should be empty")
	}
}

func TestRequeueAfterFailedFlush(t *testing.T) {
	s := NewStore()
	s.Append(inboundMsg("a@s", "m1", "hi", time.Now()), "")
	changed, deleted := s.Drain()

	s.Requeue(changed, deleted)
	changed, _ = s.Drain()
	if len(changed) != 1 {
		t.Errorf("requeued conversation missing from next drain")
	}
}

func TestLoadResumesSequence(t *testing.T) {
	s := NewStore()
	at := time.Now()
	s.Load([]model.Conversation{{
		ID: "a@s",
		Messages: []model.Message{
			{ID: "m1", ConversationID: "a@s", Seq: 1, CreatedAt: at, Direction: model.DirectionInbound},
			{ID: "m2", ConversationID: "a@s", Seq: 2, CreatedAt: at, Direction: model.DirectionInbound},
		},
	}})

	// Loaded state is clean.
	if changed, _ := s.Drain(); len(changed) != 0 {
		t.Error("loaded conversations must not be dirty")
	}

	conv, appended := s.Append(inboundMsg("a@s", "m3", "next", at.Add(time.Second)), "")
	if !appended {
		t.Fatal("append after load failed")
	}
	if got := conv.Messages[2].Seq; got != 3 {
		t.Errorf("seq after load = %d, want 3", got)
	}

	// Replay of an already-persisted message is still deduplicated.
	if _, appended := s.Append(inboundMsg("a@s", "m1", "hi", at), ""); appended {
		t.Error("replayed persisted message should dedup")
	}
}
