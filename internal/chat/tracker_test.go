package chat

import (
	"testing"
	"time"

	"github.com/hotwellkz/wabridge/internal/model"
)

func trackerFixture(t *testing.T) (*Store, *Tracker) {
	t.Helper()
	s := NewStore()
	return s, NewTracker(s)
}

func TestUnreadAllInboundWithoutWatermark(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Append(inboundMsg("a@s", "m1", "hi", at), "")
	out := inboundMsg("a@s", "m2", "reply", at.Add(time.Second))
	out.Direction = model.DirectionOutbound
	s.Append(out, "")

	if got := tr.UnreadCount("a@s", "operator"); got != 1 {
		t.Errorf("unread = %d, want 1 (outbound never counts)", got)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Append(inboundMsg("a@s", "m1", "hi", at), "")

	rs, changed := tr.MarkRead("a@s", "operator", "m1", at.Add(time.Second))
	if !changed || rs.LastReadMessageID != "m1" {
		t.Fatalf("first mark: changed=%v rs=%+v", changed, rs)
	}
	if _, changed := tr.MarkRead("a@s", "operator", "m1", at.Add(2*time.Second)); changed {
		t.Error("marking the same message twice should be a no-op")
	}
	if got := tr.UnreadCount("a@s", "operator"); got != 0 {
		t.Errorf("unread after mark = %d, want 0", got)
	}
}

func TestMarkReadNeverRegresses(t *testing.T) {
	_, tr := trackerFixture(t)
	at := time.Now()

	tr.MarkRead("a@s", "operator", "m2", at)
	if _, changed := tr.MarkRead("a@s", "operator", "m1", at.Add(-time.Hour)); changed {
		t.Error("older watermark must not replace a newer one")
	}
	rs, _ := tr.Get("a@s", "operator")
	if rs.LastReadMessageID != "m2" {
		t.Errorf("watermark = %q, want m2", rs.LastReadMessageID)
	}
}

func TestUnreadCountsNewMessagesAfterWatermark(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Append(inboundMsg("a@s", "m1", "one", at), "")
	tr.MarkRead("a@s", "operator", "m1", at.Add(time.Millisecond))

	s.Append(inboundMsg("a@s", "m2", "two", at.Add(time.Second)), "")
	s.Append(inboundMsg("a@s", "m3", "three", at.Add(2*time.Second)), "")

	if got := tr.UnreadCount("a@s", "operator"); got != 2 {
		t.Errorf("unread = %d, want 2", got)
	}
}

func TestUnreadIsPerUser(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Append(inboundMsg("a@s", "m1", "hi", at), "")

	tr.MarkRead("a@s", "alice", "m1", at.Add(time.Second))
	if got := tr.UnreadCount("a@s", "alice"); got != 0 {
		t.Errorf("alice unread = %d, want 0", got)
	}
	if got := tr.UnreadCount("a@s", "bob"); got != 1 {
		t.Errorf("bob unread = %d, want 1", got)
	}
}

func TestClearUnread(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Append(inboundMsg("a@s", "m1", "one", at), "")
	s.Append(inboundMsg("a@s", "m2", "two", at.Add(time.Second)), "")

	rs, changed := tr.ClearUnread("a@s", "operator")
	if !changed || rs.LastReadMessageID != "m2" {
		t.Fatalf("clear: changed=%v rs=%+v", changed, rs)
	}
	if got := tr.UnreadCount("a@s", "operator"); got != 0 {
		t.Errorf("unread after clear = %d, want 0", got)
	}

	if _, changed := tr.ClearUnread("empty@s", "operator"); changed {
		t.Error("clearing an unknown conversation should be a no-op")
	}
}

func TestClearUnreadCoversFutureTimestamps(t *testing.T) {
	s, tr := trackerFixture(t)
	// Driver clock well ahead of ours.
	s.Append(inboundMsg("a@s", "m1", "hi", time.Now().Add(time.Hour)), "")

	if _, changed := tr.ClearUnread("a@s", "operator"); !changed {
		t.Fatal("clear should advance the watermark")
	}
	if got := tr.UnreadCount("a@s", "operator"); got != 0 {
		t.Errorf("unread after clear = %d, want 0", got)
	}
}

func TestUnreadCountsForAll(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Append(inboundMsg("a@s", "m1", "hi", at), "")
	s.Append(inboundMsg("b@s", "m2", "yo", at), "")
	tr.MarkRead("b@s", "operator", "m2", at.Add(time.Second))

	counts := tr.UnreadCountsForAll("operator")
	if counts["a@s"] != 1 || counts["b@s"] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestTrackerDrainAndRequeue(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Append(inboundMsg("a@s", "m1", "hi", at), "")
	tr.MarkRead("a@s", "operator", "m1", at)

	marks := tr.Drain()
	if len(marks) != 1 {
		t.Fatalf("drain = %d marks, want 1", len(marks))
	}
	if got := tr.Drain(); len(got) != 0 {
		t.Error("second drain should be empty")
	}

	tr.Requeue(marks)
	if got := tr.Drain(); len(got) != 1 {
		t.Error("requeued mark missing from next drain")
	}
}

func TestUnreadDerivedSurvivesReload(t *testing.T) {
	s, tr := trackerFixture(t)
	at := time.Now()
	s.Load([]model.Conversation{{
		ID: "a@s",
		Messages: []model.Message{
			{ID: "m1", ConversationID: "a@s", Seq: 1, CreatedAt: at, Direction: model.DirectionInbound},
			{ID: "m2", ConversationID: "a@s", Seq: 2, CreatedAt: at.Add(time.Second), Direction: model.DirectionInbound},
		},
	}})
	tr.Load([]model.ReadStatus{{
		ConversationID: "a@s", UserID: "operator",
		LastReadMessageID: "m1", LastReadAt: at.Add(time.Millisecond),
	}})

	if got := tr.UnreadCount("a@s", "operator"); got != 1 {
		t.Errorf("unread after reload = %d, want 1", got)
	}
}
