package chat

import (
	"sync"
	"time"

	"github.com/hotwellkz/wabridge/internal/model"
)

// Tracker keeps per-(conversation, user) read watermarks. Unread counts are
// never stored: they are derived on demand from the watermark and the
// conversation's inbound messages, so a replayed mark-read command or a
// restart can not drift the count.
type Tracker struct {
	mu    sync.RWMutex
	store *Store
	marks map[string]map[string]model.ReadStatus
	dirty map[string]map[string]struct{}
}

// NewTracker creates a tracker backed by the given chat store.
func NewTracker(store *Store) *Tracker {
	return &Tracker{
		store: store,
		marks: make(map[string]map[string]model.ReadStatus),
		dirty: make(map[string]map[string]struct{}),
	}
}

// Load seeds the tracker from persisted watermarks at cold start.
func (t *Tracker) Load(statuses []model.ReadStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rs := range statuses {
		if t.marks[rs.ConversationID] == nil {
			t.marks[rs.ConversationID] = make(map[string]model.ReadStatus)
		}
		t.marks[rs.ConversationID][rs.UserID] = rs
	}
}

// MarkRead advances the watermark for a (conversation, user) pair. It is
// idempotent: marking the same message again, or marking with an older
// timestamp, changes nothing and returns changed=false.
func (t *Tracker) MarkRead(convID, userID, msgID string, at time.Time) (model.ReadStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.marks[convID][userID]
	if ok && (cur.LastReadMessageID == msgID || at.Before(cur.LastReadAt)) {
		return cur, false
	}

	rs := model.ReadStatus{
		ConversationID:    convID,
		UserID:            userID,
		LastReadMessageID: msgID,
		LastReadAt:        at,
	}
	if t.marks[convID] == nil {
		t.marks[convID] = make(map[string]model.ReadStatus)
	}
	t.marks[convID][userID] = rs
	t.markDirtyLocked(convID, userID)
	return rs, true
}

// ClearUnread marks the conversation read up to its latest message. A
// conversation with no messages, or one already read to the tip, is a
// no-op.
func (t *Tracker) ClearUnread(convID, userID string) (model.ReadStatus, bool) {
	latest, ok := t.store.LatestMessage(convID)
	if !ok {
		return model.ReadStatus{}, false
	}
	// Driver timestamps can run ahead of the local clock; the watermark
	// must cover the latest message either way.
	at := time.Now()
	if latest.CreatedAt.After(at) {
		at = latest.CreatedAt
	}
	return t.MarkRead(convID, userID, latest.ID, at)
}

// Get returns the watermark for a (conversation, user) pair.
func (t *Tracker) Get(convID, userID string) (model.ReadStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.marks[convID][userID]
	return rs, ok
}

// UnreadCount derives the number of unread inbound messages: those created
// after the watermark. Without a watermark every inbound message is unread.
func (t *Tracker) UnreadCount(convID, userID string) int {
	conv, ok := t.store.Get(convID)
	if !ok {
		return 0
	}
	t.mu.RLock()
	rs, marked := t.marks[convID][userID]
	t.mu.RUnlock()

	count := 0
	for _, m := range conv.Messages {
		if m.Direction != model.DirectionInbound {
			continue
		}
		if !marked || m.CreatedAt.After(rs.LastReadAt) {
			count++
		}
	}
	return count
}

// UnreadCountsForAll derives unread counts for every conversation the
// store knows about.
func (t *Tracker) UnreadCountsForAll(userID string) map[string]int {
	out := make(map[string]int)
	for _, conv := range t.store.List() {
		out[conv.ID] = t.UnreadCount(conv.ID, userID)
	}
	return out
}

// Forget drops all watermarks for a deleted conversation.
func (t *Tracker) Forget(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.marks, convID)
	delete(t.dirty, convID)
}

// Drain returns the watermarks changed since the last drain and clears
// the set. Requeue puts them back after a failed checkpoint.
func (t *Tracker) Drain() []model.ReadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.ReadStatus
	for convID, users := range t.dirty {
		for userID := range users {
			if rs, ok := t.marks[convID][userID]; ok {
				out = append(out, rs)
			}
		}
	}
	t.dirty = make(map[string]map[string]struct{})
	return out
}

// Requeue re-marks watermarks after a failed checkpoint.
func (t *Tracker) Requeue(statuses []model.ReadStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rs := range statuses {
		if _, ok := t.marks[rs.ConversationID][rs.UserID]; ok {
			t.markDirtyLocked(rs.ConversationID, rs.UserID)
		}
	}
}

func (t *Tracker) markDirtyLocked(convID, userID string) {
	if t.dirty[convID] == nil {
		t.dirty[convID] = make(map[string]struct{})
	}
	t.dirty[convID][userID] = struct{}{}
}
