package chat

import (
	"sort"
	"sync"

	"github.com/hotwellkz/wabridge/internal/model"
)

// Store is the authoritative in-memory conversation state. Messages are
// append-only and ordered by a per-conversation sequence number assigned
// here; only acks and late-arriving media refs are mutated after append.
// Readers always get snapshot copies. Durability is the checkpointer's
// job: the store tracks which conversations changed since the last flush.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*model.Conversation
	index   map[string]map[string]int // conversation id -> msg id -> slice index
	seq     map[string]int64
	dirty   map[string]struct{}
	deleted map[string]struct{}
}

// NewStore creates an empty chat store.
func NewStore() *Store {
	return &Store{
		convs:   make(map[string]*model.Conversation),
		index:   make(map[string]map[string]int),
		seq:     make(map[string]int64),
		dirty:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

// Load seeds the store from persisted conversations at cold start. Sequence
// counters resume from the highest persisted seq. Loaded state is not
// marked dirty.
func (s *Store) Load(convs []model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range convs {
		c := convs[i]
		s.convs[c.ID] = &c
		idx := make(map[string]int, len(c.Messages))
		for j, m := range c.Messages {
			idx[m.ID] = j
			if m.Seq > s.seq[c.ID] {
				s.seq[c.ID] = m.Seq
			}
		}
		s.index[c.ID] = idx
	}
}

// Append adds a message to its conversation, creating the conversation on
// first contact. The dedup key is (conversation id, message id): appending
// an already-known message is a no-op and returns appended=false with the
// current snapshot. displayName updates the conversation name when
// non-empty.
func (s *Store) Append(msg model.Message, displayName string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		conv = &model.Conversation{ID: msg.ConversationID}
		s.convs[msg.ConversationID] = conv
		s.index[msg.ConversationID] = make(map[string]int)
	}
	if displayName != "" {
		conv.DisplayName = displayName
	}

	if _, dup := s.index[msg.ConversationID][msg.ID]; dup {
		return s.snapshotLocked(conv), false
	}

	s.seq[msg.ConversationID]++
	msg.Seq = s.seq[msg.ConversationID]
	s.index[msg.ConversationID][msg.ID] = len(conv.Messages)
	conv.Messages = append(conv.Messages, msg)
	if msg.CreatedAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = msg.CreatedAt
	}
	conv.LastPreview = preview(msg)
	s.dirty[conv.ID] = struct{}{}

	return s.snapshotLocked(conv), true
}

// ApplyAck merges an ack level into a message. Levels only move forward:
// a stale or duplicate ack returns changed=false. Unknown conversation or
// message ids also return false; the caller decides whether that is worth
// logging.
func (s *Store) ApplyAck(convID, msgID string, level model.AckLevel) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return model.Message{}, false
	}
	i, ok := s.index[convID][msgID]
	if !ok {
		return model.Message{}, false
	}
	if !level.Supersedes(conv.Messages[i].Ack) {
		return conv.Messages[i], false
	}
	conv.Messages[i].Ack = level
	s.dirty[convID] = struct{}{}
	return conv.Messages[i], true
}

// SetMessageMedia attaches a media reference to a message once the media
// pipeline resolves it. Returns the updated message. A message that was
// deleted in the meantime, or that already carries a ref, is left alone.
func (s *Store) SetMessageMedia(convID, msgID string, ref *model.MediaRef) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return model.Message{}, false
	}
	i, ok := s.index[convID][msgID]
	if !ok || conv.Messages[i].Media != nil {
		return model.Message{}, false
	}
	conv.Messages[i].Media = ref
	if i == len(conv.Messages)-1 && conv.Messages[i].Body == "" {
		conv.LastPreview = preview(conv.Messages[i])
	}
	s.dirty[convID] = struct{}{}
	return conv.Messages[i], true
}

// Get returns a snapshot of one conversation.
func (s *Store) Get(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return s.snapshotLocked(conv), true
}

// List returns snapshots of all conversations, most recently active first.
func (s *Store) List() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, s.snapshotLocked(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// SetAvatarURL updates a conversation's avatar and marks it for checkpoint.
func (s *Store) SetAvatarURL(id, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || conv.AvatarURL == url {
		return false
	}
	conv.AvatarURL = url
	s.dirty[id] = struct{}{}
	return true
}

// Delete removes a conversation and schedules its removal from the
// durable layer on the next checkpoint.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return false
	}
	delete(s.convs, id)
	delete(s.index, id)
	delete(s.seq, id)
	delete(s.dirty, id)
	s.deleted[id] = struct{}{}
	return true
}

// LatestMessage returns the newest message of a conversation, if any.
func (s *Store) LatestMessage(id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok || len(conv.Messages) == 0 {
		return model.Message{}, false
	}
	return conv.Messages[len(conv.Messages)-1], true
}

// Drain returns snapshots of every conversation changed since the last
// drain plus the ids deleted since then, and clears both sets. If the
// caller fails to persist, Requeue puts them back.
func (s *Store) Drain() ([]model.Conversation, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []model.Conversation
	for id := range s.dirty {
		if conv, ok := s.convs[id]; ok {
			changed = append(changed, s.snapshotLocked(conv))
		}
	}
	var deleted []string
	for id := range s.deleted {
		deleted = append(deleted, id)
	}
	s.dirty = make(map[string]struct{})
	s.deleted = make(map[string]struct{})
	return changed, deleted
}

// Requeue re-marks conversations after a failed checkpoint so the next
// flush retries them. Dirty ids that no longer exist are dropped.
func (s *Store) Requeue(dirty []model.Conversation, deleted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range dirty {
		if _, ok := s.convs[c.ID]; ok {
			s.dirty[c.ID] = struct{}{}
		}
	}
	for _, id := range deleted {
		s.deleted[id] = struct{}{}
	}
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// snapshotLocked deep-copies the message slice; messages themselves are
// value types, and a MediaRef is only ever swapped in whole, never
// mutated in place.
func (s *Store) snapshotLocked(conv *model.Conversation) model.Conversation {
	out := *conv
	out.Messages = make([]model.Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	return out
}

func preview(msg model.Message) string {
	if msg.Body != "" {
		return msg.Body
	}
	if msg.Media != nil && msg.Media.FileName != "" {
		return msg.Media.FileName
	}
	return "[media]"
}
