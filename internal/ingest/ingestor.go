package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/chat"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/model"
)

// DefaultUserID is the read-status principal used when a client command
// does not name one. All web clients of a bridge share the operator's
// read state unless they identify themselves.
const DefaultUserID = "operator"

// Session is the slice of the lifecycle manager the ingestor depends on.
type Session interface {
	Healthy() bool
	Identity() model.Identity
	Driver() driver.Driver
}

// Uploader pushes media bytes to the blob store.
type Uploader interface {
	Upload(ctx context.Context, data []byte, fileName, mimeType string) (string, error)
}

// Deps are the ingestor's collaborators.
type Deps struct {
	Session          Session
	Store            *chat.Store
	Tracker          *chat.Tracker
	Checkpoint       *chat.Checkpointer
	Blob             Uploader
	Bus              *bus.Bus
	Logger           *zap.Logger
	MediaTimeout     time.Duration
	MediaConcurrency int64
}

// Ingestor normalizes raw driver events into canonical messages: identity
// routing, dedup (delegated to the chat store's append key), the media
// pipeline, and monotone ack merging. It also carries the client-facing
// write operations (send, mark-read, delete) so every state change has a
// single component publishing its broadcasts.
type Ingestor struct {
	session      Session
	store        *chat.Store
	tracker      *chat.Tracker
	checkpoint   *chat.Checkpointer
	blob         Uploader
	bus          *bus.Bus
	logger       *zap.Logger
	mediaTimeout time.Duration

	mediaSem *semaphore.Weighted
	mediaWG  sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an ingestor.
func New(d Deps) *Ingestor {
	if d.MediaTimeout <= 0 {
		d.MediaTimeout = 30 * time.Second
	}
	if d.MediaConcurrency <= 0 {
		d.MediaConcurrency = 4
	}
	return &Ingestor{
		session:      d.Session,
		store:        d.Store,
		tracker:      d.Tracker,
		checkpoint:   d.Checkpoint,
		blob:         d.Blob,
		bus:          d.Bus,
		logger:       d.Logger,
		mediaTimeout: d.MediaTimeout,
		mediaSem:     semaphore.NewWeighted(d.MediaConcurrency),
		done:         make(chan struct{}),
	}
}

// Start subscribes to driver events on the bus and processes them until
// the context is canceled or Stop is called.
func (in *Ingestor) Start(ctx context.Context) {
	ctx, in.cancel = context.WithCancel(ctx)
	ch, unsub := in.bus.Subscribe("driver.", 256)

	go func() {
		defer close(in.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				in.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event loop and waits for in-flight media resolutions,
// each of which is bounded by the media timeout.
func (in *Ingestor) Stop() {
	if in.cancel == nil {
		return
	}
	in.cancel()
	<-in.done
	in.mediaWG.Wait()
}

func (in *Ingestor) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindDriverMessage:
		raw, ok := evt.Payload.(*driver.RawMessage)
		if !ok {
			return
		}
		in.Ingest(ctx, raw)
	case bus.KindDriverAck:
		ack, ok := evt.Payload.(driver.AckUpdated)
		if !ok {
			return
		}
		in.applyAck(ack)
	}
}

// Ingest normalizes one raw message and appends it to the chat store.
// Redelivery of a known (conversation, message) pair is a silent no-op.
// Media resolution runs off the event loop: the message lands right away
// without its attachment and the MediaRef is filled in once the download
// and upload finish, so one slow attachment never stalls other
// conversations.
func (in *Ingestor) Ingest(ctx context.Context, raw *driver.RawMessage) {
	if !in.routedToActiveIdentity(raw) {
		return
	}

	msg := model.Message{
		ID:             raw.MsgID,
		ConversationID: raw.ConversationID,
		Body:           raw.Body,
		CreatedAt:      raw.Timestamp,
	}
	var displayName string
	if raw.FromMe {
		msg.Direction = model.DirectionOutbound
		msg.Ack = model.AckSent
	} else {
		msg.Direction = model.DirectionInbound
		msg.Ack = model.AckDelivered
		msg.SenderName = raw.SenderName
		displayName = raw.SenderName
	}

	conv, appended := in.store.Append(msg, displayName)
	if !appended {
		in.logger.Debug("duplicate message ignored",
			zap.String("conversation", raw.ConversationID),
			zap.String("msg_id", raw.MsgID))
		return
	}
	stored := conv.Messages[len(conv.Messages)-1]

	in.bus.Emit(bus.KindMessageAppended, stored)
	in.publishConversation(conv)
	if raw.Media != nil {
		in.resolveMediaAsync(ctx, raw)
	}
}

// routedToActiveIdentity rejects events addressed to a different account
// than the one currently bound to the session. They show up when an
// identity switch races buffered events from the old driver.
func (in *Ingestor) routedToActiveIdentity(raw *driver.RawMessage) bool {
	active := in.session.Identity().AccountID
	if raw.AccountID == "" || active == "" || raw.AccountID == active {
		return true
	}
	in.logger.Warn("dropping message for inactive identity",
		zap.String("event_account", raw.AccountID),
		zap.String("active_account", active),
		zap.String("msg_id", raw.MsgID))
	return false
}

func (in *Ingestor) applyAck(ack driver.AckUpdated) {
	msg, changed := in.store.ApplyAck(ack.ConversationID, ack.MsgID, ack.Level)
	if changed {
		in.bus.Emit(bus.KindMessageAckUpdated, msg)
		return
	}
	if msg.ID == "" {
		in.logger.Warn("ack for unknown message ignored",
			zap.String("conversation", ack.ConversationID),
			zap.String("msg_id", ack.MsgID),
			zap.String("level", string(ack.Level)))
	}
	// Stale (non-superseding) acks are silently dropped.
}

// MarkRead advances a read watermark and broadcasts the change.
func (in *Ingestor) MarkRead(convID, userID, msgID string, at time.Time) (model.ReadStatus, bool) {
	if userID == "" {
		userID = DefaultUserID
	}
	rs, changed := in.tracker.MarkRead(convID, userID, msgID, at)
	if changed {
		in.bus.Emit(bus.KindReadStatusUpdated, rs)
		if conv, ok := in.store.Get(convID); ok {
			in.publishConversation(conv)
		}
	}
	return rs, changed
}

// ClearUnread marks a conversation read to its latest message.
func (in *Ingestor) ClearUnread(convID, userID string) (model.ReadStatus, bool) {
	if userID == "" {
		userID = DefaultUserID
	}
	rs, changed := in.tracker.ClearUnread(convID, userID)
	if changed {
		in.bus.Emit(bus.KindReadStatusUpdated, rs)
		if conv, ok := in.store.Get(convID); ok {
			in.publishConversation(conv)
		}
	}
	return rs, changed
}

// DeleteConversation removes a conversation everywhere: memory, read
// watermarks, and (via a triggered checkpoint) sqlite.
func (in *Ingestor) DeleteConversation(convID string) bool {
	if !in.store.Delete(convID) {
		return false
	}
	in.tracker.Forget(convID)
	in.bus.Emit(bus.KindConversationDeleted, convID)
	if in.checkpoint != nil {
		in.checkpoint.Trigger()
	}
	return true
}

// publishConversation broadcasts a conversation snapshot with the derived
// unread count attached.
func (in *Ingestor) publishConversation(conv model.Conversation) {
	conv.UnreadCount = in.tracker.UnreadCount(conv.ID, DefaultUserID)
	in.bus.Emit(bus.KindConversationUpdated, conv)
}

// MediaFailure is the bus payload for a message whose attachment could not
// be resolved.
type MediaFailure struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Reason         string `json:"reason"`
}
