package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/chat"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/ingest"
	"github.com/hotwellkz/wabridge/internal/lifecycle"
	"github.com/hotwellkz/wabridge/internal/model"
)

// Commands are the client-triggered write operations, implemented by the
// ingestor.
type Commands interface {
	Send(ctx context.Context, jid, body string) (model.Message, error)
	SendMedia(ctx context.Context, jid string, media driver.OutboundMedia) (model.Message, error)
	MarkRead(convID, userID, msgID string, at time.Time) (model.ReadStatus, bool)
	ClearUnread(convID, userID string) (model.ReadStatus, bool)
	DeleteConversation(convID string) bool
}

// SessionSource exposes the current session snapshot for replay.
type SessionSource interface {
	Session() lifecycle.SessionInfo
}

// Command is a client request over the websocket.
type Command struct {
	Action         string        `json:"action"`
	ConversationID string        `json:"conversationId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	MessageID      string        `json:"messageId,omitempty"`
	Body           string        `json:"body,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
}

// MediaPayload carries outbound media bytes (base64 over the wire).
type MediaPayload struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption,omitempty"`
}

// snapshot is the catch-up envelope sent to every new client.
type snapshot struct {
	Session       lifecycle.SessionInfo `json:"session"`
	Conversations []model.Conversation  `json:"conversations"`
}

// Hub fans bridge events out to connected web clients. It subscribes to
// the whole bus and forwards everything except the internal driver.*
// namespace, serialized as the event envelope {kind, timestamp, payload}.
// New clients get a snapshot of the session and conversation list first,
// so at-least-once delivery on top of it is enough to stay current.
type Hub struct {
	bus     *bus.Bus
	logger  *zap.Logger
	cmds    Commands
	store   *chat.Store
	tracker *chat.Tracker
	session SessionSource

	register   chan *Client
	unregister chan *Client
	replies    chan reply
	clients    map[string]*Client

	cancel context.CancelFunc
	done   chan struct{}
}

// reply is a direct response to one client's command, routed through the
// loop so that only the loop goroutine ever touches a client's send
// channel lifecycle.
type reply struct {
	client *Client
	data   []byte
}

// New creates a hub.
func New(b *bus.Bus, logger *zap.Logger, cmds Commands, store *chat.Store, tracker *chat.Tracker, session SessionSource) *Hub {
	return &Hub{
		bus:        b,
		logger:     logger,
		cmds:       cmds,
		store:      store,
		tracker:    tracker,
		session:    session,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		replies:    make(chan reply, 64),
		clients:    make(map[string]*Client),
		done:       make(chan struct{}),
	}
}

// Start runs the fan-out loop until the context is canceled or Stop is
// called.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.bus.Subscribe("", 256)

	go func() {
		defer close(h.done)
		defer unsub()
		for {
			select {
			case client := <-h.register:
				h.clients[client.ID] = client
				h.sendSnapshot(client)
				h.logger.Info("web client connected",
					zap.String("client", client.ID),
					zap.Int("clients", len(h.clients)))

			case client := <-h.unregister:
				if _, ok := h.clients[client.ID]; ok {
					delete(h.clients, client.ID)
					close(client.send)
					h.logger.Info("web client disconnected",
						zap.String("client", client.ID),
						zap.Int("clients", len(h.clients)))
				}

			case evt := <-ch:
				h.broadcast(evt)

			case r := <-h.replies:
				if _, ok := h.clients[r.client.ID]; ok {
					r.client.deliver(r.data)
				}

			case <-ctx.Done():
				for _, client := range h.clients {
					close(client.send)
					_ = client.conn.Close()
				}
				h.clients = make(map[string]*Client)
				return
			}
		}
	}()
}

// Stop shuts the loop down and disconnects every client.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

// Attach registers a fresh websocket connection and blocks until it
// drops. Called from the fiber websocket handler.
func (h *Hub) Attach(conn Conn) {
	client := newClient(conn)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	client.readPump(h)
}

// detach unregisters a client, tolerating a hub that already stopped.
func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) broadcast(evt bus.Event) {
	// driver.* is plumbing between the manager and the ingestor, not a
	// client-facing event.
	if strings.HasPrefix(evt.Kind, "driver.") {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("unserializable event", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	for _, client := range h.clients {
		if !client.deliver(data) {
			h.logger.Debug("slow client missed event",
				zap.String("client", client.ID),
				zap.String("kind", evt.Kind))
		}
	}
}

func (h *Hub) sendSnapshot(client *Client) {
	convs := h.store.List()
	counts := h.tracker.UnreadCountsForAll(ingest.DefaultUserID)
	for i := range convs {
		convs[i].UnreadCount = counts[convs[i].ID]
	}
	data, err := json.Marshal(bus.Event{
		Kind:      "snapshot",
		Timestamp: time.Now(),
		Payload: snapshot{
			Session:       h.session.Session(),
			Conversations: convs,
		},
	})
	if err != nil {
		h.logger.Error("snapshot marshal failed", zap.Error(err))
		return
	}
	client.deliver(data)
}

// commandTimeout bounds one client command end to end, covering the send
// rate limiter and the driver call. A wedged send must not pin the
// client's read loop.
const commandTimeout = 30 * time.Second

func (h *Hub) handleCommand(client *Client, cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	var err error
	switch cmd.Action {
	case "send":
		_, err = h.cmds.Send(ctx, cmd.ConversationID, cmd.Body)
	case "send_media":
		if cmd.Media == nil {
			err = errMissingMedia
			break
		}
		_, err = h.cmds.SendMedia(ctx, cmd.ConversationID, driver.OutboundMedia{
			Bytes:    cmd.Media.Data,
			MimeType: cmd.Media.MimeType,
			FileName: cmd.Media.FileName,
			Caption:  cmd.Media.Caption,
		})
	case "mark_read":
		h.cmds.MarkRead(cmd.ConversationID, cmd.UserID, cmd.MessageID, time.Now())
	case "clear_unread":
		h.cmds.ClearUnread(cmd.ConversationID, cmd.UserID)
	case "delete":
		h.cmds.DeleteConversation(cmd.ConversationID)
	default:
		h.logger.Warn("unknown client command",
			zap.String("client", client.ID),
			zap.String("action", cmd.Action))
		return
	}

	if err != nil {
		h.logger.Warn("client command failed",
			zap.String("client", client.ID),
			zap.String("action", cmd.Action),
			zap.Error(err))
		h.sendError(client, cmd.Action, err)
	}
}

func (h *Hub) sendError(client *Client, action string, err error) {
	data, merr := json.Marshal(bus.Event{
		Kind:      "error",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"action":  action,
			"message": err.Error(),
		},
	})
	if merr != nil {
		return
	}
	select {
	case h.replies <- reply{client: client, data: data}:
	case <-h.done:
	}
}

var errMissingMedia = errors.New("send_media command without media payload")
