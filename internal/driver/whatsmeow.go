package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hotwellkz/wabridge/internal/model"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Whatsmeow is the whatsmeow-backed Driver. It translates upstream client
// events into the bridge's typed event set and rate-limits outbound sends.
type Whatsmeow struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu      sync.RWMutex
	handler Handler
}

// NewWhatsmeow creates a driver backed by the credential store at dbPath.
// The upstream event handler is registered exactly once here; SetHandler
// only swaps the dispatch target.
func NewWhatsmeow(ctx context.Context, dbPath string, limiter *rate.Limiter, logger *zap.Logger) (*Whatsmeow, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WABridge", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	d := &Whatsmeow{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger:    logger,
		limiter:   limiter,
	}
	d.client.AddEventHandler(d.dispatch)
	return d, nil
}

// SetHandler registers the event handler target.
func (d *Whatsmeow) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *Whatsmeow) emit(evt Event) {
	d.mu.RLock()
	h := d.handler
	d.mu.RUnlock()
	if h != nil {
		h(evt)
	}
}

// Initialize connects the session, driving the QR pairing flow when no
// credentials exist yet.
func (d *Whatsmeow) Initialize(ctx context.Context) error {
	if d.IsLoggedIn() {
		d.logger.Info("connecting with stored credentials")
		return d.client.Connect()
	}

	d.logger.Info("no credentials, starting pairing flow")
	qrChan, err := d.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := d.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				d.emit(PairingChallenge{Code: item.Code})
			case "success":
				d.emit(Authenticated{})
				return
			case "timeout":
				d.emit(AuthFailed{Err: fmt.Errorf("pairing challenge timed out")})
				return
			default:
				if item.Error != nil {
					d.emit(AuthFailed{Err: item.Error})
					return
				}
			}
		}
	}()

	return nil
}

// Destroy disconnects the client.
func (d *Whatsmeow) Destroy() {
	d.client.Disconnect()
}

// Logout invalidates the stored credentials.
func (d *Whatsmeow) Logout(ctx context.Context) error {
	return d.client.Logout(ctx)
}

// IsConnected reports whether the socket is up.
func (d *Whatsmeow) IsConnected() bool {
	return d.client.IsConnected()
}

// IsLoggedIn reports whether credentials exist.
func (d *Whatsmeow) IsLoggedIn() bool {
	return d.client.Store.ID != nil
}

// Identity returns the bound account's id, display name and avatar URL.
func (d *Whatsmeow) Identity(ctx context.Context) (model.Identity, error) {
	if d.client.Store.ID == nil {
		return model.Identity{}, fmt.Errorf("no account identity: not logged in")
	}
	own := d.client.Store.ID.ToNonAD()
	id := model.Identity{
		AccountID:   own.User,
		DisplayName: d.client.Store.PushName,
	}
	if info, err := d.client.GetProfilePictureInfo(ctx, own, &whatsmeow.GetProfilePictureParams{Preview: true}); err == nil && info != nil {
		id.AvatarURL = info.URL
	}
	return id, nil
}

// SendText sends a text message. Returns the server message ID.
func (d *Whatsmeow) SendText(ctx context.Context, jid, body string) (string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return "", err
	}
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := d.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// SendMedia uploads the bytes to the network and sends them as an image or
// document message depending on MIME type.
func (d *Whatsmeow) SendMedia(ctx context.Context, jid string, media OutboundMedia) (string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return "", err
	}
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}

	var msg *waE2E.Message
	if strings.HasPrefix(media.MimeType, "image/") {
		up, err := d.client.Upload(ctx, media.Bytes, whatsmeow.MediaImage)
		if err != nil {
			return "", fmt.Errorf("upload image: %w", err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	} else {
		up, err := d.client.Upload(ctx, media.Bytes, whatsmeow.MediaDocument)
		if err != nil {
			return "", fmt.Errorf("upload document: %w", err)
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(media.FileName),
			FileName:      proto.String(media.FileName),
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}

	resp, err := d.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	return resp.ID, nil
}

// DownloadMedia fetches the raw media bytes attached to a message event.
func (d *Whatsmeow) DownloadMedia(ctx context.Context, msg *RawMessage) ([]byte, error) {
	dl, ok := msg.dl.(whatsmeow.DownloadableMessage)
	if !ok || dl == nil {
		return nil, fmt.Errorf("message %s has no downloadable media", msg.MsgID)
	}
	data, err := d.client.Download(ctx, dl)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

// FetchAvatar returns a contact's avatar URL.
func (d *Whatsmeow) FetchAvatar(ctx context.Context, jid string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	info, err := d.client.GetProfilePictureInfo(ctx, to, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		return "", fmt.Errorf("fetch avatar: %w", err)
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// dispatch translates upstream whatsmeow events into bridge driver events.
// This is the only registration point for upstream events.
func (d *Whatsmeow) dispatch(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		raw := parseMessage(evt, d.accountID())
		if evt.Info.IsFromMe {
			d.emit(OutboundEcho{Msg: raw})
		} else {
			d.emit(Inbound{Msg: raw})
		}
	case *events.Receipt:
		level := receiptLevel(evt.Type)
		if level == "" {
			return
		}
		for _, id := range evt.MessageIDs {
			d.emit(AckUpdated{
				ConversationID: evt.Chat.String(),
				MsgID:          id,
				Level:          level,
			})
		}
	case *events.Connected:
		if d.client.Store.PushName != "" {
			_ = d.client.SendPresence(context.Background(), types.PresenceAvailable)
		}
		identity, err := d.Identity(context.Background())
		if err != nil {
			d.logger.Warn("connected but identity unavailable", zap.Error(err))
		}
		d.emit(Ready{Identity: identity})
	case *events.Disconnected:
		d.emit(Disconnected{Reason: "connection lost"})
	case *events.StreamReplaced:
		d.emit(Disconnected{Reason: "stream replaced by another client"})
	case *events.LoggedOut:
		d.emit(AuthFailed{Err: fmt.Errorf("logged out: %s", evt.Reason.String())})
	}
}

func (d *Whatsmeow) accountID() string {
	if d.client.Store.ID == nil {
		return ""
	}
	return d.client.Store.ID.ToNonAD().User
}

func receiptLevel(t types.ReceiptType) model.AckLevel {
	switch t {
	case types.ReceiptTypeDelivered:
		return model.AckDelivered
	case types.ReceiptTypeRead:
		return model.AckRead
	default:
		return ""
	}
}
