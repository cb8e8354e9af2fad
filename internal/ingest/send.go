package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/lifecycle"
	"github.com/hotwellkz/wabridge/internal/model"
)

// Send delivers a text message through the driver and appends it to the
// conversation. Fails fast with ErrSessionNotReady when the session is not
// healthy. The driver's own echo of the message deduplicates against the
// optimistic append.
func (in *Ingestor) Send(ctx context.Context, jid, body string) (model.Message, error) {
	if !in.session.Healthy() {
		return model.Message{}, lifecycle.ErrSessionNotReady
	}
	drv := in.session.Driver()
	if drv == nil {
		return model.Message{}, lifecycle.ErrSessionNotReady
	}

	msgID, err := drv.SendText(ctx, jid, body)
	if err != nil {
		return model.Message{}, fmt.Errorf("send text: %w", err)
	}

	msg := model.Message{
		ID:             msgID,
		ConversationID: jid,
		Direction:      model.DirectionOutbound,
		Body:           body,
		CreatedAt:      time.Now(),
		// The send call returning means the server took the message.
		Ack: model.AckSent,
	}
	return in.appendOutbound(msg)
}

// SendMedia uploads the bytes to the blob store for the web clients'
// record, then delivers them through the driver. A failed blob upload does
// not block the send; the appended message just lacks its MediaRef.
func (in *Ingestor) SendMedia(ctx context.Context, jid string, media driver.OutboundMedia) (model.Message, error) {
	if !in.session.Healthy() {
		return model.Message{}, lifecycle.ErrSessionNotReady
	}
	drv := in.session.Driver()
	if drv == nil {
		return model.Message{}, lifecycle.ErrSessionNotReady
	}

	msgID, err := drv.SendMedia(ctx, jid, media)
	if err != nil {
		return model.Message{}, fmt.Errorf("send media: %w", err)
	}

	msg := model.Message{
		ID:             msgID,
		ConversationID: jid,
		Direction:      model.DirectionOutbound,
		Body:           media.Caption,
		CreatedAt:      time.Now(),
		Ack:            model.AckSent,
	}

	uctx, cancel := context.WithTimeout(ctx, in.mediaTimeout)
	defer cancel()
	if url, uerr := in.blob.Upload(uctx, media.Bytes, media.FileName, media.MimeType); uerr == nil {
		msg.Media = &model.MediaRef{
			URL:      url,
			MimeType: media.MimeType,
			FileName: media.FileName,
			ByteSize: int64(len(media.Bytes)),
		}
	} else {
		in.logger.Warn("blob upload for outbound media failed",
			zap.String("msg_id", msgID),
			zap.Error(uerr))
		in.bus.Emit(bus.KindMessageMediaFailed, MediaFailure{
			ConversationID: jid,
			MessageID:      msgID,
			Reason:         uerr.Error(),
		})
	}
	return in.appendOutbound(msg)
}

func (in *Ingestor) appendOutbound(msg model.Message) (model.Message, error) {
	conv, appended := in.store.Append(msg, "")
	if !appended {
		// The echo beat us to it; the stored copy wins.
		for _, m := range conv.Messages {
			if m.ID == msg.ID {
				return m, nil
			}
		}
		return msg, nil
	}
	stored := conv.Messages[len(conv.Messages)-1]
	in.bus.Emit(bus.KindMessageAppended, stored)
	in.publishConversation(conv)
	return stored, nil
}
