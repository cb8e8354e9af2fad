package ingest

import (
	"context"
	"fmt"
	"mime"

	"go.uber.org/zap"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/model"
)

// resolveMediaAsync runs the media pipeline for one raw message in the
// background, bounded by a weighted semaphore so a burst of attachments
// does not fan out unbounded. On success the reference is attached to the
// already-appended message and the change broadcast; on failure the
// message stays without its attachment and the failure goes out on the
// bus. Never blocks the caller.
func (in *Ingestor) resolveMediaAsync(ctx context.Context, raw *driver.RawMessage) {
	in.mediaWG.Add(1)
	go func() {
		defer in.mediaWG.Done()
		if err := in.mediaSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer in.mediaSem.Release(1)

		ref, merr := in.resolveMedia(ctx, raw)
		if merr != nil {
			in.logger.Warn("media pipeline failed",
				zap.String("conversation", raw.ConversationID),
				zap.String("msg_id", raw.MsgID),
				zap.Error(merr))
			in.bus.Emit(bus.KindMessageMediaFailed, MediaFailure{
				ConversationID: raw.ConversationID,
				MessageID:      raw.MsgID,
				Reason:         merr.Error(),
			})
			return
		}

		msg, ok := in.store.SetMessageMedia(raw.ConversationID, raw.MsgID, ref)
		if !ok {
			// Conversation deleted while the media was in flight.
			return
		}
		in.bus.Emit(bus.KindMessageMediaResolved, msg)
		if conv, ok := in.store.Get(raw.ConversationID); ok {
			in.publishConversation(conv)
		}
	}()
}

// resolveMedia downloads the bytes from the driver, infers a file name,
// uploads to the blob store and returns the resulting reference. Every
// step is bounded by the media timeout.
func (in *Ingestor) resolveMedia(ctx context.Context, raw *driver.RawMessage) (*model.MediaRef, *MediaProcessingError) {
	ctx, cancel := context.WithTimeout(ctx, in.mediaTimeout)
	defer cancel()

	drv := in.session.Driver()
	if drv == nil {
		return nil, &MediaProcessingError{MessageID: raw.MsgID, Stage: "download", Err: errNoDriver}
	}
	data, err := drv.DownloadMedia(ctx, raw)
	if err != nil {
		return nil, &MediaProcessingError{MessageID: raw.MsgID, Stage: "download", Err: err}
	}

	fileName := mediaFileName(raw)
	url, err := in.blob.Upload(ctx, data, fileName, raw.Media.MimeType)
	if err != nil {
		return nil, &MediaProcessingError{MessageID: raw.MsgID, Stage: "upload", Err: err}
	}

	return &model.MediaRef{
		URL:             url,
		MimeType:        raw.Media.MimeType,
		FileName:        fileName,
		ByteSize:        int64(len(data)),
		Voice:           raw.Media.Voice,
		DurationSeconds: raw.Media.Seconds,
	}, nil
}

var errNoDriver = fmt.Errorf("no active driver")

// mediaFileName keeps the original file name when the network provides
// one, otherwise synthesizes kind-msgid.ext from the MIME type.
func mediaFileName(raw *driver.RawMessage) string {
	if raw.Media.FileName != "" {
		return raw.Media.FileName
	}
	ext := extensionFor(raw.Media.MimeType)
	kind := raw.Media.Kind
	if kind == "" {
		kind = "media"
	}
	return fmt.Sprintf("%s-%s%s", kind, raw.MsgID, ext)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	// Common WhatsApp media types whose mime registrations are flaky
	// across platforms.
	case "audio/ogg; codecs=opus", "audio/ogg":
		return ".ogg"
	case "image/jpeg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
