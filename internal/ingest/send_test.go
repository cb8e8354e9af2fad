package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/lifecycle"
	"github.com/hotwellkz/wabridge/internal/model"
)

func TestSendRequiresHealthySession(t *testing.T) {
	f := newFixture(t)
	f.session.healthy = false

	_, err := f.in.Send(context.Background(), "alice@s.whatsapp.net", "hi")
	if !errors.Is(err, lifecycle.ErrSessionNotReady) {
		t.Errorf("err = %v, want ErrSessionNotReady", err)
	}
}

func TestSendAppendsOptimistic(t *testing.T) {
	f := newFixture(t)
	f.session.drv = &stubDriver{
		sendText: func(ctx context.Context, jid, body string) (string, error) {
			if jid != "alice@s.whatsapp.net" || body != "hi there" {
				t.Errorf("send got jid=%s body=%q", jid, body)
			}
			return "srv-1", nil
		},
	}

	msg, err := f.in.Send(context.Background(), "alice@s.whatsapp.net", "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "srv-1" || msg.Direction != model.DirectionOutbound || msg.Ack != model.AckSent {
		t.Errorf("message = %+v", msg)
	}
	if msg.Seq != 1 {
		t.Errorf("seq = %d", msg.Seq)
	}

	// The network echo of the same message deduplicates.
	echo := rawInbound("srv-1", "hi there")
	echo.FromMe = true
	f.in.Ingest(context.Background(), echo)
	conv, _ := f.store.Get("alice@s.whatsapp.net")
	if len(conv.Messages) != 1 {
		t.Errorf("echo duplicated the sent message: %d messages", len(conv.Messages))
	}
}

func TestSendDriverError(t *testing.T) {
	f := newFixture(t)
	f.session.drv = &stubDriver{
		sendText: func(ctx context.Context, jid, body string) (string, error) {
			return "", errors.New("rate limited")
		},
	}

	if _, err := f.in.Send(context.Background(), "alice@s.whatsapp.net", "hi"); err == nil {
		t.Fatal("expected driver error")
	}
	if f.store.Len() != 0 {
		t.Error("failed send must not append")
	}
}

func TestSendMediaUploadsToBlob(t *testing.T) {
	f := newFixture(t)
	media := driver.OutboundMedia{
		Bytes:    []byte("pngbytes"),
		MimeType: "image/png",
		FileName: "pic.png",
		Caption:  "look",
	}

	msg, err := f.in.SendMedia(context.Background(), "alice@s.whatsapp.net", media)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "look" || msg.Media == nil || msg.Media.URL != "https://blob.example/file" {
		t.Errorf("message = %+v", msg)
	}
	if f.blob.gotName != "pic.png" {
		t.Errorf("blob got name = %s", f.blob.gotName)
	}
}

func TestSendMediaSurvivesBlobFailure(t *testing.T) {
	f := newFixture(t)
	f.blob.err = errors.New("blob down")

	msg, err := f.in.SendMedia(context.Background(), "alice@s.whatsapp.net", driver.OutboundMedia{
		Bytes: []byte("x"), MimeType: "image/png", FileName: "a.png",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Media != nil {
		t.Error("failed upload must leave a nil ref")
	}
	conv, _ := f.store.Get("alice@s.whatsapp.net")
	if len(conv.Messages) != 1 {
		t.Error("message must still be appended")
	}
}
