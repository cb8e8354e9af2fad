package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer func() { _ = file.Close() }()
		if header.Filename != "voice.ogg" {
			t.Errorf("filename = %s", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "audio/ogg" {
			t.Errorf("part content-type = %s", ct)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "oggbytes" {
			t.Errorf("body = %q", data)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"url":"https://blob.example/voice.ogg"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	url, err := c.Upload(context.Background(), []byte("oggbytes"), "voice.ogg", "audio/ogg")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://blob.example/voice.ogg" {
		t.Errorf("url = %s", url)
	}
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Upload(context.Background(), []byte("x"), "a.bin", "application/octet-stream"); err == nil {
		t.Fatal("expected error for rejected upload")
	}
}

func TestUploadTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, 50*time.Millisecond)
	if _, err := c.Upload(context.Background(), []byte("x"), "a.bin", "application/octet-stream"); err == nil {
		t.Fatal("expected timeout error")
	}
}
