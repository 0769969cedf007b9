package sse_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/sse"
)

type payload struct {
	Name string `json:"name"`
	Seq  int    `json:"seq"`
}

func TestStreamWritesFrames(t *testing.T) {
	log := logger.NewDefault("test")
	ch := make(chan payload, 2)
	ch <- payload{Name: "a", Seq: 1}
	ch <- payload{Name: "b", Seq: 2}
	close(ch)

	rr := httptest.NewRecorder()
	sse.Stream(rr, httptest.NewRequest("GET", "/stream", http.NoBody), log, ch)

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`data: {"name":"a","seq":1}`,
		`data: {"name":"b","seq":2}`,
		"event: done",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, `"seq":1`) > strings.Index(body, `"seq":2`) {
		t.Fatal("frames out of order")
	}
}

func TestStreamStopsOnDisconnect(t *testing.T) {
	log := logger.NewDefault("test")
	ch := make(chan payload)

	req := httptest.NewRequest("GET", "/stream", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)

	done := make(chan struct{})
	rr := httptest.NewRecorder()
	go func() {
		sse.Stream(rr, req, log, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stream did not return after context cancellation")
	}
	if strings.Contains(rr.Body.String(), "event: done") {
		t.Fatal("disconnected stream should not write a done frame")
	}
}
