package syncbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketSinkWritesJSONFrames(t *testing.T) {
	got := make(chan Record, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var rec Record
			if err := conn.ReadJSON(&rec); err != nil {
				return
			}
			got <- rec
		}
	}))
	defer srv.Close()

	sink, err := NewWebSocketSink(WebSocketOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("NewWebSocketSink: %v", err)
	}
	defer sink.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !sink.Online(ctx) {
		t.Fatalf("expected sink online")
	}
	if err := sink.Push(ctx, Record{Kind: KindMessage, ID: "m1", DeviceID: "dev-a"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case rec := <-got:
		if rec.ID != "m1" || rec.Kind != KindMessage || rec.DeviceID != "dev-a" {
			t.Fatalf("unexpected record %+v", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("record not received")
	}
}

func TestWebSocketSinkOfflineWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	sink, err := NewWebSocketSink(WebSocketOptions{URL: url, HandshakeTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewWebSocketSink: %v", err)
	}
	if sink.Online(context.Background()) {
		t.Fatalf("expected offline sink")
	}
	if err := sink.Push(context.Background(), Record{ID: "m1"}); err == nil {
		t.Fatalf("expected push error")
	}
}
