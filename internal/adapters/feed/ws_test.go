package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glowstream/livegrid/internal/core"
)

// feedServer upgrades one connection and records inbound pings.
func feedServer(t *testing.T, pings chan<- struct{}, send <-chan string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(appData string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})

		go func() {
			for msg := range send {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}()

		// Drain so control frames are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannelSendsKeepalivePings(t *testing.T) {
	pings := make(chan struct{}, 4)
	send := make(chan string)
	defer close(send)
	srv := feedServer(t, pings, send)
	defer srv.Close()

	f := New(wsURL(srv), 20*time.Millisecond)
	ch, err := f.Open(context.Background(), "live_streams")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping within the period")
	}
}

func TestChannelDeliversDecodedEvents(t *testing.T) {
	pings := make(chan struct{}, 4)
	send := make(chan string, 1)
	defer close(send)
	srv := feedServer(t, pings, send)
	defer srv.Close()

	f := New(wsURL(srv), time.Hour)
	ch, err := f.Open(context.Background(), "live_streams")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	send <- `{"type":"UPDATE","table":"live_streams","record":{"profile_id":"p1"}}`

	select {
	case ev := <-ch.Events():
		if ev.Type != core.EventUpdate {
			t.Errorf("type = %q, want UPDATE", ev.Type)
		}
		if ev.Topic != "live_streams" {
			t.Errorf("topic = %q", ev.Topic)
		}
		if len(ev.Record) == 0 {
			t.Error("record dropped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	// Close is idempotent and ends the stream.
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
