package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scriptroom/collab-sync/server"
)

func startRelay(t *testing.T) string {
	t.Helper()
	hub := server.NewHub()
	go hub.Run()
	srv := httptest.NewServer(server.NewHandler(hub, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialRelay(t *testing.T, url string) *WebsocketTransport {
	t.Helper()
	tr, err := DialWebsocket(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestWebsocketTransport_PublishSubscribe(t *testing.T) {
	url := startRelay(t)
	t1 := dialRelay(t, url)
	t2 := dialRelay(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub, err := t2.Subscribe(ctx, "doc:ws")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := t1.Subscribe(ctx, "doc:ws"); err != nil {
		t.Fatal(err)
	}

	frame := []byte(`{"event":"update","payload":{"update":"aGk=","originId":"r1","timestamp":1}}`)
	if err := t1.Publish(ctx, "doc:ws", frame); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Channel != "doc:ws" || string(msg.Data) != string(frame) {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for relayed frame")
	}
}

func TestWebsocketTransport_NoEchoToPublisher(t *testing.T) {
	url := startRelay(t)
	t1 := dialRelay(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub, err := t1.Subscribe(ctx, "doc:ws")
	if err != nil {
		t.Fatal(err)
	}
	if err := t1.Publish(ctx, "doc:ws", []byte(`{"event":"presence","payload":{}}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("relay echoed frame to publisher: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWebsocketTransport_AdaptersEndToEnd(t *testing.T) {
	url := startRelay(t)
	t1 := dialRelay(t, url)
	t2 := dialRelay(t, url)
	ctx := context.Background()

	a, logA, _ := newTestAdapter(t, "ws-doc", "ra", t1, fastConfig())
	_, logB, _ := newTestAdapter(t, "ws-doc", "rb", t2, fastConfig())

	if err := a.ApplyLocal(ctx, localUpdate(t, logA, "over the wire")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return logB.Len() == 1 }, "update never crossed the relay")
	if got := string(logB.Render()); got != "over the wire" {
		t.Errorf("peer document = %q", got)
	}
}

// Every subscriber on a channel must wait for the relay's ack, not just the
// one that sent the subscribe; otherwise a later caller can publish before
// the relay has the channel open and miss the responses.
func TestWebsocketTransport_SubscribersWaitForAck(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg server.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		<-release
		conn.WriteJSON(server.ServerMessage{Type: server.MsgSubscribed, Channel: msg.Channel})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	tr := dialRelay(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	errs := make(chan error, 2)
	go func() {
		_, err := tr.Subscribe(context.Background(), "doc:slow")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		_, err := tr.Subscribe(context.Background(), "doc:slow")
		errs <- err
	}()

	select {
	case <-errs:
		t.Fatal("subscribe returned before the relay acked")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("subscribe never completed after the ack")
		}
	}
}

func TestWebsocketTransport_SubscribeAfterClose(t *testing.T) {
	url := startRelay(t)
	tr := dialRelay(t, url)
	tr.Close()

	if _, err := tr.Subscribe(context.Background(), "doc:x"); err == nil {
		t.Error("expected error subscribing on closed transport")
	}
	if err := tr.Publish(context.Background(), "doc:x", []byte("{}")); err == nil {
		t.Error("expected error publishing on closed transport")
	}
}
