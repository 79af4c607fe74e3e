package server

import (
	"testing"
	"time"
)

func TestHub_CreateSessionOnSubscribe(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	c := mockClient("c1")
	c.hub = hub
	hub.subscribe <- subscribeRequest{client: c, channel: "doc:new"}

	msg := recvMsg(t, c)
	if msg.Type != MsgSubscribed || msg.Channel != "doc:new" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if hub.GetSession("doc:new") == nil {
		t.Error("session not created")
	}
}

func TestHub_SharedSessionPerChannel(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	c1.hub, c2.hub = hub, hub
	hub.subscribe <- subscribeRequest{client: c1, channel: "doc:shared"}
	hub.subscribe <- subscribeRequest{client: c2, channel: "doc:shared"}
	recvMsg(t, c1)
	recvMsg(t, c2)

	s := hub.GetSession("doc:shared")
	if s == nil {
		t.Fatal("session missing")
	}
	if c1.session("doc:shared") != s || c2.session("doc:shared") != s {
		t.Error("clients bound to different sessions for one channel")
	}
}

func TestHub_IndependentChannels(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	c1.hub, c2.hub = hub, hub
	hub.subscribe <- subscribeRequest{client: c1, channel: "doc:a"}
	hub.subscribe <- subscribeRequest{client: c2, channel: "doc:b"}
	recvMsg(t, c1)
	recvMsg(t, c2)

	sa := hub.GetSession("doc:a")
	sa.incoming <- publishMessage{client: c1, data: []byte(`{"x":1}`)}

	select {
	case data := <-c2.send:
		t.Errorf("message leaked across channels: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
