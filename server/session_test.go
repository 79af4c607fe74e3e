package server

import (
	"encoding/json"
	"testing"
	"time"
)

// mockClient creates a client without a real WebSocket connection, for testing.
func mockClient(id string) *Client {
	return &Client{
		ID:       id,
		send:     make(chan []byte, 256),
		sessions: make(map[string]*Session),
	}
}

// recvMsg reads one message from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

func TestSession_SubscribeAck(t *testing.T) {
	s := newSession("doc:alpha")
	go s.Run()
	defer close(s.stop)

	c := mockClient("c1")
	s.join <- c
	msg := recvMsg(t, c)

	if msg.Type != MsgSubscribed {
		t.Fatalf("expected subscribed, got %q", msg.Type)
	}
	if msg.Channel != "doc:alpha" {
		t.Errorf("channel = %q, want %q", msg.Channel, "doc:alpha")
	}
	if c.session("doc:alpha") != s {
		t.Error("client not bound to session")
	}
}

func TestSession_PublishFansOutToOthers(t *testing.T) {
	s := newSession("doc:alpha")
	go s.Run()
	defer close(s.stop)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	c3 := mockClient("c3")
	s.join <- c1
	s.join <- c2
	s.join <- c3
	recvMsg(t, c1) // subscribed
	recvMsg(t, c2) // subscribed
	recvMsg(t, c3) // subscribed

	payload := json.RawMessage(`{"event":"update","payload":{"update":"aGk=","originId":"r1","timestamp":1}}`)
	s.incoming <- publishMessage{client: c1, data: payload}

	for _, c := range []*Client{c2, c3} {
		msg := recvMsg(t, c)
		if msg.Type != MsgMessage || msg.Channel != "doc:alpha" {
			t.Fatalf("unexpected fanout message: %+v", msg)
		}
		if string(msg.Data) != string(payload) {
			t.Errorf("payload altered in relay: %s", msg.Data)
		}
	}

	// Publisher must not hear its own message back.
	select {
	case data := <-c1.send:
		t.Errorf("publisher received echo: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_EmptyPublishRejected(t *testing.T) {
	s := newSession("doc:alpha")
	go s.Run()
	defer close(s.stop)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // subscribed

	s.incoming <- publishMessage{client: c, data: nil}
	msg := recvMsg(t, c)
	if msg.Type != MsgError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
}

func TestSession_LeaveStopsFanout(t *testing.T) {
	s := newSession("doc:alpha")
	go s.Run()
	defer close(s.stop)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1)
	recvMsg(t, c2)

	s.leave <- c2
	msg := recvMsg(t, c2)
	if msg.Type != MsgUnsubscribed {
		t.Fatalf("expected unsubscribed, got %q", msg.Type)
	}

	s.incoming <- publishMessage{client: c1, data: json.RawMessage(`{"x":1}`)}
	select {
	case data := <-c2.send:
		t.Errorf("unsubscribed client received message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
