package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scriptroom/collab-sync/server"
)

const wsWriteWait = 10 * time.Second

// WebsocketTransport is a Transport over the relay server's WebSocket
// protocol. The relay does not echo frames back to their publisher.
type WebsocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string][]*wsSub
	acks   map[string]chan struct{}
	closed bool
}

// DialWebsocket connects to a relay at url (ws://host/ws) and starts the
// read loop.
func DialWebsocket(ctx context.Context, url string) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %q: %w", url, err)
	}
	t := &WebsocketTransport{
		conn: conn,
		subs: make(map[string][]*wsSub),
		acks: make(map[string]chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *WebsocketTransport) write(msg server.ClientMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteJSON(msg)
}

func (t *WebsocketTransport) Publish(ctx context.Context, channel string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.write(server.ClientMessage{
		Type:    server.MsgPublish,
		Channel: channel,
		Data:    json.RawMessage(data),
	})
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	sub := &wsSub{transport: t, channel: channel, ch: make(chan Message, 256)}
	first := len(t.subs[channel]) == 0
	t.subs[channel] = append(t.subs[channel], sub)
	// Joining while the relay's ack is still in flight means waiting on
	// the same ack; returning early would let the caller publish into a
	// channel the relay has not subscribed us to yet.
	ack, pending := t.acks[channel]
	if first && !pending {
		ack = make(chan struct{})
		t.acks[channel] = ack
		pending = true
	}
	t.mu.Unlock()

	if first {
		if err := t.write(server.ClientMessage{Type: server.MsgSubscribe, Channel: channel}); err != nil {
			sub.Close()
			return nil, err
		}
	}
	if !pending {
		return sub, nil
	}
	select {
	case <-ack:
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, ErrTransportClosed
		}
		return sub, nil
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}
}

func (t *WebsocketTransport) readPump() {
	defer t.Close()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg server.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("relay sent unparseable frame", "err", err)
			continue
		}
		switch msg.Type {
		case server.MsgMessage:
			t.dispatch(msg.Channel, []byte(msg.Data))
		case server.MsgSubscribed:
			t.mu.Lock()
			if ack, ok := t.acks[msg.Channel]; ok {
				close(ack)
				delete(t.acks, msg.Channel)
			}
			t.mu.Unlock()
		case server.MsgError:
			slog.Warn("relay error", "message", msg.Message)
		}
	}
}

func (t *WebsocketTransport) dispatch(channel string, data []byte) {
	t.mu.Lock()
	subs := append([]*wsSub(nil), t.subs[channel]...)
	t.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- Message{Channel: channel, Data: data}:
		default:
			// Subscriber too slow, drop frame.
		}
	}
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, subs := range t.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	t.subs = make(map[string][]*wsSub)
	for ch, ack := range t.acks {
		close(ack)
		delete(t.acks, ch)
	}
	t.mu.Unlock()
	return t.conn.Close()
}

type wsSub struct {
	transport *WebsocketTransport
	channel   string
	ch        chan Message
	closed    bool
}

func (s *wsSub) Messages() <-chan Message { return s.ch }

func (s *wsSub) Close() error {
	t := s.transport
	t.mu.Lock()
	if s.closed {
		t.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := t.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			t.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(t.subs[s.channel]) == 0 && !t.closed
	close(s.ch)
	t.mu.Unlock()

	if last {
		return t.write(server.ClientMessage{Type: server.MsgUnsubscribe, Channel: s.channel})
	}
	return nil
}
