package server

import (
	"encoding/json"
	"log/slog"
)

type publishMessage struct {
	client *Client
	data   json.RawMessage
}

// Session fans messages out to the subscribers of a single channel.
// All operations are serialized through a single goroutine.
type Session struct {
	channel string
	clients map[*Client]bool

	incoming chan publishMessage
	join     chan *Client
	leave    chan *Client
	stop     chan struct{}
}

func newSession(channel string) *Session {
	return &Session{
		channel:  channel,
		clients:  make(map[*Client]bool),
		incoming: make(chan publishMessage, 64),
		join:     make(chan *Client, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes joins, leaves and fanout.
func (s *Session) Run() {
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case pm := <-s.incoming:
			s.handlePublish(pm)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) handleJoin(c *Client) {
	s.clients[c] = true
	c.setSession(s.channel, s)
	c.sendMsg(ServerMessage{Type: MsgSubscribed, Channel: s.channel})
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.setSession(s.channel, nil)
	c.sendMsg(ServerMessage{Type: MsgUnsubscribed, Channel: s.channel})
}

// handlePublish relays the payload to every other subscriber. The publisher
// does not hear its own message back; replicas already hold what they sent.
func (s *Session) handlePublish(pm publishMessage) {
	if len(pm.data) == 0 {
		pm.client.sendError("empty publish payload")
		return
	}
	out := ServerMessage{Type: MsgMessage, Channel: s.channel, Data: pm.data}
	for c := range s.clients {
		if c != pm.client {
			c.sendMsg(out)
		}
	}
	slog.Debug("relayed message", "channel", s.channel, "bytes", len(pm.data), "subscribers", len(s.clients)-1)
}

// Subscribers returns the current subscriber count. Only safe to call from
// tests that know the loop is idle.
func (s *Session) Subscribers() int {
	return len(s.clients)
}
