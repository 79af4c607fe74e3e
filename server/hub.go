package server

import "sync"

type subscribeRequest struct {
	client  *Client
	channel string
}

// Hub routes clients to per-channel sessions, creating sessions on first
// subscribe.
type Hub struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	subscribe chan subscribeRequest
}

func NewHub() *Hub {
	return &Hub{
		sessions:  make(map[string]*Session),
		subscribe: make(chan subscribeRequest, 64),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.subscribe {
		h.handleSubscribe(req)
	}
}

func (h *Hub) handleSubscribe(req subscribeRequest) {
	h.mu.Lock()
	s, ok := h.sessions[req.channel]
	if !ok {
		s = newSession(req.channel)
		h.sessions[req.channel] = s
		go s.Run()
	}
	h.mu.Unlock()

	s.join <- req.client
}

// GetSession returns the session for a channel, if active.
func (h *Hub) GetSession(channel string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[channel]
}
