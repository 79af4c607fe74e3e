package realtime

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("realtime: transport closed")

// Message is one frame received from a channel subscription.
type Message struct {
	Channel string
	Data    []byte
}

// Transport is a pub/sub channel provider. Implementations must deliver a
// published frame to every subscriber of the channel; whether the publisher
// hears its own frame back is implementation-defined, so consumers filter
// by origin id.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription is one channel subscription. Messages is closed when the
// subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// LoopbackTransport is an in-process Transport for tests and single-process
// embedding. It delivers published frames to every subscriber, the
// publisher's own subscriptions included.
type LoopbackTransport struct {
	mu     sync.Mutex
	subs   map[string][]*loopbackSub
	closed bool
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{subs: make(map[string][]*loopbackSub)}
}

type loopbackSub struct {
	transport *LoopbackTransport
	channel   string
	ch        chan Message
	closed    bool
}

func (s *loopbackSub) Messages() <-chan Message { return s.ch }

func (s *loopbackSub) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	subs := s.transport.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.transport.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func (t *LoopbackTransport) Publish(ctx context.Context, channel string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	for _, sub := range t.subs[channel] {
		select {
		case sub.ch <- Message{Channel: channel, Data: append([]byte(nil), data...)}:
		default:
			// Subscriber too slow, drop frame.
		}
	}
	return nil
}

func (t *LoopbackTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	sub := &loopbackSub{transport: t, channel: channel, ch: make(chan Message, 256)}
	t.subs[channel] = append(t.subs[channel], sub)
	return sub, nil
}

func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
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
	t.subs = make(map[string][]*loopbackSub)
	return nil
}
