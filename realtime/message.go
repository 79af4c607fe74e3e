// Package realtime bridges a local replicated document to a pub/sub
// channel: it broadcasts locally produced updates, applies remote ones, and
// drives debounced persistence. A circuit breaker degrades the channel
// under transport failures; while degraded, outgoing updates queue durably
// and flush in order on recovery.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scriptroom/collab-sync/codec"
)

// Envelope event types.
const (
	EventUpdate = "update"
	// EventPresence carries replica liveness and cursor metadata for UI
	// collaborators. The adapter relays it unmodified and never inspects
	// the payload.
	EventPresence = "presence"
)

// ErrBadEnvelope is returned for frames that do not parse as an envelope.
var ErrBadEnvelope = fmt.Errorf("realtime: malformed envelope")

// Envelope is the wire frame exchanged on a document channel.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// UpdatePayload is the payload of an EventUpdate envelope. Update holds the
// codec wire form of the engine update.
type UpdatePayload struct {
	Update    string `json:"update"`
	OriginID  string `json:"originId"`
	Timestamp int64  `json:"timestamp"`
}

// NewUpdateEnvelope encodes update and wraps it for broadcast.
func NewUpdateEnvelope(update []byte, originID string) ([]byte, error) {
	wire, err := codec.Encode(update)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(UpdatePayload{
		Update:    wire,
		OriginID:  originID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: EventUpdate, Payload: payload})
}

// ParseEnvelope decodes one wire frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if e.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrBadEnvelope)
	}
	return &e, nil
}

// UpdatePayload extracts and decodes the payload of an update envelope,
// returning the raw engine update bytes alongside the payload metadata.
func (e *Envelope) UpdatePayload() (*UpdatePayload, []byte, error) {
	if e.Event != EventUpdate {
		return nil, nil, fmt.Errorf("%w: event %q is not an update", ErrBadEnvelope, e.Event)
	}
	var p UpdatePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	update, err := codec.Decode(p.Update)
	if err != nil {
		return nil, nil, err
	}
	return &p, update, nil
}
