// Package codec converts replication deltas between their raw byte form and
// the base64 wire form used on the transport channel and in durable storage.
// Encoding is deterministic: identical input always yields identical wire
// bytes, which snapshot diffing and the tests rely on.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// MaxUpdateSize is the transport limit for a single delta. Larger
	// updates are rejected; the caller should snapshot instead.
	MaxUpdateSize = 100 * 1024

	// MaxStateSize is the structural limit for a validated full-state blob.
	MaxStateSize = 1024 * 1024

	// minHeaderSize is the smallest well-formed update. Every engine this
	// codec carries emits at least a two-byte header before any payload.
	minHeaderSize = 2
)

var (
	ErrEmpty     = errors.New("codec: empty update")
	ErrTooLarge  = errors.New("codec: update exceeds transport limit")
	ErrMalformed = errors.New("codec: malformed wire data")
)

var wireEncoding = base64.StdEncoding

// Encode converts raw delta bytes to their wire form.
func Encode(update []byte) (string, error) {
	if len(update) == 0 {
		return "", ErrEmpty
	}
	if len(update) > MaxUpdateSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(update))
	}
	return wireEncoding.EncodeToString(update), nil
}

// Decode converts wire form back to raw delta bytes. A malformed wire value
// is an error, never silently empty content.
func Decode(wire string) ([]byte, error) {
	if wire == "" {
		return nil, ErrEmpty
	}
	if wireEncoding.DecodedLen(len(wire)) > MaxUpdateSize+2 {
		return nil, fmt.Errorf("%w: wire form of %d bytes", ErrTooLarge, len(wire))
	}
	raw, err := wireEncoding.DecodeString(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	if len(raw) > MaxUpdateSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	return raw, nil
}

// Validate checks the structural well-formedness of a raw update without
// touching the wire form.
func Validate(update []byte) error {
	if len(update) == 0 {
		return ErrEmpty
	}
	if len(update) < minHeaderSize {
		return fmt.Errorf("%w: truncated header (%d bytes)", ErrMalformed, len(update))
	}
	if len(update) > MaxUpdateSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(update))
	}
	return nil
}

// ValidateState checks a full-state blob against the document-level limit.
// Full states go through snapshots rather than the transport, so they get
// the larger structural bound.
func ValidateState(state []byte) error {
	if len(state) == 0 {
		return ErrEmpty
	}
	if len(state) < minHeaderSize {
		return fmt.Errorf("%w: truncated header (%d bytes)", ErrMalformed, len(state))
	}
	if len(state) > MaxStateSize {
		return fmt.Errorf("%w: state of %d bytes", ErrTooLarge, len(state))
	}
	return nil
}
