// Package store persists replicated documents as an append-only delta log
// compacted by snapshots, plus the versioned document row used for
// optimistic cross-record writes.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrVersionMismatch = errors.New("store: version mismatch")
	ErrCorrupt         = errors.New("store: snapshot corrupt")
)

// DocumentRecord is the versioned document row.
type DocumentRecord struct {
	ID        string
	State     []byte
	Vector    []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Delta is one wire-encoded entry of a document's append log.
type Delta struct {
	DocumentID string
	Sequence   uint64
	Data       []byte
	CreatedAt  time.Time
}

// SnapshotKind tags why a snapshot was taken. Automatic snapshots expire;
// manual and recovery snapshots do not.
type SnapshotKind string

const (
	SnapshotAutomatic SnapshotKind = "automatic"
	SnapshotManual    SnapshotKind = "manual"
	SnapshotRecovery  SnapshotKind = "recovery"
)

// Snapshot is a compaction point: full state plus the state vector and the
// highest delta sequence folded in. Load skips replaying anything at or
// below Sequence.
type Snapshot struct {
	ID         string
	DocumentID string
	State      []byte
	Vector     []byte
	Sequence   uint64
	Kind       SnapshotKind
	Checksum   uint64
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means never
}

// Expired reports whether the snapshot is past its expiry at the given time.
func (s *Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// Store abstracts the durable backend. Implementations must be safe for
// concurrent use; the delta log is append-only and a duplicate sequence is
// ErrAlreadyExists, so concurrent appenders cannot silently overwrite.
type Store interface {
	CreateDocument(ctx context.Context, id string) error
	GetDocument(ctx context.Context, id string) (*DocumentRecord, error)
	// UpdateDocument writes state and vector if the stored version still
	// equals readVersion, incrementing it by one. ErrVersionMismatch
	// otherwise.
	UpdateDocument(ctx context.Context, id string, state, vector []byte, readVersion int64) error

	AppendDelta(ctx context.Context, docID string, seq uint64, data []byte) error
	DeltasSince(ctx context.Context, docID string, afterSeq uint64) ([]Delta, error)
	LastSequence(ctx context.Context, docID string) (uint64, error)
	PruneDeltas(ctx context.Context, docID string, throughSeq uint64) (int, error)

	PutSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, docID, snapshotID string) (*Snapshot, error)
	// ListSnapshots returns snapshots newest first.
	ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error)
	DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error)
}
