package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"

	"github.com/scriptroom/collab-sync/codec"
)

// ManagerOptions are the persistence cadence knobs. Zero values take the
// defaults below.
type ManagerOptions struct {
	// SnapshotEvery is the number of appended deltas after which an
	// automatic snapshot is due.
	SnapshotEvery int
	// SnapshotInterval is the elapsed time after which an automatic
	// snapshot is due regardless of delta count.
	SnapshotInterval time.Duration
	// AutoSnapshotTTL is the expiry attached to automatic snapshots.
	AutoSnapshotTTL time.Duration
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 100
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 5 * time.Minute
	}
	if o.AutoSnapshotTTL <= 0 {
		o.AutoSnapshotTTL = 7 * 24 * time.Hour
	}
	return o
}

// docState is the manager's in-memory bookkeeping for one document. lastSeq
// only advances after a successful append, so a failed write never creates
// a gap the next append would skip over.
type docState struct {
	lastSeq       uint64
	sinceSnapshot int
	lastSnapshot  time.Time
}

// Manager implements the hybrid delta+snapshot persistence strategy over a
// Store: deltas append to a per-document log, snapshots compact the log on a
// cadence, and Load replays only what the newest intact snapshot misses.
type Manager struct {
	store Store
	opts  ManagerOptions
	log   *slog.Logger

	mu   sync.Mutex
	docs map[string]*docState
}

// LoadResult is a hydration recipe: apply State (when present), then the
// Deltas in order.
type LoadResult struct {
	Snapshot *Snapshot
	State    []byte
	Deltas   [][]byte
	Sequence uint64
	Version  int64
}

func NewManager(st Store, opts ManagerOptions, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store: st,
		opts:  opts.withDefaults(),
		log:   log,
		docs:  make(map[string]*docState),
	}
}

// ensure returns the bookkeeping entry for docID, creating the document row
// on first contact and seeding lastSeq from the stored log.
func (m *Manager) ensure(ctx context.Context, docID string) (*docState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx, docID)
}

func (m *Manager) ensureLocked(ctx context.Context, docID string) (*docState, error) {
	if ds, ok := m.docs[docID]; ok {
		return ds, nil
	}
	if _, err := m.store.GetDocument(ctx, docID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err := m.store.CreateDocument(ctx, docID); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
	}
	last, err := m.store.LastSequence(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds := &docState{lastSeq: last, lastSnapshot: time.Now()}
	m.docs[docID] = ds
	return ds, nil
}

// AppendDelta encodes and appends one delta to the document's log,
// returning its sequence. Bookkeeping does not advance on failure.
func (m *Manager) AppendDelta(ctx context.Context, docID string, delta []byte) (uint64, error) {
	wire, err := codec.Encode(delta)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ds, err := m.ensureLocked(ctx, docID)
	if err != nil {
		return 0, err
	}
	seq := ds.lastSeq + 1
	if err := m.store.AppendDelta(ctx, docID, seq, []byte(wire)); err != nil {
		return 0, fmt.Errorf("append delta %d for %q: %w", seq, docID, err)
	}
	ds.lastSeq = seq
	ds.sinceSnapshot++
	return seq, nil
}

// SnapshotDue reports whether the automatic snapshot cadence has been
// reached for docID.
func (m *Manager) SnapshotDue(docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.docs[docID]
	if !ok {
		return false
	}
	if ds.sinceSnapshot >= m.opts.SnapshotEvery {
		return true
	}
	return ds.sinceSnapshot > 0 && time.Since(ds.lastSnapshot) >= m.opts.SnapshotInterval
}

// Snapshot writes a snapshot of the given full state and vector. Automatic
// snapshots carry an expiry; manual and recovery ones do not.
func (m *Manager) Snapshot(ctx context.Context, docID string, state, vector []byte, kind SnapshotKind, createdBy string) (*Snapshot, error) {
	if err := codec.ValidateState(state); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ds, err := m.ensureLocked(ctx, docID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snap := &Snapshot{
		ID:         ulid.Make().String(),
		DocumentID: docID,
		State:      state,
		Vector:     vector,
		Sequence:   ds.lastSeq,
		Kind:       kind,
		Checksum:   xxhash.Sum64(state),
		CreatedBy:  createdBy,
		CreatedAt:  now,
	}
	if kind == SnapshotAutomatic {
		snap.ExpiresAt = now.Add(m.opts.AutoSnapshotTTL)
	}
	if err := m.store.PutSnapshot(ctx, snap); err != nil {
		// Cadence counters stay put; the next trigger retries.
		return nil, fmt.Errorf("snapshot %q: %w", docID, err)
	}
	ds.sinceSnapshot = 0
	ds.lastSnapshot = now
	return snap, nil
}

// MaybeSnapshot takes an automatic snapshot if one is due. A failed write
// is logged and left for the next cadence trigger, never fatal.
func (m *Manager) MaybeSnapshot(ctx context.Context, docID string, state, vector []byte, createdBy string) {
	if !m.SnapshotDue(docID) {
		return
	}
	if _, err := m.Snapshot(ctx, docID, state, vector, SnapshotAutomatic, createdBy); err != nil {
		m.log.Warn("automatic snapshot failed, will retry", "doc", docID, "err", err)
	}
}

// Load returns the newest intact snapshot plus all deltas past it. Corrupt
// snapshots are skipped in favor of older ones. A document with no history
// loads as empty.
func (m *Manager) Load(ctx context.Context, docID string) (*LoadResult, error) {
	ds, err := m.ensure(ctx, docID)
	if err != nil {
		return nil, err
	}

	res := &LoadResult{}
	snaps, err := m.store.ListSnapshots(ctx, docID)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		snap := &snaps[i]
		if xxhash.Sum64(snap.State) != snap.Checksum {
			m.log.Warn("skipping corrupt snapshot", "doc", docID, "snapshot", snap.ID)
			continue
		}
		res.Snapshot = snap
		res.State = snap.State
		break
	}

	var after uint64
	if res.Snapshot != nil {
		after = res.Snapshot.Sequence
	}
	deltas, err := m.store.DeltasSince(ctx, docID, after)
	if err != nil {
		return nil, err
	}
	res.Sequence = after
	for _, d := range deltas {
		raw, err := codec.Decode(string(d.Data))
		if err != nil {
			return nil, fmt.Errorf("delta %d for %q: %w: %v", d.Sequence, docID, ErrCorrupt, err)
		}
		res.Deltas = append(res.Deltas, raw)
		if d.Sequence > res.Sequence {
			res.Sequence = d.Sequence
		}
	}

	// Missing record just means no versioned document row yet; anything
	// else must surface, or the caller would proceed with Version 0 and
	// lose a conflict it should have won.
	if rec, err := m.store.GetDocument(ctx, docID); err == nil {
		res.Version = rec.Version
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("document record for %q: %w", docID, err)
	}

	m.mu.Lock()
	if res.Sequence > ds.lastSeq {
		ds.lastSeq = res.Sequence
	}
	m.mu.Unlock()
	return res, nil
}

// Restore loads from one specific snapshot, replaying only deltas past it.
// The snapshot must pass its checksum.
func (m *Manager) Restore(ctx context.Context, docID, snapshotID string) (*LoadResult, error) {
	snap, err := m.store.GetSnapshot(ctx, docID, snapshotID)
	if err != nil {
		return nil, err
	}
	if xxhash.Sum64(snap.State) != snap.Checksum {
		return nil, fmt.Errorf("snapshot %q for %q: %w", snapshotID, docID, ErrCorrupt)
	}

	res := &LoadResult{Snapshot: snap, State: snap.State, Sequence: snap.Sequence}
	deltas, err := m.store.DeltasSince(ctx, docID, snap.Sequence)
	if err != nil {
		return nil, err
	}
	for _, d := range deltas {
		raw, err := codec.Decode(string(d.Data))
		if err != nil {
			return nil, fmt.Errorf("delta %d for %q: %w: %v", d.Sequence, docID, ErrCorrupt, err)
		}
		res.Deltas = append(res.Deltas, raw)
		if d.Sequence > res.Sequence {
			res.Sequence = d.Sequence
		}
	}
	return res, nil
}

// ListSnapshots returns a document's snapshots, newest first.
func (m *Manager) ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	return m.store.ListSnapshots(ctx, docID)
}

// PurgeExpired removes automatic snapshots past their expiry.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSnapshots(ctx, time.Now())
}

// PruneDeltas drops deltas already compacted into the newest intact
// snapshot.
func (m *Manager) PruneDeltas(ctx context.Context, docID string) (int, error) {
	snaps, err := m.store.ListSnapshots(ctx, docID)
	if err != nil {
		return 0, err
	}
	for i := range snaps {
		snap := &snaps[i]
		if xxhash.Sum64(snap.State) != snap.Checksum {
			continue
		}
		return m.store.PruneDeltas(ctx, docID, snap.Sequence)
	}
	return 0, nil
}

// SaveWithVersion writes the document row's full state under an optimistic
// version check, for callers that need a transactional document+metadata
// write.
func (m *Manager) SaveWithVersion(ctx context.Context, docID string, state, vector []byte, readVersion int64) error {
	if err := codec.ValidateState(state); err != nil {
		return err
	}
	if _, err := m.ensure(ctx, docID); err != nil {
		return err
	}
	return m.store.UpdateDocument(ctx, docID, state, vector, readVersion)
}

