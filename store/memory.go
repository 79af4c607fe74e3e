package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memDoc struct {
	rec    DocumentRecord
	deltas []Delta
	snaps  []Snapshot
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memDoc)}
}

func (s *MemoryStore) CreateDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return fmt.Errorf("document %q: %w", id, ErrAlreadyExists)
	}
	now := time.Now()
	s.docs[id] = &memDoc{
		rec: DocumentRecord{ID: id, CreatedAt: now, UpdatedAt: now},
	}
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	rec := d.rec
	return &rec, nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, id string, state, vector []byte, readVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if d.rec.Version != readVersion {
		return fmt.Errorf("document %q at v%d, write based on v%d: %w", id, d.rec.Version, readVersion, ErrVersionMismatch)
	}
	d.rec.State = append([]byte(nil), state...)
	d.rec.Vector = append([]byte(nil), vector...)
	d.rec.Version++
	d.rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendDelta(_ context.Context, docID string, seq uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[docID]
	if !ok {
		return fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	for _, existing := range d.deltas {
		if existing.Sequence == seq {
			return fmt.Errorf("delta %d for %q: %w", seq, docID, ErrAlreadyExists)
		}
	}
	d.deltas = append(d.deltas, Delta{
		DocumentID: docID,
		Sequence:   seq,
		Data:       append([]byte(nil), data...),
		CreatedAt:  time.Now(),
	})
	return nil
}

func (s *MemoryStore) DeltasSince(_ context.Context, docID string, afterSeq uint64) ([]Delta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	var out []Delta
	for _, delta := range d.deltas {
		if delta.Sequence > afterSeq {
			out = append(out, delta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) LastSequence(_ context.Context, docID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[docID]
	if !ok {
		return 0, fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	var last uint64
	for _, delta := range d.deltas {
		if delta.Sequence > last {
			last = delta.Sequence
		}
	}
	return last, nil
}

func (s *MemoryStore) PruneDeltas(_ context.Context, docID string, throughSeq uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[docID]
	if !ok {
		return 0, fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	kept := d.deltas[:0]
	removed := 0
	for _, delta := range d.deltas {
		if delta.Sequence <= throughSeq {
			removed++
			continue
		}
		kept = append(kept, delta)
	}
	d.deltas = kept
	return removed, nil
}

func (s *MemoryStore) PutSnapshot(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[snap.DocumentID]
	if !ok {
		return fmt.Errorf("document %q: %w", snap.DocumentID, ErrNotFound)
	}
	cp := *snap
	cp.State = append([]byte(nil), snap.State...)
	cp.Vector = append([]byte(nil), snap.Vector...)
	d.snaps = append(d.snaps, cp)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, docID, snapshotID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	for i := range d.snaps {
		if d.snaps[i].ID == snapshotID {
			cp := d.snaps[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("snapshot %q: %w", snapshotID, ErrNotFound)
}

func (s *MemoryStore) ListSnapshots(_ context.Context, docID string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	out := append([]Snapshot(nil), d.snaps...)
	// Snapshot ids are ULIDs, so id order is creation order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteExpiredSnapshots(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, d := range s.docs {
		kept := d.snaps[:0]
		for _, snap := range d.snaps {
			if snap.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, snap)
		}
		d.snaps = kept
	}
	return removed, nil
}
