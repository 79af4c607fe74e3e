package component

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptroom/collab-sync/position"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func validateNew(rec *Record) error {
	if rec.DocumentID == "" {
		return fmt.Errorf("%w: missing document id", ErrInvalid)
	}
	if err := position.Validate(rec.Position); err != nil {
		return fmt.Errorf("%w: position: %v", ErrInvalid, err)
	}
	if rec.Status != "" && !rec.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalid, rec.Status)
	}
	return nil
}

func validatePatch(p Patch) error {
	if p.Position != nil {
		if err := position.Validate(*p.Position); err != nil {
			return fmt.Errorf("%w: position: %v", ErrInvalid, err)
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalid, *p.Status)
	}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	now := time.Now()
	rec.Version = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return fmt.Errorf("%w: duplicate id %q", ErrInvalid, rec.ID)
	}
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("component %q: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListByDocument(ctx context.Context, docID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.recs {
		if rec.DocumentID == docID && rec.Status != StatusDeleted {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return position.Compare(out[i].Position, out[j].Position) < 0
	})
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, readVersion int64, patch Patch, editor string) (*Record, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("component %q: %w", id, ErrNotFound)
	}
	if rec.Version != readVersion {
		cur := *rec
		return nil, &VersionConflictError{ID: id, Given: readVersion, Current: &cur}
	}
	if patch.Position != nil {
		rec.Position = *patch.Position
	}
	if patch.ContentRef != nil {
		rec.ContentRef = *patch.ContentRef
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	rec.LastEditedBy = editor
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id string, readVersion int64, editor string) (*Record, error) {
	deleted := StatusDeleted
	return s.Update(ctx, id, readVersion, Patch{Status: &deleted}, editor)
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return fmt.Errorf("component %q: %w", id, ErrNotFound)
	}
	delete(s.recs, id)
	return nil
}
