// Package component manages the structured metadata rows attached to a
// document (blocks, scenes, attachments) under an optimistic-locking
// discipline. Records are not replicated through the document engine; their
// position and content fields may reference engine-managed bytes, but the
// rows themselves move through ordinary read-modify-write paths guarded by
// an explicit version counter.
package component

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a component record.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	// StatusDeleted marks a soft-deleted record. The row stays readable
	// until a hard Delete removes it.
	StatusDeleted Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("component not found")

// ErrInvalid is returned for records or patches that fail validation
// before any write is attempted.
var ErrInvalid = errors.New("invalid component")

// Record is one component row. Version increases by exactly 1 on every
// successful write; writes must supply the version they read.
type Record struct {
	ID           string
	DocumentID   string
	Position     string
	ContentRef   string
	Version      int64
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastEditedBy string
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Position   *string
	ContentRef *string
	Status     *Status
}

// VersionConflictError reports an optimistic-lock mismatch. Current holds
// the stored record at the time of the conflict so the caller can re-fetch
// state for a retry or a merge prompt without another round trip.
type VersionConflictError struct {
	ID      string
	Given   int64
	Current *Record
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("component %q at v%d, write based on v%d", e.ID, e.Current.Version, e.Given)
}

// Store is the persistence interface for component records. Update and
// SoftDelete perform an atomic compare-and-increment on the version column;
// a mismatch returns *VersionConflictError and never overwrites. No method
// retries on the caller's behalf.
type Store interface {
	// Create inserts a new record at version 0. A missing ID is filled in
	// with a generated one; the position must validate.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record for id, soft-deleted rows included.
	Get(ctx context.Context, id string) (*Record, error)

	// ListByDocument returns a document's records ordered by position.
	// Soft-deleted rows are excluded.
	ListByDocument(ctx context.Context, docID string) ([]Record, error)

	// Update applies patch to the record if its stored version equals
	// readVersion, bumping the version and stamping editor. It returns the
	// updated record.
	Update(ctx context.Context, id string, readVersion int64, patch Patch, editor string) (*Record, error)

	// SoftDelete marks the record deleted under the same version check.
	SoftDelete(ctx context.Context, id string, readVersion int64, editor string) (*Record, error)

	// Delete removes the row outright. It is not version-checked; callers
	// use it for cleanup after a soft delete has been acknowledged.
	Delete(ctx context.Context, id string) error
}
