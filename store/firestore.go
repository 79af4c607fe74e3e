package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of Store. Deltas and
// snapshots live in subcollections under each document; delta doc ids are
// zero-padded sequences so DocumentID order is sequence order.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore using the given client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) updates(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("updates")
}

func (s *FirestoreStore) snapshots(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("snapshots")
}

func zeroPad(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.docRef(id).Create(ctx, map[string]interface{}{
		"version":   int64(0),
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", id, ErrAlreadyExists)
	}
	return err
}

func (s *FirestoreStore) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return docFromSnapshot(id, snap), nil
}

func docFromSnapshot(id string, snap *firestore.DocumentSnapshot) *DocumentRecord {
	data := snap.Data()
	rec := &DocumentRecord{ID: id}
	rec.State, _ = data["state"].([]byte)
	rec.Vector, _ = data["vector"].([]byte)
	rec.Version, _ = data["version"].(int64)
	rec.CreatedAt, _ = data["createdAt"].(time.Time)
	rec.UpdatedAt, _ = data["updatedAt"].(time.Time)
	return rec
}

func (s *FirestoreStore) UpdateDocument(ctx context.Context, id string, state, vector []byte, readVersion int64) error {
	ref := s.docRef(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("document %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		cur, _ := snap.Data()["version"].(int64)
		if cur != readVersion {
			return fmt.Errorf("document %q at v%d, write based on v%d: %w", id, cur, readVersion, ErrVersionMismatch)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "state", Value: state},
			{Path: "vector", Value: vector},
			{Path: "version", Value: readVersion + 1},
			{Path: "updatedAt", Value: time.Now()},
		})
	})
}

func (s *FirestoreStore) AppendDelta(ctx context.Context, docID string, seq uint64, data []byte) error {
	_, err := s.updates(docID).Doc(zeroPad(seq)).Create(ctx, map[string]interface{}{
		"delta":     data,
		"createdAt": time.Now(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("delta %d for %q: %w", seq, docID, ErrAlreadyExists)
	}
	return err
}

func (s *FirestoreStore) DeltasSince(ctx context.Context, docID string, afterSeq uint64) ([]Delta, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}

	iter := s.updates(docID).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAfter(zeroPad(afterSeq)).
		Documents(ctx)
	defer iter.Stop()

	var out []Delta
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var seq uint64
		if _, err := fmt.Sscanf(snap.Ref.ID, "%d", &seq); err != nil {
			return nil, fmt.Errorf("bad delta id %q for %q", snap.Ref.ID, docID)
		}
		d := Delta{DocumentID: docID, Sequence: seq}
		data := snap.Data()
		d.Data, _ = data["delta"].([]byte)
		d.CreatedAt, _ = data["createdAt"].(time.Time)
		out = append(out, d)
	}
	return out, nil
}

func (s *FirestoreStore) LastSequence(ctx context.Context, docID string) (uint64, error) {
	iter := s.updates(docID).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	if _, err := fmt.Sscanf(snap.Ref.ID, "%d", &seq); err != nil {
		return 0, fmt.Errorf("bad delta id %q for %q", snap.Ref.ID, docID)
	}
	return seq, nil
}

func (s *FirestoreStore) PruneDeltas(ctx context.Context, docID string, throughSeq uint64) (int, error) {
	iter := s.updates(docID).
		OrderBy(firestore.DocumentID, firestore.Asc).
		EndAt(zeroPad(throughSeq)).
		Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, err
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *FirestoreStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	fields := map[string]interface{}{
		"state":     snap.State,
		"vector":    snap.Vector,
		"sequence":  int64(snap.Sequence),
		"kind":      string(snap.Kind),
		"checksum":  int64(snap.Checksum),
		"createdBy": snap.CreatedBy,
		"createdAt": snap.CreatedAt,
	}
	if !snap.ExpiresAt.IsZero() {
		fields["expiresAt"] = snap.ExpiresAt
	}
	_, err := s.snapshots(snap.DocumentID).Doc(snap.ID).Create(ctx, fields)
	return err
}

func (s *FirestoreStore) GetSnapshot(ctx context.Context, docID, snapshotID string) (*Snapshot, error) {
	snap, err := s.snapshots(docID).Doc(snapshotID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("snapshot %q: %w", snapshotID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotFromDoc(docID, snap), nil
}

func (s *FirestoreStore) ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}

	// Snapshot ids are ULIDs, so descending id order is newest first.
	iter := s.snapshots(docID).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var out []Snapshot
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *snapshotFromDoc(docID, snap))
	}
	return out, nil
}

func snapshotFromDoc(docID string, snap *firestore.DocumentSnapshot) *Snapshot {
	data := snap.Data()
	out := &Snapshot{ID: snap.Ref.ID, DocumentID: docID}
	out.State, _ = data["state"].([]byte)
	out.Vector, _ = data["vector"].([]byte)
	if v, ok := data["sequence"].(int64); ok {
		out.Sequence = uint64(v)
	}
	if v, ok := data["kind"].(string); ok {
		out.Kind = SnapshotKind(v)
	}
	if v, ok := data["checksum"].(int64); ok {
		out.Checksum = uint64(v)
	}
	out.CreatedBy, _ = data["createdBy"].(string)
	out.CreatedAt, _ = data["createdAt"].(time.Time)
	out.ExpiresAt, _ = data["expiresAt"].(time.Time)
	return out
}

func (s *FirestoreStore) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	docs := s.client.Collection(s.collection).Documents(ctx)
	defer docs.Stop()

	removed := 0
	for {
		doc, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, err
		}
		iter := s.snapshots(doc.Ref.ID).Where("expiresAt", "<", now).Documents(ctx)
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return removed, err
			}
			if _, err := snap.Ref.Delete(ctx); err != nil {
				iter.Stop()
				return removed, err
			}
			removed++
		}
		iter.Stop()
	}
	return removed, nil
}
