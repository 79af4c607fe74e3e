package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed implementation of Store, for single-host
// deployments and the relay server's local durability.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	full_state_blob BLOB,
	state_vector    BLOB,
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS document_updates (
	document_id TEXT    NOT NULL REFERENCES documents(id),
	sequence    INTEGER NOT NULL,
	delta_blob  BLOB    NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (document_id, sequence)
);
CREATE TABLE IF NOT EXISTS document_snapshots (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL REFERENCES documents(id),
	full_state_blob BLOB NOT NULL,
	state_vector    BLOB,
	sequence        INTEGER NOT NULL,
	kind            TEXT NOT NULL,
	checksum        INTEGER NOT NULL,
	created_by      TEXT,
	created_at      TIMESTAMP NOT NULL,
	expires_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_snapshots_document ON document_snapshots(document_id, id);
`

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, version, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		id, now, now)
	if err != nil && isSQLiteConstraint(err) {
		return fmt.Errorf("document %q: %w", id, ErrAlreadyExists)
	}
	return err
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	rec := DocumentRecord{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT full_state_blob, state_vector, version, created_at, updated_at FROM documents WHERE id = ?`,
		id).Scan(&rec.State, &rec.Vector, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) UpdateDocument(ctx context.Context, id string, state, vector []byte, readVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET full_state_blob = ?, state_vector = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		state, vector, time.Now(), id, readVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetDocument(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("document %q, write based on v%d: %w", id, readVersion, ErrVersionMismatch)
	}
	return nil
}

func (s *SQLiteStore) AppendDelta(ctx context.Context, docID string, seq uint64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_updates (document_id, sequence, delta_blob, created_at) VALUES (?, ?, ?, ?)`,
		docID, int64(seq), data, time.Now())
	if err != nil && isSQLiteConstraint(err) {
		return fmt.Errorf("delta %d for %q: %w", seq, docID, ErrAlreadyExists)
	}
	return err
}

func (s *SQLiteStore) DeltasSince(ctx context.Context, docID string, afterSeq uint64) ([]Delta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, delta_blob, created_at FROM document_updates
		 WHERE document_id = ? AND sequence > ? ORDER BY sequence ASC`,
		docID, int64(afterSeq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delta
	for rows.Next() {
		d := Delta{DocumentID: docID}
		var seq int64
		if err := rows.Scan(&seq, &d.Data, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Sequence = uint64(seq)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastSequence(ctx context.Context, docID string) (uint64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM document_updates WHERE document_id = ?`, docID).Scan(&last)
	if err != nil {
		return 0, err
	}
	return uint64(last.Int64), nil
}

func (s *SQLiteStore) PruneDeltas(ctx context.Context, docID string, throughSeq uint64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM document_updates WHERE document_id = ? AND sequence <= ?`,
		docID, int64(throughSeq))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	var expires any
	if !snap.ExpiresAt.IsZero() {
		expires = snap.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots
		 (id, document_id, full_state_blob, state_vector, sequence, kind, checksum, created_by, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.DocumentID, snap.State, snap.Vector, int64(snap.Sequence),
		string(snap.Kind), int64(snap.Checksum), snap.CreatedBy, snap.CreatedAt, expires)
	return err
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, docID, snapshotID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, full_state_blob, state_vector, sequence, kind, checksum, created_by, created_at, expires_at
		 FROM document_snapshots WHERE document_id = ? AND id = ?`, docID, snapshotID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %q: %w", snapshotID, ErrNotFound)
	}
	return snap, err
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, full_state_blob, state_vector, sequence, kind, checksum, created_by, created_at, expires_at
		 FROM document_snapshots WHERE document_id = ? ORDER BY id DESC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM document_snapshots WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var seq, checksum int64
	var kind string
	var createdBy sql.NullString
	var expires sql.NullTime
	err := row.Scan(&snap.ID, &snap.DocumentID, &snap.State, &snap.Vector,
		&seq, &kind, &checksum, &createdBy, &snap.CreatedAt, &expires)
	if err != nil {
		return nil, err
	}
	snap.Sequence = uint64(seq)
	snap.Kind = SnapshotKind(kind)
	snap.Checksum = uint64(checksum)
	snap.CreatedBy = createdBy.String
	if expires.Valid {
		snap.ExpiresAt = expires.Time
	}
	return &snap, nil
}

func isSQLiteConstraint(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}
