package component

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Postgres-backed Store. The compare-and-increment runs
// as a single UPDATE with the version in the WHERE clause, so concurrent
// writers race on the row lock rather than on application state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS components (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	position       TEXT NOT NULL,
	content_ref    TEXT NOT NULL DEFAULT '',
	version        BIGINT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'active',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	last_edited_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_components_document ON components(document_id, position);
`

// NewPostgresStore connects to dbURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init components schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const recordColumns = `id, document_id, position, content_ref, version, status, created_at, updated_at, last_edited_by`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.DocumentID, &rec.Position, &rec.ContentRef,
		&rec.Version, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastEditedBy)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO components (id, document_id, position, content_ref, version, status, created_at, updated_at, last_edited_by)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $6, $7)`,
		rec.ID, rec.DocumentID, rec.Position, rec.ContentRef, string(rec.Status), now, rec.LastEditedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate id %q", ErrInvalid, rec.ID)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM components WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("component %q: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *PostgresStore) ListByDocument(ctx context.Context, docID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM components
		 WHERE document_id = $1 AND status <> $2 ORDER BY position ASC`,
		docID, string(StatusDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, id string, readVersion int64, patch Patch, editor string) (*Record, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`UPDATE components SET
			position    = COALESCE($3, position),
			content_ref = COALESCE($4, content_ref),
			status      = COALESCE($5, status),
			version     = version + 1,
			updated_at  = $6,
			last_edited_by = $7
		 WHERE id = $1 AND version = $2
		 RETURNING `+recordColumns,
		id, readVersion, patch.Position, patch.ContentRef, (*string)(patch.Status), time.Now(), editor))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &VersionConflictError{ID: id, Given: readVersion, Current: cur}
	}
	return rec, err
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id string, readVersion int64, editor string) (*Record, error) {
	deleted := StatusDeleted
	return s.Update(ctx, id, readVersion, Patch{Status: &deleted}, editor)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM components WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("component %q: %w", id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
