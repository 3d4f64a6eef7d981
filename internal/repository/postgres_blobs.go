package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBlobStore keeps context blobs in the context_blobs table.
type PostgresBlobStore struct {
	db *pgxpool.Pool
}

var _ BlobStore = (*PostgresBlobStore)(nil)

func NewPostgresBlobStore(db *pgxpool.Pool) *PostgresBlobStore {
	return &PostgresBlobStore{db: db}
}

func (s *PostgresBlobStore) PutBlob(ctx context.Context, hash string, data []byte, at time.Time) (bool, error) {
	var created bool
	err := s.db.QueryRow(ctx, `INSERT INTO context_blobs (hash, data, size, last_written_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO UPDATE
			SET last_written_at = GREATEST(context_blobs.last_written_at, EXCLUDED.last_written_at)
		RETURNING (xmax = 0)`, hash, data, len(data), at).Scan(&created)
	return created, err
}

func (s *PostgresBlobStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	if err := s.db.QueryRow(ctx, `SELECT data FROM context_blobs WHERE hash = $1`, hash).Scan(&data); err != nil {
		return nil, notFound(err, "context %s", hash)
	}
	return data, nil
}

func (s *PostgresBlobStore) HasBlob(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM context_blobs WHERE hash = $1)`, hash).Scan(&exists)
	return exists, err
}

func (s *PostgresBlobStore) ListBlobsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT hash FROM context_blobs WHERE last_written_at < $1 ORDER BY hash`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresBlobStore) DeleteBlobIfBefore(ctx context.Context, hash string, cutoff time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM context_blobs WHERE hash = $1 AND last_written_at < $2`, hash, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresBlobStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresBlobStore) Close() error { return nil }
