// Package filemeta provides the PostgreSQL-backed store for per-file
// signature layout metadata.
package filemeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/dkrasnov/signflow/internal/dbx"
)

// PostgresRepository implements Repository over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Store upserts the metadata blob for a file.
func (r *PostgresRepository) Store(ctx context.Context, uid, fileID string, metadata []byte) error {
	query := `
		INSERT INTO file_metadata (file_id, uid, metadata, updated)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (file_id)
		DO UPDATE SET uid = EXCLUDED.uid, metadata = EXCLUDED.metadata, updated = now()
	`
	if _, err := r.db.ExecContext(ctx, query, fileID, uid, metadata); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns the stored blob for a file, or common.ErrNotFound.
func (r *PostgresRepository) Get(ctx context.Context, fileID string) ([]byte, error) {
	var metadata []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT metadata FROM file_metadata WHERE file_id=$1`, fileID,
	).Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return metadata, nil
}
