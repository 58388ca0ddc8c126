package filemeta

import "context"

// Repository persists the per-file signature-field layout blob. Keyed by
// file identity, last write wins, no history.
type Repository interface {
	Store(ctx context.Context, uid, fileID string, metadata []byte) error
	Get(ctx context.Context, fileID string) ([]byte, error)
}
