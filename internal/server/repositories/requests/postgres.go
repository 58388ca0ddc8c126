// Package requests provides the PostgreSQL-backed store for signing requests
// and their recipients. The recipient identity (request, type, value) is
// unique at the schema level, and deleting a request cascades to its
// recipients.
package requests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dkrasnov/signflow/internal/common"
	"github.com/dkrasnov/signflow/internal/dbx"
	"github.com/dkrasnov/signflow/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const requestColumns = `id, file_id, owner_uid, created, options, metadata, external_file_id, external_server, external_account_id, external_result_id`

// Store inserts the request and all of its recipients. Callers that need
// atomicity bind the repository to a transaction via dbx.WithTx.
func (r *PostgresRepository) Store(ctx context.Context, req *models.SignRequest) error {
	optionsJSON, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query := `
		INSERT INTO sign_requests
			(id, file_id, owner_uid, created, options, metadata, pending,
			 external_file_id, external_server, external_account_id, external_result_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := r.db.ExecContext(ctx, query,
		req.ID, req.FileID, req.OwnerUID, req.Created, optionsJSON, metadataJSON,
		len(req.Recipients), req.ExternalFileID, req.ExternalServer,
		req.ExternalAccountID, req.ExternalResultID,
	); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	recipientQuery := `
		INSERT INTO sign_recipients
			(request_id, idx, type, value, display_name, signed, external_signature_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i, rc := range req.Recipients {
		var signed sql.NullTime
		if rc.Signed != nil {
			signed = sql.NullTime{Time: *rc.Signed, Valid: true}
		}
		if _, err := r.db.ExecContext(ctx, recipientQuery,
			req.ID, i, string(rc.Type), rc.Value, rc.DisplayName, signed, rc.ExternalSignatureID,
		); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

// GetByID loads one request with its recipients in positional order.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.SignRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM sign_requests WHERE id=$1`
	return r.getOne(ctx, query, id)
}

// GetOwnByID loads one request only if it is owned by ownerUID.
func (r *PostgresRepository) GetOwnByID(ctx context.Context, id, ownerUID string) (*models.SignRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM sign_requests WHERE id=$1 AND owner_uid=$2`
	return r.getOne(ctx, query, id, ownerUID)
}

// GetByExternalFileID loads the request tied to the given remote file id.
func (r *PostgresRepository) GetByExternalFileID(ctx context.Context, externalFileID string) (*models.SignRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM sign_requests WHERE external_file_id=$1`
	return r.getOne(ctx, query, externalFileID)
}

// GetByExternalSignatureID loads the request containing the recipient whose
// remote signature handle equals signatureID.
func (r *PostgresRepository) GetByExternalSignatureID(ctx context.Context, signatureID string) (*models.SignRequest, error) {
	query := `
		SELECT ` + requestColumns + ` FROM sign_requests
		WHERE id IN (SELECT request_id FROM sign_recipients WHERE external_signature_id=$1)
	`
	return r.getOne(ctx, query, signatureID)
}

// ListOwn returns all requests created by ownerUID, newest first.
func (r *PostgresRepository) ListOwn(ctx context.Context, ownerUID string) ([]*models.SignRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM sign_requests WHERE owner_uid=$1 ORDER BY created DESC`
	return r.list(ctx, query, ownerUID)
}

// Incoming returns requests addressed to the given recipient identity across
// all requests, optionally restricted to ones that identity has not signed.
// The filter is dynamic, so the query is built with squirrel.
func (r *PostgresRepository) Incoming(ctx context.Context, t models.RecipientType, value string, unsignedOnly bool) ([]*models.SignRequest, error) {
	builder := sq.Select(
		"r.id", "r.file_id", "r.owner_uid", "r.created", "r.options", "r.metadata",
		"r.external_file_id", "r.external_server", "r.external_account_id", "r.external_result_id",
	).
		From("sign_requests r").
		Join("sign_recipients rc ON rc.request_id = r.id").
		Where(sq.Eq{"rc.type": string(t), "rc.value": value}).
		OrderBy("r.created DESC").
		PlaceholderFormat(sq.Dollar)

	if unsignedOnly {
		builder = builder.Where("rc.signed IS NULL")
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return r.list(ctx, query, args...)
}

// MarkSigned performs the atomic pending→signed transition. The parent row's
// pending counter is decremented in the same statement, which serializes
// concurrent signers of the same request and guarantees exactly one of them
// observes remaining == 0.
func (r *PostgresRepository) MarkSigned(ctx context.Context, requestID string, t models.RecipientType, value string, externalSignatureID string, signedAt time.Time) (bool, int, error) {
	query := `
		WITH signed_row AS (
			UPDATE sign_recipients
			SET signed = $1,
			    external_signature_id = CASE
			        WHEN external_signature_id = '' THEN $2
			        ELSE external_signature_id
			    END
			WHERE request_id = $3 AND type = $4 AND value = $5 AND signed IS NULL
			RETURNING request_id
		)
		UPDATE sign_requests
		SET pending = pending - 1
		WHERE id IN (SELECT request_id FROM signed_row)
		RETURNING pending
	`
	var remaining int
	err := r.db.QueryRowContext(ctx, query,
		signedAt, externalSignatureID, requestID, string(t), value,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		// Recipient missing or already signed; this call did nothing.
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("db error: %w", err)
	}
	return true, remaining, nil
}

// DeleteByID removes the request; the schema cascades recipient deletion.
func (r *PostgresRepository) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sign_requests WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.SignRequest, error) {
	req, err := r.scanRequest(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := r.loadRecipients(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.SignRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.SignRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, req := range result {
		if err := r.loadRecipients(ctx, req); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanRequest(row rowScanner) (*models.SignRequest, error) {
	var (
		req          models.SignRequest
		optionsJSON  []byte
		metadataJSON []byte
	)
	err := row.Scan(
		&req.ID, &req.FileID, &req.OwnerUID, &req.Created, &optionsJSON, &metadataJSON,
		&req.ExternalFileID, &req.ExternalServer, &req.ExternalAccountID, &req.ExternalResultID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &req.Options); err != nil {
			return nil, fmt.Errorf("decoding options: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		req.Metadata = &models.Metadata{}
		if err := json.Unmarshal(metadataJSON, req.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &req, nil
}

func (r *PostgresRepository) loadRecipients(ctx context.Context, req *models.SignRequest) error {
	query := `
		SELECT type, value, display_name, signed, external_signature_id
		FROM sign_recipients WHERE request_id=$1 ORDER BY idx
	`
	rows, err := r.db.QueryContext(ctx, query, req.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rc     models.Recipient
			rtype  string
			signed sql.NullTime
		)
		if err := rows.Scan(&rtype, &rc.Value, &rc.DisplayName, &signed, &rc.ExternalSignatureID); err != nil {
			return err
		}
		rc.Type = models.RecipientType(rtype)
		if signed.Valid {
			ts := signed.Time
			rc.Signed = &ts
		}
		req.Recipients = append(req.Recipients, &rc)
	}
	return rows.Err()
}
