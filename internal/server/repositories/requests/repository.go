package requests

import (
	"context"
	"time"

	"github.com/dkrasnov/signflow/internal/server/models"
)

// Repository persists signing requests and their embedded recipient lists.
type Repository interface {
	Store(ctx context.Context, req *models.SignRequest) error
	GetByID(ctx context.Context, id string) (*models.SignRequest, error)
	GetOwnByID(ctx context.Context, id, ownerUID string) (*models.SignRequest, error)
	GetByExternalFileID(ctx context.Context, externalFileID string) (*models.SignRequest, error)
	GetByExternalSignatureID(ctx context.Context, signatureID string) (*models.SignRequest, error)
	ListOwn(ctx context.Context, ownerUID string) ([]*models.SignRequest, error)
	Incoming(ctx context.Context, t models.RecipientType, value string, unsignedOnly bool) ([]*models.SignRequest, error)

	// MarkSigned atomically transitions one recipient from pending to
	// signed. It reports whether this call performed the transition and
	// how many recipients remain pending afterwards; exactly one caller
	// can observe (performed, remaining == 0) for a given request.
	MarkSigned(ctx context.Context, requestID string, t models.RecipientType, value string, externalSignatureID string, signedAt time.Time) (performed bool, remaining int, err error)

	DeleteByID(ctx context.Context, id string) error
}
