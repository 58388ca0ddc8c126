// Package services contains the server-side business logic. This file
// implements SigningService, the coordinator for the signing-request
// lifecycle: creating a request, recording individual signatures (both the
// synchronous path and the asynchronous signed-notification path), and
// deleting a request together with its remote record.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/dkrasnov/signflow/internal/dbx"
	"github.com/dkrasnov/signflow/internal/logging"
	"github.com/dkrasnov/signflow/internal/server/auth"
	"github.com/dkrasnov/signflow/internal/server/directory"
	"github.com/dkrasnov/signflow/internal/server/esign"
	"github.com/dkrasnov/signflow/internal/server/filestore"
	"github.com/dkrasnov/signflow/internal/server/models"
	"github.com/dkrasnov/signflow/internal/server/notify"
	"github.com/dkrasnov/signflow/internal/server/repositories/repomanager"
	"github.com/dkrasnov/signflow/internal/server/sigimage"
	"github.com/dkrasnov/signflow/internal/server/validation"
	"github.com/google/uuid"
)

// signFormatVersion is the format version sent in the sign-call options part.
const signFormatVersion = 1

// ESignClient is the slice of the signing-service client the coordinator
// uses. *esign.Client satisfies it; tests substitute a fake.
type ESignClient interface {
	ShareFile(ctx context.Context, acct esign.Account, file esign.FileUpload, recipients []esign.ShareRecipient, metadata json.RawMessage) (*esign.ShareResult, error)
	SignFile(ctx context.Context, acct esign.Account, externalFileID string, parts []esign.SignaturePart, opts esign.SignOptions, meta esign.ClientMeta) (*esign.SignResult, error)
	DeleteFile(ctx context.Context, acct esign.Account, externalFileID string) error
	DetailsURL(acct esign.Account, resultID string) (string, error)
}

// Deps bundles the collaborators of the SigningService.
type Deps struct {
	DB         *sql.DB
	Repos      repomanager.RepositoryManager
	Client     ESignClient
	Account    esign.Account
	Tokens     *auth.TokenSigner
	Directory  directory.Directory
	Files      filestore.Store
	Images     sigimage.Store
	Dispatcher notify.Dispatcher
	Mailer     notify.Mailer
	Archiver   notify.Archiver
	Logger     logging.Logger
}

// SigningService coordinates the signing-request lifecycle.
type SigningService struct {
	db         *sql.DB
	repos      repomanager.RepositoryManager
	client     ESignClient
	account    esign.Account
	tokens     *auth.TokenSigner
	dir        directory.Directory
	files      filestore.Store
	images     sigimage.Store
	dispatcher notify.Dispatcher
	mailer     notify.Mailer
	archiver   notify.Archiver
	logger     logging.Logger

	// now is a test seam.
	now func() time.Time
}

// NewSigningService constructs the coordinator.
func NewSigningService(d Deps) *SigningService {
	return &SigningService{
		db:         d.DB,
		repos:      d.Repos,
		client:     d.Client,
		account:    d.Account,
		tokens:     d.Tokens,
		dir:        d.Directory,
		files:      d.Files,
		images:     d.Images,
		dispatcher: d.Dispatcher,
		mailer:     d.Mailer,
		archiver:   d.Archiver,
		logger:     d.Logger.With("module", "signing_service"),
		now:        time.Now,
	}
}

// throttled marks an error as throttle-worthy for public endpoints.
func throttled(err error) error {
	return errors.Join(err, common.ErrThrottle)
}

// CreateInput is everything needed to create a signing request.
type CreateInput struct {
	OwnerUID   string
	FileID     string
	Recipients []*models.Recipient
	Options    json.RawMessage
	Metadata   json.RawMessage
}

// CreateRequest validates the input, uploads the file to the signing
// service, and persists the new request. Nothing is persisted unless the
// upstream call succeeds. It returns the new request id.
func (s *SigningService) CreateRequest(ctx context.Context, in CreateInput) (string, error) {
	if !s.account.Configured() {
		return "", common.ErrUnconfigured
	}

	if err := s.resolveRecipients(ctx, in.Recipients); err != nil {
		return "", err
	}

	problems := validation.ShareMetadata(in.Metadata)
	problems = append(problems, validation.ShareOptions(in.Options)...)
	if len(problems) > 0 {
		return "", fmt.Errorf("%w: %s", common.ErrValidation, strings.Join(problems, "; "))
	}

	var metadata models.Metadata
	if err := json.Unmarshal(in.Metadata, &metadata); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidMetadata, err)
	}
	if err := validation.FieldBinding(&metadata, len(in.Recipients)); err != nil {
		return "", err
	}

	file, err := s.resolveFile(ctx, in.OwnerUID, in.FileID)
	if err != nil {
		return "", err
	}

	result, err := s.client.ShareFile(ctx, s.account,
		esign.FileUpload{ID: file.ID, Name: file.Name, MimeType: file.MimeType, Data: file.Data},
		shareRecipients(in.Recipients), in.Metadata)
	if err != nil {
		return "", err
	}

	req := &models.SignRequest{
		ID:                uuid.NewString(),
		FileID:            in.FileID,
		OwnerUID:          in.OwnerUID,
		Created:           s.now(),
		Recipients:        in.Recipients,
		Metadata:          &metadata,
		ExternalFileID:    result.FileID,
		ExternalServer:    s.account.BaseURL,
		ExternalAccountID: s.account.ID,
		ExternalResultID:  result.ResultID,
	}
	if len(in.Options) > 0 {
		if err := json.Unmarshal(in.Options, &req.Options); err != nil {
			return "", fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
	}
	applySignatureIDs(req, result.Recipients)

	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Requests(tx).Store(ctx, req); err != nil {
			return err
		}
		return s.repos.FileMetadata(tx).Store(ctx, in.OwnerUID, in.FileID, in.Metadata)
	}); err != nil {
		return "", fmt.Errorf("persisting request: %w", err)
	}

	s.inviteEmailRecipients(ctx, req)

	s.logger.Info(ctx, "signing request created",
		"request_id", req.ID, "file_id", req.FileID, "recipients", len(req.Recipients))
	return req.ID, nil
}

// FieldImage is the caller-supplied signature image for one field: either a
// reference to an image the service already holds or raw uploaded bytes.
type FieldImage struct {
	FieldID string
	Ref     string
	Data    []byte
}

// SignInput identifies the recipient signing a request and carries the
// signature images for their fields.
type SignInput struct {
	RequestID      string
	RecipientType  models.RecipientType
	RecipientValue string
	ActingUID      string
	Images         []FieldImage
	ClientIP       string
	UserAgent      string
}

// SignOutcome is the result of a successful sign call.
type SignOutcome struct {
	SignedAt   time.Time
	Last       bool
	DetailsURL string
}

// SignRecipient records one recipient's signature: it submits the signature
// images upstream, performs the atomic pending→signed transition, and fans
// out completion side effects when this was the last pending recipient.
func (s *SigningService) SignRecipient(ctx context.Context, in SignInput) (*SignOutcome, error) {
	req, err := s.repos.Requests(s.db).GetByID(ctx, in.RequestID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, throttled(fmt.Errorf("request %q: %w", in.RequestID, common.ErrNotFound))
	}
	if err != nil {
		return nil, err
	}

	rc := req.Recipient(in.RecipientType, in.RecipientValue)
	if rc == nil {
		return nil, throttled(fmt.Errorf("recipient: %w", common.ErrNotFound))
	}
	if rc.Signed != nil {
		return nil, common.ErrAlreadySigned
	}
	if req.ExternalAccountID != s.account.ID {
		return nil, fmt.Errorf("%w: request belongs to another account", common.ErrForbidden)
	}

	parts, err := s.buildSignatureParts(ctx, req, rc, in)
	if err != nil {
		return nil, err
	}

	result, err := s.client.SignFile(ctx, s.account, req.ExternalFileID, parts,
		esign.SignOptions{
			SignerType:  string(rc.Type),
			SignerValue: rc.Value,
			Version:     signFormatVersion,
		},
		esign.ClientMeta{IP: in.ClientIP, UserAgent: in.UserAgent})
	if err != nil {
		// An upstream conflict means another path already finalized this
		// signature; the asynchronous notification records it locally.
		return nil, err
	}

	signedAt := s.now()
	if result.Signed != nil {
		signedAt = *result.Signed
	}

	last, err := s.applySignedTransition(ctx, req, rc, signedAt, in.ActingUID)
	if err != nil {
		return nil, err
	}

	outcome := &SignOutcome{SignedAt: signedAt, Last: last}
	if last && req.ExternalResultID != "" {
		if url, err := s.client.DetailsURL(s.account, req.ExternalResultID); err == nil {
			outcome.DetailsURL = url
		}
	}
	return outcome, nil
}

// NotifyInput carries an asynchronous signed notification from the signing
// service.
type NotifyInput struct {
	ExternalFileID string
	SignatureID    string
	Token          string
	Body           []byte
}

// ProcessSignedNotification applies a signature the signing service
// confirmed out of band, covering the case where the synchronous sign
// response was inconclusive. The operation is idempotent: if the
// synchronous path already recorded the signature this is a no-op.
func (s *SigningService) ProcessSignedNotification(ctx context.Context, in NotifyInput) error {
	if err := s.tokens.Validate(in.Token, s.account.ID, in.SignatureID, auth.PurposeNotifySigned); err != nil {
		return throttled(common.ErrForbidden)
	}

	req, err := s.repos.Requests(s.db).GetByExternalFileID(ctx, in.ExternalFileID)
	if errors.Is(err, common.ErrNotFound) {
		return throttled(fmt.Errorf("file %q: %w", in.ExternalFileID, common.ErrNotFound))
	}
	if err != nil {
		return err
	}

	// The token was valid, so the caller is authenticated; an unknown
	// signature id is a plain miss with no throttle.
	rc := req.RecipientByExternalSignatureID(in.SignatureID)
	if rc == nil {
		return fmt.Errorf("signature %q: %w", in.SignatureID, common.ErrNotFound)
	}
	if rc.Signed != nil {
		return nil
	}

	signedAt := s.now()
	var details struct {
		Signed string `json:"signed"`
	}
	if err := json.Unmarshal(in.Body, &details); err == nil && details.Signed != "" {
		if ts, err := time.Parse(time.RFC3339, details.Signed); err == nil {
			signedAt = ts
		}
	}

	if _, err := s.applySignedTransition(ctx, req, rc, signedAt, ""); err != nil {
		return err
	}
	return nil
}

// DeleteRequest removes a request locally and upstream. Only the owner may
// delete, and local state is only touched after the upstream deletion
// succeeded.
func (s *SigningService) DeleteRequest(ctx context.Context, requestID, actingUID string) error {
	req, err := s.repos.Requests(s.db).GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.OwnerUID != actingUID {
		return fmt.Errorf("%w: not the request owner", common.ErrForbidden)
	}
	if req.ExternalAccountID != s.account.ID {
		return fmt.Errorf("%w: request belongs to another account", common.ErrForbidden)
	}

	if err := s.client.DeleteFile(ctx, s.account, req.ExternalFileID); err != nil {
		return err
	}

	if err := s.repos.Requests(s.db).DeleteByID(ctx, requestID); err != nil {
		return err
	}
	s.logger.Info(ctx, "signing request deleted", "request_id", requestID)
	return nil
}

// OwnRequests lists the requests created by uid.
func (s *SigningService) OwnRequests(ctx context.Context, uid string) ([]*models.SignRequest, error) {
	return s.repos.Requests(s.db).ListOwn(ctx, uid)
}

// OwnRequest loads one request owned by uid.
func (s *SigningService) OwnRequest(ctx context.Context, id, uid string) (*models.SignRequest, error) {
	return s.repos.Requests(s.db).GetOwnByID(ctx, id, uid)
}

// IncomingInput identifies whose inbox to list and how the caller proves
// that identity.
type IncomingInput struct {
	Type         models.RecipientType
	Value        string
	UnsignedOnly bool

	// ActingUID is the host-authenticated user id, proving user identities.
	ActingUID string
	// IdentityToken proves an email identity; it is the inbox token from
	// that recipient's invitation.
	IdentityToken string
}

// IncomingRequests lists requests addressed to the given recipient identity,
// optionally only those still awaiting that identity's signature. Callers may
// only list their own inbox: a user identity must match the authenticated
// uid, an email identity must present a valid inbox token. Failed proofs are
// throttle-marked, so guessing identities earns growing delays.
func (s *SigningService) IncomingRequests(ctx context.Context, in IncomingInput) ([]*models.SignRequest, error) {
	switch in.Type {
	case models.RecipientTypeUser:
		if in.ActingUID == "" || in.Value != in.ActingUID {
			return nil, throttled(fmt.Errorf("%w: inbox of user %q", common.ErrForbidden, in.Value))
		}
	case models.RecipientTypeEmail:
		if err := s.tokens.Validate(in.IdentityToken, s.account.ID, in.Value, auth.PurposeInbox); err != nil {
			return nil, throttled(fmt.Errorf("%w: inbox of email %q", common.ErrForbidden, in.Value))
		}
	default:
		return nil, fmt.Errorf("%w: %q (%w)", common.ErrUnknownRecipientType, in.Type, common.ErrValidation)
	}
	return s.repos.Requests(s.db).Incoming(ctx, in.Type, in.Value, in.UnsignedOnly)
}

// --- helpers below ---

func (s *SigningService) resolveRecipients(ctx context.Context, rcpts []*models.Recipient) error {
	if err := validation.Recipients(rcpts); err != nil {
		return err
	}
	for _, rc := range rcpts {
		if rc.Type != models.RecipientTypeUser {
			continue
		}
		u, err := s.dir.ResolveUser(ctx, rc.Value)
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: %q (%w)", common.ErrUnknownUser, rc.Value, common.ErrValidation)
		}
		if err != nil {
			return err
		}
		if rc.DisplayName == "" {
			rc.DisplayName = u.DisplayName
		}
	}
	return nil
}

func (s *SigningService) resolveFile(ctx context.Context, uid, fileID string) (*filestore.File, error) {
	file, err := s.files.Get(ctx, fileID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("file %q: %w", fileID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrFileAccess, err)
	}

	ok, err := s.files.CanReadWrite(ctx, uid, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrFileAccess, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: file %q", common.ErrFileAccess, fileID)
	}
	if file.MimeType != "application/pdf" {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidFiletype, file.MimeType)
	}
	return file, nil
}

// buildSignatureParts assembles the multipart payload for one recipient's
// fields. Per field the precedence is: explicit reference to an uploaded
// image, then a fresh upload (validated and size-capped), then the signer's
// configured personal image. The personal image is attached at most once and
// referenced by field id for subsequent fields of the same call.
func (s *SigningService) buildSignatureParts(ctx context.Context, req *models.SignRequest, rc *models.Recipient, in SignInput) ([]esign.SignaturePart, error) {
	idx := recipientIndex(req, rc)
	var fields []models.SignatureField
	if req.Metadata != nil {
		fields = req.Metadata.FieldsForRecipient(idx, len(req.Recipients))
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no signature fields for recipient", common.ErrInvalidMetadata)
	}

	byField := make(map[string]FieldImage, len(in.Images))
	for _, img := range in.Images {
		byField[img.FieldID] = img
	}

	var (
		parts           []esign.SignaturePart
		personal        []byte
		personalFieldID string
	)
	for _, f := range fields {
		img := byField[f.ID]
		switch {
		case img.Ref != "":
			parts = append(parts, esign.SignaturePart{FieldID: f.ID, ImageRef: img.Ref})

		case len(img.Data) > 0:
			if err := esign.ValidateSignatureImage(img.Data); err != nil {
				return nil, err
			}
			parts = append(parts, esign.SignaturePart{FieldID: f.ID, Image: img.Data})

		default:
			if personalFieldID != "" {
				parts = append(parts, esign.SignaturePart{FieldID: f.ID, ImageRef: personalFieldID})
				continue
			}
			if personal == nil {
				data, err := s.personalImage(ctx, rc, in.ActingUID)
				if err != nil {
					return nil, err
				}
				personal = data
			}
			parts = append(parts, esign.SignaturePart{FieldID: f.ID, Image: personal})
			personalFieldID = f.ID
		}
	}
	return parts, nil
}

// personalImage loads the signer's configured signature image.
func (s *SigningService) personalImage(ctx context.Context, rc *models.Recipient, actingUID string) ([]byte, error) {
	uid := actingUID
	if uid == "" && rc.Type == models.RecipientTypeUser {
		uid = rc.Value
	}
	if uid == "" {
		return nil, common.ErrSignatureImageMissing
	}
	data, err := s.images.Get(ctx, uid)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrSignatureImageMissing
	}
	if err != nil {
		return nil, err
	}
	if err := esign.ValidateSignatureImage(data); err != nil {
		return nil, err
	}
	return data, nil
}

// applySignedTransition performs the atomic pending→signed transition and,
// when this call won it, dispatches the signed event and — on the last
// recipient — archives the signed result. Exactly one caller per recipient
// can win; losers get ErrAlreadySigned.
func (s *SigningService) applySignedTransition(ctx context.Context, req *models.SignRequest, rc *models.Recipient, signedAt time.Time, actingUID string) (bool, error) {
	performed, remaining, err := s.repos.Requests(s.db).MarkSigned(ctx,
		req.ID, rc.Type, rc.Value, rc.ExternalSignatureID, signedAt)
	if err != nil {
		return false, err
	}
	if !performed {
		return false, common.ErrAlreadySigned
	}
	last := remaining == 0

	snapshot, err := s.repos.Requests(s.db).GetByID(ctx, req.ID)
	if err != nil {
		// The transition is recorded; dispatch with the stale snapshot
		// rather than dropping the event.
		s.logger.Warn(ctx, "reloading request after signing failed", "request_id", req.ID, "error", err)
		snapshot = req
	}

	s.dispatcher.RecipientSigned(ctx, &notify.SignedEvent{
		RequestID:      req.ID,
		Request:        snapshot,
		RecipientType:  rc.Type,
		RecipientValue: rc.Value,
		SignedAt:       signedAt,
		ActingUID:      actingUID,
		Last:           last,
	})

	if last {
		if err := s.archiver.SaveSignedResult(ctx, snapshot); err != nil {
			s.logger.Error(ctx, "saving signed result failed", "request_id", req.ID, "error", err)
		}
	}
	return last, nil
}

func (s *SigningService) inviteEmailRecipients(ctx context.Context, req *models.SignRequest) {
	for _, rc := range req.Recipients {
		if rc.Type != models.RecipientTypeEmail {
			continue
		}
		inboxToken, err := s.tokens.Token(s.account.ID, rc.Value, auth.PurposeInbox)
		if err != nil {
			s.logger.Warn(ctx, "minting inbox token failed",
				"request_id", req.ID, "recipient", rc.Value, "error", err)
			continue
		}
		if err := s.mailer.SendSignInvitation(ctx, req, rc, inboxToken); err != nil {
			s.logger.Warn(ctx, "sending sign invitation failed",
				"request_id", req.ID, "recipient", rc.Value, "error", err)
		}
	}
}

func recipientIndex(req *models.SignRequest, rc *models.Recipient) int {
	for i, r := range req.Recipients {
		if r == rc {
			return i
		}
	}
	return -1
}

func shareRecipients(rcpts []*models.Recipient) []esign.ShareRecipient {
	out := make([]esign.ShareRecipient, 0, len(rcpts))
	for _, rc := range rcpts {
		out = append(out, esign.ShareRecipient{
			Type:        string(rc.Type),
			Value:       rc.Value,
			DisplayName: rc.DisplayName,
		})
	}
	return out
}

// applySignatureIDs copies the per-recipient signature handles from the
// upload response onto the matching local recipients.
func applySignatureIDs(req *models.SignRequest, remote []esign.RemoteRecipient) {
	for _, rr := range remote {
		if rc := req.Recipient(models.RecipientType(rr.Type), rr.Value); rc != nil {
			rc.ExternalSignatureID = rr.SignatureID
		}
	}
}
