// Package notify defines the typed events the coordinator emits when
// recipients sign, plus the collaborator interfaces that consume them:
// mail invitations on share and signed-result archival on completion.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkrasnov/signflow/internal/logging"
	"github.com/dkrasnov/signflow/internal/server/models"
)

// SignedEvent describes one recipient's signed transition. It is dispatched
// exactly once per transition; Last is true only for the transition that
// completed the request.
type SignedEvent struct {
	RequestID      string
	Request        *models.SignRequest
	RecipientType  models.RecipientType
	RecipientValue string
	SignedAt       time.Time
	ActingUID      string
	Last           bool
}

// Dispatcher receives signed events.
type Dispatcher interface {
	RecipientSigned(ctx context.Context, ev *SignedEvent)
}

// Mailer sends signing invitations to email-type recipients. Content and
// delivery are the host's concern; the coordinator decides who qualifies and
// supplies the per-recipient signing id plus an inbox token the recipient
// uses to list their incoming requests.
type Mailer interface {
	SendSignInvitation(ctx context.Context, req *models.SignRequest, recipient *models.Recipient, inboxToken string) error
}

// Archiver saves the signed result once every recipient has signed.
type Archiver interface {
	SaveSignedResult(ctx context.Context, req *models.SignRequest) error
}

// LogDispatcher is the default Dispatcher: it records events in the log.
// Deployments hook their own consumer in its place.
type LogDispatcher struct {
	log logging.Logger
}

// NewLogDispatcher constructs a LogDispatcher.
func NewLogDispatcher(log logging.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.With("module", "notify")}
}

func (d *LogDispatcher) RecipientSigned(ctx context.Context, ev *SignedEvent) {
	d.log.Info(ctx, "recipient signed",
		"request_id", ev.RequestID,
		"recipient_type", string(ev.RecipientType),
		"recipient_value", ev.RecipientValue,
		"signed_at", ev.SignedAt,
		"last", ev.Last,
	)
}

// LogMailer is the default Mailer: it records the invitation in the log.
// Deployments integrate their mail delivery in its place.
type LogMailer struct {
	log logging.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(log logging.Logger) *LogMailer {
	return &LogMailer{log: log.With("module", "mailer")}
}

func (m *LogMailer) SendSignInvitation(ctx context.Context, req *models.SignRequest, rc *models.Recipient, inboxToken string) error {
	m.log.Info(ctx, "sign invitation",
		"request_id", req.ID,
		"recipient", rc.Value,
		"signature_id", rc.ExternalSignatureID,
	)
	return nil
}

// FileArchiver saves the completed request as a JSON document in a local
// directory, one file per request.
type FileArchiver struct {
	dir string
}

// NewFileArchiver constructs a FileArchiver writing into dir.
func NewFileArchiver(dir string) (*FileArchiver, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &FileArchiver{dir: dir}, nil
}

func (a *FileArchiver) SaveSignedResult(ctx context.Context, req *models.SignRequest) error {
	b, err := json.MarshalIndent(archivedRequest(req), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.dir, req.ID+".json"), b, 0o640)
}

type archivedRecipient struct {
	Type        string     `json:"type"`
	Value       string     `json:"value"`
	DisplayName string     `json:"display_name,omitempty"`
	Signed      *time.Time `json:"signed,omitempty"`
}

type archivedResult struct {
	RequestID      string              `json:"request_id"`
	FileID         string              `json:"file_id"`
	OwnerUID       string              `json:"owner_uid"`
	Created        time.Time           `json:"created"`
	ExternalFileID string              `json:"external_file_id"`
	ResultID       string              `json:"result_id,omitempty"`
	Recipients     []archivedRecipient `json:"recipients"`
}

func archivedRequest(req *models.SignRequest) archivedResult {
	out := archivedResult{
		RequestID:      req.ID,
		FileID:         req.FileID,
		OwnerUID:       req.OwnerUID,
		Created:        req.Created,
		ExternalFileID: req.ExternalFileID,
		ResultID:       req.ExternalResultID,
	}
	for _, rc := range req.Recipients {
		out.Recipients = append(out.Recipients, archivedRecipient{
			Type:        string(rc.Type),
			Value:       rc.Value,
			DisplayName: rc.DisplayName,
			Signed:      rc.Signed,
		})
	}
	return out
}
