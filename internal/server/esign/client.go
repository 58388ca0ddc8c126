// Package esign wraps the HTTP contract with the external signing service:
// uploading a file for signature, submitting a recipient's signature,
// deleting a remote file, and building authenticated download URLs.
//
// Failures are split into two classes the coordinator treats differently:
// network-level failures (wrapped common.ErrConnection, retryable by the
// caller) and application-level failures (*APIError, wrapping
// common.ErrUpstream).
package esign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/dkrasnov/signflow/internal/logging"
	"github.com/dkrasnov/signflow/internal/server/auth"
)

// TokenHeader carries the per-request token on outbound calls.
const TokenHeader = "X-Sign-Token"

// StatusSuccess is the application-level status the service returns on success.
const StatusSuccess = "success"

// maxResponseSize bounds how much of an upstream response body is read.
const maxResponseSize = 1 << 20

// Account identifies one configured account at the signing service.
type Account struct {
	ID      string
	BaseURL string
	Secret  string
}

// Configured reports whether the account carries everything needed to talk
// to the service.
func (a Account) Configured() bool {
	return a.ID != "" && a.BaseURL != "" && a.Secret != ""
}

// APIError is an application-level error response from the signing service.
type APIError struct {
	Code       string
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signing service error: %s (http %d)", e.Code, e.HTTPStatus)
}

func (e *APIError) Unwrap() error { return common.ErrUpstream }

// FileUpload is the document sent upstream for signing.
type FileUpload struct {
	ID       string
	Name     string
	MimeType string
	Data     []byte
}

// ShareRecipient is the outbound recipient descriptor in the upload sidecar.
type ShareRecipient struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	DisplayName string `json:"display_name,omitempty"`
}

// RemoteRecipient is the service's enriched view of a recipient, carrying
// the per-recipient signature handle.
type RemoteRecipient struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	SignatureID string `json:"signature_id"`
}

// ShareResult is the outcome of a successful upload.
type ShareResult struct {
	FileID     string
	ResultID   string
	Recipients []RemoteRecipient
}

// SignaturePart is one signature image for one field of a sign call.
// Exactly one of ImageRef and Image is set: ImageRef references an image id
// the service already holds, Image carries raw bytes to upload.
type SignaturePart struct {
	FieldID  string
	ImageRef string
	Image    []byte
}

// SignOptions is the options sidecar of a sign call.
type SignOptions struct {
	SignerType  string `json:"signer_type"`
	SignerValue string `json:"signer_value"`
	Version     int    `json:"version"`
}

// ClientMeta records where a sign call originated.
type ClientMeta struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// SignResult is the outcome of a successful sign call. Signed is nil when
// the service did not report a timestamp.
type SignResult struct {
	Signed *time.Time
}

// Client talks to the external signing service over HTTP. Every call derives
// a fresh short-lived token scoped to the resource it touches.
type Client struct {
	http   *http.Client
	tokens *auth.TokenSigner
	log    logging.Logger
}

// NewClient constructs a Client with a bounded request timeout.
func NewClient(tokens *auth.TokenSigner, timeout time.Duration, log logging.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		tokens: tokens,
		log:    log.With("module", "esign_client"),
	}
}

type shareResponse struct {
	Status      string            `json:"status"`
	FileID      string            `json:"file_id"`
	SignatureID string            `json:"signature_id"`
	Recipients  []RemoteRecipient `json:"recipients"`
	Message     string            `json:"message"`
}

// ShareFile uploads the file and the recipient/metadata sidecar, creating a
// remote signing record. The response must carry a non-empty file id.
func (c *Client) ShareFile(ctx context.Context, acct Account, file FileUpload, recipients []ShareRecipient, metadata json.RawMessage) (*ShareResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if _, err := fw.Write(file.Data); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}

	sidecar, err := json.Marshal(struct {
		Recipients []ShareRecipient `json:"recipients"`
		Metadata   json.RawMessage  `json:"metadata"`
	}{Recipients: recipients, Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if err := w.WriteField("request", string(sidecar)); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/files/%s", acct.BaseURL, url.PathEscape(acct.ID))
	resp, err := c.do(ctx, acct, http.MethodPost, endpoint, file.ID, auth.PurposeShare, &body, w.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var parsed shareResponse
	if err := c.decode(resp, &parsed); err != nil {
		return nil, err
	}
	if parsed.FileID == "" {
		return nil, fmt.Errorf("%w: upload response has no file id", common.ErrInvalidResponse)
	}
	return &ShareResult{
		FileID:     parsed.FileID,
		ResultID:   parsed.SignatureID,
		Recipients: parsed.Recipients,
	}, nil
}

type signResponse struct {
	Status  string `json:"status"`
	Signed  string `json:"signed"`
	Message string `json:"message"`
}

// SignFile submits one recipient's signature images for an uploaded file.
// An HTTP 409 from the service maps to common.ErrAlreadySigned: the remote
// signature was already finalized by another path.
func (c *Client) SignFile(ctx context.Context, acct Account, externalFileID string, parts []SignaturePart, opts SignOptions, meta ClientMeta) (*SignResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	for _, p := range parts {
		if p.ImageRef != "" {
			if err := w.WriteField("ref["+p.FieldID+"]", p.ImageRef); err != nil {
				return nil, fmt.Errorf("building sign payload: %w", err)
			}
			continue
		}
		fw, err := w.CreateFormFile("image["+p.FieldID+"]", p.FieldID+".png")
		if err != nil {
			return nil, fmt.Errorf("building sign payload: %w", err)
		}
		if _, err := fw.Write(p.Image); err != nil {
			return nil, fmt.Errorf("building sign payload: %w", err)
		}
	}

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("building sign payload: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("building sign payload: %w", err)
	}
	if err := w.WriteField("options", string(optsJSON)); err != nil {
		return nil, fmt.Errorf("building sign payload: %w", err)
	}
	if err := w.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, fmt.Errorf("building sign payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("building sign payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/files/%s/sign/%s", acct.BaseURL, url.PathEscape(acct.ID), url.PathEscape(externalFileID))
	resp, err := c.do(ctx, acct, http.MethodPost, endpoint, externalFileID, auth.PurposeShare, &body, w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusConflict {
		return nil, common.ErrAlreadySigned
	}

	var parsed signResponse
	if err := c.decode(resp, &parsed); err != nil {
		return nil, err
	}

	result := &SignResult{}
	if parsed.Signed != "" {
		if ts, err := time.Parse(time.RFC3339, parsed.Signed); err == nil {
			result.Signed = &ts
		}
		// An unparsable timestamp is not fatal; the caller falls back
		// to its own clock.
	}
	return result, nil
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DeleteFile removes the remote signing record. It returns nil only when the
// service confirms the deletion.
func (c *Client) DeleteFile(ctx context.Context, acct Account, externalFileID string) error {
	endpoint := fmt.Sprintf("%s/files/%s/%s", acct.BaseURL, url.PathEscape(acct.ID), url.PathEscape(externalFileID))
	resp, err := c.do(ctx, acct, http.MethodDelete, endpoint, externalFileID, auth.PurposeShare, nil, "")
	if err != nil {
		return err
	}
	var parsed statusResponse
	return c.decode(resp, &parsed)
}

// OriginalURL builds a download link for the original document, embedding a
// fresh token scoped to the file.
func (c *Client) OriginalURL(acct Account, externalFileID string) (string, error) {
	return c.downloadURL(acct, fmt.Sprintf("%s/files/%s/%s", acct.BaseURL, url.PathEscape(acct.ID), url.PathEscape(externalFileID)), externalFileID)
}

// SignedURL builds a download link for the signed document.
func (c *Client) SignedURL(acct Account, externalFileID string) (string, error) {
	return c.downloadURL(acct, fmt.Sprintf("%s/files/%s/sign/%s", acct.BaseURL, url.PathEscape(acct.ID), url.PathEscape(externalFileID)), externalFileID)
}

// DetailsURL builds a link to the signature result details page.
func (c *Client) DetailsURL(acct Account, resultID string) (string, error) {
	return c.downloadURL(acct, fmt.Sprintf("%s/files/%s/details/%s", acct.BaseURL, url.PathEscape(acct.ID), url.PathEscape(resultID)), resultID)
}

func (c *Client) downloadURL(acct Account, endpoint, resource string) (string, error) {
	token, err := c.tokens.Token(acct.ID, resource, auth.PurposeDownload)
	if err != nil {
		return "", err
	}
	return endpoint + "?token=" + url.QueryEscape(token), nil
}

// response is a fully read upstream reply.
type response struct {
	status int
	body   []byte
}

// do issues one request with a freshly minted token attached. Transport
// failures, including timeouts, come back wrapped in common.ErrConnection.
func (c *Client) do(ctx context.Context, acct Account, method, endpoint, resource, purpose string, body io.Reader, contentType string) (*response, error) {
	token, err := c.tokens.Token(acct.ID, resource, purpose)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(TokenHeader, token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn(ctx, "signing service unreachable", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("%w: %v", common.ErrConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", common.ErrConnection, err)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// decode parses a JSON reply that carries a "status" field and converts
// non-success replies, HTTP-level or application-level, into *APIError.
func (c *Client) decode(resp *response, out any) error {
	if resp.status >= 300 {
		return &APIError{Code: httpErrorCode(resp), HTTPStatus: resp.status}
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidResponse, err)
	}
	if status := responseStatus(resp.body); status != StatusSuccess {
		return &APIError{Code: status, HTTPStatus: resp.status}
	}
	return nil
}

// responseStatus extracts the application status from a reply body.
func responseStatus(body []byte) string {
	var s statusResponse
	if err := json.Unmarshal(body, &s); err != nil {
		return ""
	}
	return s.Status
}

// httpErrorCode maps an HTTP error reply to an application error code,
// preferring a code from the body over the bare status.
func httpErrorCode(resp *response) string {
	var s statusResponse
	if err := json.Unmarshal(resp.body, &s); err == nil && s.Status != "" {
		return s.Status
	}
	return fmt.Sprintf("http_%d", resp.status)
}
