package esign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/dkrasnov/signflow/internal/logging"
	"github.com/dkrasnov/signflow/internal/server/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *auth.TokenSigner) {
	t.Helper()
	tokens := auth.NewTokenSigner("test-secret", time.Minute)
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewClient(tokens, 5*time.Second, log), tokens
}

func testAccount(baseURL string) Account {
	return Account{ID: "acc1", BaseURL: baseURL, Secret: "test-secret"}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	return buf.Bytes()
}

func TestShareFile_Success(t *testing.T) {
	client, tokens := newTestClient(t)

	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/files/acc1", r.URL.Path)
		gotToken = r.Header.Get(TokenHeader)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "contract.pdf", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("%PDF-1.7"), data)

		var sidecar struct {
			Recipients []ShareRecipient `json:"recipients"`
			Metadata   json.RawMessage  `json:"metadata"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("request")), &sidecar))
		require.Len(t, sidecar.Recipients, 1)
		assert.Equal(t, "a@x.com", sidecar.Recipients[0].Value)

		json.NewEncoder(w).Encode(map[string]any{
			"status":       "success",
			"file_id":      "ext-abc",
			"signature_id": "res-1",
			"recipients": []map[string]string{
				{"type": "email", "value": "a@x.com", "signature_id": "sig-1"},
			},
		})
	}))
	defer srv.Close()

	res, err := client.ShareFile(context.Background(), testAccount(srv.URL),
		FileUpload{ID: "host-file-1", Name: "contract.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.7")},
		[]ShareRecipient{{Type: "email", Value: "a@x.com"}},
		json.RawMessage(`{"signature_fields":[{"id":"f1"}]}`),
	)
	require.NoError(t, err)
	assert.Equal(t, "ext-abc", res.FileID)
	assert.Equal(t, "res-1", res.ResultID)
	require.Len(t, res.Recipients, 1)
	assert.Equal(t, "sig-1", res.Recipients[0].SignatureID)

	assert.NoError(t, tokens.Validate(gotToken, "acc1", "host-file-1", auth.PurposeShare),
		"upload must carry a token scoped to the account and file")
}

func TestShareFile_MissingFileID(t *testing.T) {
	client, _ := newTestClient(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	_, err := client.ShareFile(context.Background(), testAccount(srv.URL),
		FileUpload{ID: "f", Name: "a.pdf", Data: []byte("x")}, nil, nil)
	assert.True(t, errors.Is(err, common.ErrInvalidResponse))
}

func TestShareFile_UpstreamErrorStatus(t *testing.T) {
	client, _ := newTestClient(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "quota_exceeded"})
	}))
	defer srv.Close()

	_, err := client.ShareFile(context.Background(), testAccount(srv.URL),
		FileUpload{ID: "f", Name: "a.pdf", Data: []byte("x")}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUpstream))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "quota_exceeded", apiErr.Code)
}

func TestShareFile_ConnectionError(t *testing.T) {
	client, _ := newTestClient(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := client.ShareFile(context.Background(), testAccount(srv.URL),
		FileUpload{ID: "f", Name: "a.pdf", Data: []byte("x")}, nil, nil)
	assert.True(t, errors.Is(err, common.ErrConnection))
}

func TestSignFile_Success(t *testing.T) {
	client, _ := newTestClient(t)
	img := pngBytes(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/acc1/sign/ext-abc", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		// One uploaded image, one reference, plus the JSON sidecars.
		f, _, err := r.FormFile("image[f1]")
		require.NoError(t, err)
		defer f.Close()
		uploaded, _ := io.ReadAll(f)
		assert.Equal(t, img, uploaded)
		assert.Equal(t, "img-77", r.FormValue("ref[f2]"))

		var opts SignOptions
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("options")), &opts))
		assert.Equal(t, "email", opts.SignerType)
		assert.Equal(t, "a@x.com", opts.SignerValue)

		var meta ClientMeta
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &meta))
		assert.Equal(t, "203.0.113.9", meta.IP)

		json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
			"signed": "2023-01-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	res, err := client.SignFile(context.Background(), testAccount(srv.URL), "ext-abc",
		[]SignaturePart{
			{FieldID: "f1", Image: img},
			{FieldID: "f2", ImageRef: "img-77"},
		},
		SignOptions{SignerType: "email", SignerValue: "a@x.com", Version: 1},
		ClientMeta{IP: "203.0.113.9", UserAgent: "test-agent"},
	)
	require.NoError(t, err)
	require.NotNil(t, res.Signed)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), res.Signed.UTC())
}

func TestSignFile_ConflictMapsToAlreadySigned(t *testing.T) {
	client, _ := newTestClient(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"status": "already_signed"})
	}))
	defer srv.Close()

	_, err := client.SignFile(context.Background(), testAccount(srv.URL), "ext-abc", nil, SignOptions{}, ClientMeta{})
	assert.True(t, errors.Is(err, common.ErrAlreadySigned))
}

func TestSignFile_UnparsableTimestamp(t *testing.T) {
	client, _ := newTestClient(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "signed": "yesterday"})
	}))
	defer srv.Close()

	res, err := client.SignFile(context.Background(), testAccount(srv.URL), "ext-abc", nil, SignOptions{}, ClientMeta{})
	require.NoError(t, err)
	assert.Nil(t, res.Signed)
}

func TestDeleteFile(t *testing.T) {
	client, _ := newTestClient(t)

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			require.Equal(t, "/files/acc1/ext-abc", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]string{"status": "success"})
		}))
		defer srv.Close()
		assert.NoError(t, client.DeleteFile(context.Background(), testAccount(srv.URL), "ext-abc"))
	})

	t.Run("non-success status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "error"})
		}))
		defer srv.Close()
		err := client.DeleteFile(context.Background(), testAccount(srv.URL), "ext-abc")
		assert.True(t, errors.Is(err, common.ErrUpstream))
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()
		err := client.DeleteFile(context.Background(), testAccount(srv.URL), "ext-abc")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusInternalServerError, apiErr.HTTPStatus)
	})
}

func TestDownloadURLs_EmbedScopedTokens(t *testing.T) {
	client, tokens := newTestClient(t)
	acct := testAccount("https://sign.example.com")

	original, err := client.OriginalURL(acct, "ext-abc")
	require.NoError(t, err)
	signed, err := client.SignedURL(acct, "ext-abc")
	require.NoError(t, err)
	details, err := client.DetailsURL(acct, "res-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(original, "https://sign.example.com/files/acc1/ext-abc?token="))
	assert.True(t, strings.HasPrefix(signed, "https://sign.example.com/files/acc1/sign/ext-abc?token="))

	u, err := url.Parse(details)
	require.NoError(t, err)
	tok := u.Query().Get("token")
	require.NotEmpty(t, tok)
	assert.NoError(t, tokens.Validate(tok, "acc1", "res-1", auth.PurposeDownload))
	assert.Error(t, tokens.Validate(tok, "acc1", "ext-abc", auth.PurposeDownload),
		"download tokens must not be reusable across resources")
}

func TestValidateSignatureImage(t *testing.T) {
	assert.NoError(t, ValidateSignatureImage(pngBytes(t)))
	assert.True(t, errors.Is(ValidateSignatureImage(nil), common.ErrSignatureImageMissing))
	assert.True(t, errors.Is(ValidateSignatureImage([]byte("not an image")), common.ErrValidation))
	assert.True(t, errors.Is(ValidateSignatureImage(make([]byte, MaxImageSize+1)), common.ErrSignatureImageTooLarge))
}
