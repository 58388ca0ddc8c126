package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/dkrasnov/signflow/internal/logging"
	"github.com/dkrasnov/signflow/internal/server/models"
	"github.com/dkrasnov/signflow/internal/server/services"
	"github.com/dkrasnov/signflow/internal/server/throttle"
)

// UIDHeader carries the host-authenticated user id. The host (or its
// reverse proxy) authenticates the user and forwards the id here.
const UIDHeader = "X-Forwarded-User"

// Body size caps per endpoint class.
const (
	maxJSONBody = 64 << 10
	maxSignForm = 8 << 20
)

// Coordinator is the slice of the signing service the handlers use.
// *services.SigningService satisfies it; tests substitute a fake.
type Coordinator interface {
	CreateRequest(ctx context.Context, in services.CreateInput) (string, error)
	SignRecipient(ctx context.Context, in services.SignInput) (*services.SignOutcome, error)
	ProcessSignedNotification(ctx context.Context, in services.NotifyInput) error
	DeleteRequest(ctx context.Context, requestID, actingUID string) error
	OwnRequests(ctx context.Context, uid string) ([]*models.SignRequest, error)
	OwnRequest(ctx context.Context, id, uid string) (*models.SignRequest, error)
	IncomingRequests(ctx context.Context, in services.IncomingInput) ([]*models.SignRequest, error)
}

// Handler glues the coordinator to HTTP.
type Handler struct {
	coord    Coordinator
	throttle throttle.Store
	logger   logging.Logger
}

func NewHandler(coord Coordinator, th throttle.Store, l logging.Logger) *Handler {
	return &Handler{
		coord:    coord,
		throttle: th,
		logger:   l.With("module", "http_handler"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/requests", h.createRequest)
		r.Get("/requests", h.listOwnRequests)
		r.Get("/requests/incoming", h.listIncomingRequests)
		r.Get("/requests/{id}", h.getOwnRequest)
		r.Delete("/requests/{id}", h.deleteRequest)
		r.Post("/sign/{id}", h.sign)
	})

	r.Post("/webhooks/signed", h.signedWebhook)

	return r
}

// -------- request management --------

type createRequestBody struct {
	FileID     string          `json:"file_id"`
	Recipients []recipientBody `json:"recipients"`
	Options    json.RawMessage `json:"options,omitempty"`
	Metadata   json.RawMessage `json:"metadata"`
}

type recipientBody struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	DisplayName string `json:"display_name,omitempty"`
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(UIDHeader)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rcpts := make([]*models.Recipient, 0, len(body.Recipients))
	for _, rc := range body.Recipients {
		rcpts = append(rcpts, &models.Recipient{
			Type:        models.RecipientType(rc.Type),
			Value:       rc.Value,
			DisplayName: rc.DisplayName,
		})
	}

	id, err := h.coord.CreateRequest(r.Context(), services.CreateInput{
		OwnerUID:   uid,
		FileID:     body.FileID,
		Recipients: rcpts,
		Options:    body.Options,
		Metadata:   body.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) listOwnRequests(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(UIDHeader)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	reqs, err := h.coord.OwnRequests(r.Context(), uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestViews(reqs))
}

func (h *Handler) getOwnRequest(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(UIDHeader)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	req, err := h.coord.OwnRequest(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView(req))
}

// listIncomingRequests serves a recipient's inbox. User identities come from
// the host auth header; email identities must prove themselves with the
// inbox token from their invitation, so the endpoint cannot be used to
// enumerate other identities' requests.
func (h *Handler) listIncomingRequests(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(UIDHeader)
	q := r.URL.Query()

	t := models.RecipientType(q.Get("type"))
	value := q.Get("value")
	if t == "" {
		t = models.RecipientTypeUser
	}
	if value == "" {
		value = uid
	}
	if value == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	reqs, err := h.coord.IncomingRequests(r.Context(), services.IncomingInput{
		Type:          t,
		Value:         value,
		UnsignedOnly:  q.Get("unsigned") == "true",
		ActingUID:     uid,
		IdentityToken: q.Get("token"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestViews(reqs))
}

func (h *Handler) deleteRequest(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(UIDHeader)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.coord.DeleteRequest(r.Context(), chi.URLParam(r, "id"), uid); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -------- signing --------

// The sign endpoint is public: email recipients are not host users. The
// multipart form carries the recipient identity plus per-field signature
// images, files keyed image[<fieldID>] and references keyed ref[<fieldID>].
func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxSignForm); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	in := services.SignInput{
		RequestID:      chi.URLParam(r, "id"),
		RecipientType:  models.RecipientType(r.FormValue("recipient_type")),
		RecipientValue: r.FormValue("recipient_value"),
		ActingUID:      r.Header.Get(UIDHeader),
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
	}

	for key, vals := range r.MultipartForm.Value {
		if fieldID, ok := bracketed(key, "ref"); ok && len(vals) > 0 {
			in.Images = append(in.Images, services.FieldImage{FieldID: fieldID, Ref: vals[0]})
		}
	}
	for key, files := range r.MultipartForm.File {
		fieldID, ok := bracketed(key, "image")
		if !ok || len(files) == 0 {
			continue
		}
		f, err := files[0].Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable image upload")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable image upload")
			return
		}
		in.Images = append(in.Images, services.FieldImage{FieldID: fieldID, Data: data})
	}

	out, err := h.coord.SignRecipient(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signed":      out.SignedAt.Format(time.RFC3339),
		"last":        out.Last,
		"details_url": out.DetailsURL,
	})
}

// bracketed extracts id from keys of the form prefix[id].
func bracketed(key, prefix string) (string, bool) {
	if !strings.HasPrefix(key, prefix+"[") || !strings.HasSuffix(key, "]") {
		return "", false
	}
	id := key[len(prefix)+1 : len(key)-1]
	return id, id != ""
}

// -------- views --------

type recipientJSON struct {
	Type        string     `json:"type"`
	Value       string     `json:"value"`
	DisplayName string     `json:"display_name,omitempty"`
	Signed      *time.Time `json:"signed,omitempty"`
}

type requestJSON struct {
	ID         string          `json:"id"`
	FileID     string          `json:"file_id"`
	Created    time.Time       `json:"created"`
	Recipients []recipientJSON `json:"recipients"`
	AllSigned  bool            `json:"all_signed"`
}

func requestView(req *models.SignRequest) requestJSON {
	out := requestJSON{
		ID:        req.ID,
		FileID:    req.FileID,
		Created:   req.Created,
		AllSigned: req.AllSigned(),
	}
	for _, rc := range req.Recipients {
		out.Recipients = append(out.Recipients, recipientJSON{
			Type:        string(rc.Type),
			Value:       rc.Value,
			DisplayName: rc.DisplayName,
			Signed:      rc.Signed,
		})
	}
	return out
}

func requestViews(reqs []*models.SignRequest) []requestJSON {
	out := make([]requestJSON, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, requestView(req))
	}
	return out
}

// -------- error mapping --------

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrUnconfigured):
		return http.StatusServiceUnavailable, "unconfigured"
	case errors.Is(err, common.ErrAlreadySigned):
		return http.StatusConflict, "already signed"
	case errors.Is(err, common.ErrValidation),
		errors.Is(err, common.ErrInvalidMetadata),
		errors.Is(err, common.ErrInvalidFiletype),
		errors.Is(err, common.ErrSignatureImageMissing),
		errors.Is(err, common.ErrSignatureImageTooLarge):
		return http.StatusBadRequest, "validation failed"
	case errors.Is(err, common.ErrFileAccess):
		return http.StatusForbidden, "file not accessible"
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, common.ErrConnection):
		return http.StatusBadGateway, "signing service unreachable"
	case errors.Is(err, common.ErrUpstream), errors.Is(err, common.ErrInvalidResponse):
		return http.StatusBadGateway, "signing service error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// fail maps err to an HTTP response. Throttle-marked errors first register a
// failed probe for the origin and hold the response for the earned delay, so
// enumeration attempts cannot distinguish outcomes by response time alone.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, common.ErrThrottle) {
		origin := clientIP(r)
		if terr := h.throttle.Register(ctx, origin); terr != nil {
			h.logger.Warn(ctx, "registering throttle probe", "error", terr)
		}
		if d, terr := h.throttle.Delay(ctx, origin); terr == nil && d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
	}

	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(ctx, "request failed", "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug(ctx, "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, msg)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
