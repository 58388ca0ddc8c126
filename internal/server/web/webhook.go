package web

import (
	"io"
	"net/http"

	"github.com/dkrasnov/signflow/internal/server/esign"
	"github.com/dkrasnov/signflow/internal/server/services"
)

// Webhook headers carrying the notification identity. The token is the same
// header the outbound client uses, minted by the signing service for purpose
// notify-signed and scoped to the signature id.
const (
	FileIDHeader      = "X-File-ID"
	SignatureIDHeader = "X-Signature-ID"
)

const maxWebhookBody = 64 << 10

// signedWebhook receives the signing service's asynchronous confirmation
// that one recipient has signed.
func (h *Handler) signedWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	in := services.NotifyInput{
		ExternalFileID: r.Header.Get(FileIDHeader),
		SignatureID:    r.Header.Get(SignatureIDHeader),
		Token:          r.Header.Get(esign.TokenHeader),
		Body:           body,
	}
	if in.ExternalFileID == "" || in.SignatureID == "" || in.Token == "" {
		writeError(w, http.StatusBadRequest, "missing notification headers")
		return
	}

	if err := h.coord.ProcessSignedNotification(r.Context(), in); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
