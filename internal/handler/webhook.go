package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/gorilla/mux"

	"github.com/xenking/stablepay-offramp/internal/webhook"
)

// maxWebhookBody bounds a delivery payload; provider documents are well
// under this.
const maxWebhookBody = 1 << 20

// handleWebhook runs the intake pipeline for one provider delivery.
//
// Replays are acknowledged with 200 so the provider stops retrying; the
// event was already processed. Signature failures get 401 and malformed
// payloads 400, both of which providers surface to their operators.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "cannot read body", nil)
		return
	}

	delivered, err := h.webhooks.Process(r.Context(), providerName, body, r.Header.Get(webhook.SignatureHeader))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
	case errors.Is(err, webhook.ErrReplay):
		respondJSON(w, http.StatusOK, map[string]any{"delivered": false, "duplicate": true})
	case errors.Is(err, webhook.ErrUnknownProvider):
		respondError(w, http.StatusNotFound, "unknown provider", map[string]any{"provider": providerName})
	case errors.Is(err, webhook.ErrBadSignature):
		respondError(w, http.StatusUnauthorized, "signature verification failed", nil)
	case errors.Is(err, webhook.ErrMalformed):
		respondError(w, http.StatusBadRequest, "malformed payload", nil)
	default:
		respondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}
