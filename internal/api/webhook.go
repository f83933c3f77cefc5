package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/webhook"
)

const maxWebhookBytes = 10 << 20

// handlePlexWebhook accepts Plex's multipart delivery, where the event JSON
// sits in the "payload" field next to an optional thumbnail, as well as a
// bare JSON body.
func (s *Server) handlePlexWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.ingestor == nil {
		http.Error(w, "webhooks disabled", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.ingestor.VerifySignature(body, r.Header.Get("X-Plex-Signature")); err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	raw := body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") || mediaType == "application/x-www-form-urlencoded" {
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := r.ParseMultipartForm(maxWebhookBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			http.Error(w, "malformed form", http.StatusBadRequest)
			return
		}
		if r.MultipartForm != nil {
			defer func() { _ = r.MultipartForm.RemoveAll() }()
		}
		raw = []byte(r.FormValue("payload"))
	}

	webhookID := chi.URLParam(r, "webhookID")
	action, err := s.ingestor.Ingest(ctx, webhookID, raw)
	if errors.Is(err, webhook.ErrUnknownWebhook) {
		http.Error(w, "unknown webhook", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("webhook_id", webhookID).Msg("ingest plex webhook")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]webhook.Action{"action": action})
}
