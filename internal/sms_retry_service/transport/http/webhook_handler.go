package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

const (
	maxWebhookBodyBytes = 1 << 20
	SignatureHeader     = "X-Webhook-Signature"
)

// CallbackHandler applies delivery reports.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, providerMessageID, status string) (bool, error)
}

// WebhookHandler receives provider delivery callbacks.
type WebhookHandler struct {
	callbacks     CallbackHandler
	signingSecret []byte
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler. An empty signingSecret
// disables signature verification.
func NewWebhookHandler(callbacks CallbackHandler, signingSecret string, logger *slog.Logger) *WebhookHandler {
	var secret []byte
	if signingSecret != "" {
		secret = []byte(signingSecret)
	}
	return &WebhookHandler{
		callbacks:     callbacks,
		signingSecret: secret,
		validate:      validator.New(),
		logger:        logger.With("handler", "delivery_webhook"),
	}
}

// HandleDeliveryCallback accepts JSON {"provider_message_id","status"} or the
// provider form encoding (MessageSid, MessageStatus).
func (h *WebhookHandler) HandleDeliveryCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.WarnContext(ctx, "Delivery callback body too large", "limit", tooLarge.Limit)
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		logger.ErrorContext(ctx, "Failed to read delivery callback body", "error", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if h.signingSecret != nil && !h.validSignature(r.Header.Get(SignatureHeader), body) {
		logger.WarnContext(ctx, "Delivery callback signature mismatch")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	cb, err := decodeCallback(r.Header.Get("Content-Type"), body)
	if err != nil {
		logger.WarnContext(ctx, "Failed to decode delivery callback", "error", err)
		writeError(w, http.StatusBadRequest, "malformed delivery callback")
		return
	}
	if err := h.validate.StructCtx(ctx, cb); err != nil {
		logger.WarnContext(ctx, "Delivery callback failed validation", "error", err)
		writeError(w, http.StatusBadRequest, "malformed delivery callback")
		return
	}

	acked, err := h.callbacks.HandleCallback(ctx, cb.ProviderMessageID, cb.Status)
	switch {
	case errors.Is(err, domain.ErrMalformedCallback):
		writeError(w, http.StatusBadRequest, "malformed delivery callback")
		return
	case err != nil:
		logger.ErrorContext(ctx, "Failed to process delivery callback", "error", err, "provider_message_id", cb.ProviderMessageID)
		writeError(w, http.StatusInternalServerError, "failed to process delivery callback")
		return
	}
	writeJSON(w, http.StatusOK, WebhookAckResponse{Acknowledged: acked})
}

// validSignature checks a hex HMAC-SHA256 of the raw body. A "sha256=" prefix is accepted.
func (h *WebhookHandler) validSignature(header string, body []byte) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.signingSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func decodeCallback(contentType string, body []byte) (domain.DeliveryCallback, error) {
	var cb domain.DeliveryCallback
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return cb, err
		}
		cb.ProviderMessageID = values.Get("MessageSid")
		cb.Status = values.Get("MessageStatus")
		return cb, nil
	}
	err := json.Unmarshal(body, &cb)
	return cb, err
}
