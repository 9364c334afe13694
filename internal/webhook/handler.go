package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/internal/email"
	"github.com/muvusoft/talkscribe-license/internal/ledger"
	"github.com/muvusoft/talkscribe-license/internal/logging"
	"github.com/muvusoft/talkscribe-license/internal/metrics"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB
	emailSendTimeout = 10 * time.Second
)

// Activator is the ledger operation a paid subscription triggers.
type Activator interface {
	ActivateSubscription(ctx context.Context, email, deviceID string) (*ledger.Account, bool, error)
}

// Options configures a Handler.
type Options struct {
	// Tolerance bounds the v2 signature timestamp; zero disables the check.
	Tolerance time.Duration
	Mailer    email.Sender
	EmailFrom string
}

// Handler handles incoming payment-provider notifications.
type Handler struct {
	ledger    Activator
	keys      *KeyStore
	tolerance time.Duration
	mailer    email.Sender
	emailFrom string
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NewHandler creates a webhook HTTP handler.
func NewHandler(activator Activator, keys *KeyStore, opts Options) *Handler {
	return &Handler{
		ledger:    activator,
		keys:      keys,
		tolerance: opts.Tolerance,
		mailer:    opts.Mailer,
		emailFrom: opts.EmailFrom,
	}
}

// ServeHTTP decodes, authenticates and dispatches one notification. Nothing is
// written to the ledger unless the signature verifies.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()
	logger := logging.FromContext(r.Context())

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	req := &SignedRequest{Header: r.Header, Body: payload}
	var event Event
	eventID := ""
	if isForm(r.Header.Get("Content-Type")) {
		form, err := url.ParseQuery(string(payload))
		if err != nil {
			status = http.StatusBadRequest
			writeJSON(w, status, errorResponse{Error: "Invalid form body"})
			return
		}
		req.Form = form
		event = parseClassic(form)
	} else {
		event, eventID, err = parseV2(payload)
		if err != nil {
			logger.Warn().Err(err).Int("bytes", len(payload)).Msg("Webhook JSON decode failed")
			status = http.StatusBadRequest
			writeJSON(w, status, errorResponse{Error: "Invalid JSON"})
			return
		}
	}

	if h.keys.Load() == nil {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook public key not configured"})
		return
	}
	if err := Select(h.keys, req, h.tolerance).Verify(req); err != nil {
		logger.Warn().Err(err).Str("event_type", event.Type).Msg("Webhook signature rejected")
		status = http.StatusForbidden
		writeJSON(w, status, errorResponse{Error: "Invalid signature"})
		return
	}
	if event.Type != "" {
		eventType = event.Type
	}

	if !event.Activates() {
		logger.Info().Str("event_type", event.Type).Str("event_id", eventID).Msg("Webhook ignored (unhandled type)")
		writeJSON(w, status, successResponse{Success: true, Message: "Webhook received, no action required."})
		return
	}

	customerEmail := licensing.NormalizeEmail(event.Email)
	if customerEmail == "" {
		logger.Warn().Str("event_id", eventID).Msg("Subscription event without a valid customer email")
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid email"})
		return
	}

	account, linked, err := h.ledger.ActivateSubscription(r.Context(), customerEmail, event.DeviceID)
	if err != nil {
		logger.Error().Err(err).Str("event_id", eventID).Str("error_type", string(errs.TypeOf(err))).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		if errors.Is(err, errs.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	if linked {
		logger.Info().Str("device_id", event.DeviceID).Str("account_id", account.ID).Msg("Device linked to account")
	} else {
		logger.Warn().Str("device_id", event.DeviceID).Str("account_id", account.ID).Msg("Could not link device to account")
	}
	logger.Info().Str("account_id", account.ID).Msg("Subscription created, account upgraded to pro")

	h.sendConfirmation(r.Context(), customerEmail, linked)
	writeJSON(w, status, successResponse{Success: true})
}

// sendConfirmation is best-effort; failures never fail the webhook.
func (h *Handler) sendConfirmation(ctx context.Context, to string, linked bool) {
	if h.mailer == nil || h.emailFrom == "" {
		return
	}
	html, text, err := email.RenderSubscriptionEmail(email.SubscriptionData{Email: to, DeviceLinked: linked})
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("Render subscription email failed")
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emailSendTimeout)
	defer cancel()
	if err := h.mailer.Send(sendCtx, email.Message{
		From:    h.emailFrom,
		To:      to,
		Subject: "TalkScribe Pro is active",
		HTML:    html,
		Text:    text,
	}); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("Subscription confirmation email failed")
	}
}

func isForm(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, "application/x-www-form-urlencoded")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
