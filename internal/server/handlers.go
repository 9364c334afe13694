package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/internal/ledger"
	"github.com/muvusoft/talkscribe-license/internal/logging"
	"github.com/muvusoft/talkscribe-license/internal/metrics"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"golang.org/x/crypto/bcrypt"
)

const requestBodyLimit = 64 * 1024

// LedgerService is the ledger surface the HTTP handlers use.
type LedgerService interface {
	Verify(ctx context.Context, req licensing.VerifyRequest) (*licensing.Decision, error)
	Status(ctx context.Context, deviceID string) (*licensing.Decision, error)
	GrantPro(ctx context.Context, email string, until time.Time) (*ledger.Account, error)
	Ping(ctx context.Context) error
}

type errorResponse struct {
	Error string `json:"error"`
}

// verifyBody accepts addUsageSeconds as a number or numeric string.
type verifyBody struct {
	DeviceID        string                `json:"deviceId"`
	Fingerprint     licensing.Fingerprint `json:"fingerprint"`
	Email           string                `json:"email"`
	AddUsageSeconds json.Number           `json:"addUsageSeconds"`
}

// HandleVerify returns the verify endpoint: JSON body, or form fields as a fallback.
func HandleVerify(svc LedgerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan := "none"
		status := http.StatusOK
		defer func() {
			metrics.VerifyRequestsTotal.WithLabelValues(plan, strconv.Itoa(status)).Inc()
		}()

		if r.Method != http.MethodPost {
			status = http.StatusMethodNotAllowed
			writeJSON(w, status, errorResponse{Error: "method not allowed"})
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, requestBodyLimit))
		if err != nil {
			status = http.StatusBadRequest
			writeJSON(w, status, errorResponse{Error: "failed to read request body"})
			return
		}

		req := parseVerifyRequest(raw)
		if strings.TrimSpace(req.DeviceID) == "" {
			status = http.StatusBadRequest
			writeJSON(w, status, errorResponse{Error: "deviceId required"})
			return
		}

		decision, err := svc.Verify(r.Context(), req)
		if err != nil {
			status = statusForError(err)
			logging.FromContext(r.Context()).Error().Err(err).
				Str("device_id", req.DeviceID).
				Str("error_type", string(errs.TypeOf(err))).
				Msg("Verify failed")
			writeJSON(w, status, errorResponse{Error: publicMessage(err)})
			return
		}

		plan = string(decision.Plan)
		writeJSON(w, status, decision)
	}
}

func parseVerifyRequest(raw []byte) licensing.VerifyRequest {
	var body verifyBody
	if err := json.Unmarshal(raw, &body); err == nil && body.DeviceID != "" {
		return licensing.VerifyRequest{
			DeviceID:        strings.TrimSpace(body.DeviceID),
			Fingerprint:     body.Fingerprint,
			Email:           body.Email,
			AddUsageSeconds: parseSeconds(body.AddUsageSeconds.String()),
		}
	}

	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return licensing.VerifyRequest{}
	}
	req := licensing.VerifyRequest{
		DeviceID:        strings.TrimSpace(form.Get("deviceId")),
		Email:           form.Get("email"),
		AddUsageSeconds: parseSeconds(form.Get("addUsageSeconds")),
		Fingerprint: licensing.Fingerprint{
			UA:       form.Get("fingerprint[ua]"),
			Platform: form.Get("fingerprint[platform]"),
			TZ:       form.Get("fingerprint[tz]"),
			Lang:     form.Get("fingerprint[lang]"),
			Screen:   form.Get("fingerprint[scr]"),
		},
	}
	if fp := form.Get("fingerprint"); fp != "" {
		_ = json.Unmarshal([]byte(fp), &req.Fingerprint)
	}
	return req
}

// parseSeconds truncates like an integer cast and clamps to
// [0, ledger.MaxUsageSecondsPerReport]; anything unparsable is zero.
func parseSeconds(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return max(0, min(n, ledger.MaxUsageSecondsPerReport))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= ledger.MaxUsageSecondsPerReport {
		return ledger.MaxUsageSecondsPerReport
	}
	return int64(f)
}

// HandleStatus reports a device's current entitlement without mutating it.
func HandleStatus(svc LedgerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision, err := svc.Status(r.Context(), r.PathValue("deviceId"))
		if err != nil {
			writeJSON(w, statusForError(err), errorResponse{Error: publicMessage(err)})
			return
		}
		writeJSON(w, http.StatusOK, decision.Status())
	}
}

type grantRequest struct {
	Email string `json:"email"`
	Days  int    `json:"days"`
	Until int64  `json:"until"`
}

// HandleGrantPro sets a fixed-term pro entitlement (admin).
func HandleGrantPro(svc LedgerService, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		var req grantRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
			return
		}

		var until time.Time
		switch {
		case req.Until > 0:
			until = time.Unix(req.Until, 0)
		case req.Days > 0:
			until = now().Add(time.Duration(req.Days) * 24 * time.Hour)
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days or until required"})
			return
		}

		acc, err := svc.GrantPro(r.Context(), req.Email, until)
		if err != nil {
			writeJSON(w, statusForError(err), errorResponse{Error: publicMessage(err)})
			return
		}
		logging.FromContext(r.Context()).Info().
			Str("account_id", acc.ID).
			Time("pro_until", acc.ProUntil).
			Msg("Pro entitlement granted")
		writeJSON(w, http.StatusOK, map[string]any{
			"accountId": acc.ID,
			"account":   acc.Summary(),
		})
	}
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks ledger connectivity (readiness probe).
func HandleReadyz(svc LedgerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := svc.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// AdminKeyMiddleware requires an admin key matching the configured bcrypt hash.
// An empty hash rejects every request.
func AdminKeyMiddleware(keyHash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || keyHash == "" || bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashAdminKey returns the bcrypt hash to configure as TALKSCRIBE_ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("admin key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrDeviceIDRequired):
		return "deviceId required"
	case errors.Is(err, ledger.ErrInvalidEmail):
		return "invalid email"
	case errors.Is(err, ledger.ErrDeviceNotFound):
		return "device not found"
	case errors.Is(err, errs.ErrConflict):
		return "concurrent update, retry"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
