package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/muvusoft/talkscribe-license/internal/email"
	"github.com/muvusoft/talkscribe-license/internal/ledger"
	"github.com/muvusoft/talkscribe-license/internal/ledger/jsonstore"
	"github.com/muvusoft/talkscribe-license/internal/webhook"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testAdminKey = "s3cret-admin-key"

type testServer struct {
	handler http.Handler
	ledger  *ledger.Ledger
	keys    *webhook.KeyStore
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	store, err := jsonstore.Open(t.TempDir())
	require.NoError(t, err)
	l := ledger.New(store)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := webhook.NewKeyStore(&key.PublicKey)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &Config{
		RateLimit:    1000,
		AdminKeyHash: string(hash),
		EmailFrom:    "TalkScribe <no-reply@example.com>",
	}
	if mutate != nil {
		mutate(cfg)
	}
	h := NewHandler(&Deps{
		Config:      cfg,
		Ledger:      l,
		Activator:   l,
		WebhookKeys: keys,
		EmailSender: email.NewLogSender(nil),
		Version:     "test",
	})
	return &testServer{handler: h, ledger: l, keys: keys}
}

func (s *testServer) do(t *testing.T, method, path, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestVerifyJSON(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/verify", "application/json",
		`{"deviceId":"dev-1","fingerprint":{"ua":"UA","platform":"Linux","tz":"UTC","lang":"en","scr":"1x1"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var d licensing.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, licensing.PlanTrial, d.Plan)
	assert.Equal(t, 5, d.TrialDaysRemaining)
	assert.EqualValues(t, 600, d.FreeDailySecondsRemaining)
	assert.EqualValues(t, 120, d.ClientCacheSeconds)
	assert.EqualValues(t, 30, d.OfflineGraceMinutes)
	assert.NotZero(t, d.ServerTime)
}

func TestVerifyLegacyPathAndForm(t *testing.T) {
	s := newTestServer(t, nil)

	form := url.Values{
		"deviceId":        {"dev-form"},
		"addUsageSeconds": {"90"},
		"fingerprint[ua]": {"UA"},
	}
	rec := s.do(t, http.MethodPost, "/serv_chr_talks/verify.php", "application/x-www-form-urlencoded", form.Encode(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d licensing.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.EqualValues(t, 510, d.FreeDailySecondsRemaining)
}

func TestVerifyUsageAsString(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/verify", "application/json", `{"deviceId":"dev-1","addUsageSeconds":"600"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d licensing.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Zero(t, d.FreeDailySecondsRemaining)
}

func TestVerifyMissingDeviceID(t *testing.T) {
	s := newTestServer(t, nil)
	for _, body := range []string{`{}`, `{"deviceId":"  "}`, ``, `not json`} {
		rec := s.do(t, http.MethodPost, "/verify", "application/json", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.JSONEq(t, `{"error":"deviceId required"}`, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/verify", "", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/status/dev-1", "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := s.ledger.Verify(context.Background(), licensing.VerifyRequest{DeviceID: "dev-1", Email: "x@y.com"})
	require.NoError(t, err)

	rec = s.do(t, http.MethodGet, "/status/dev-1", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status licensing.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, licensing.PlanTrial, status.Plan)
	require.NotNil(t, status.Account)
	assert.Equal(t, "x@y.com", status.Account.Email)
}

func TestAdminGrant(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.ledger.Verify(context.Background(), licensing.VerifyRequest{DeviceID: "dev-1", Email: "x@y.com"})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/admin/accounts/grant", "application/json", `{"email":"x@y.com","days":30}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/admin/accounts/grant", "application/json", `{"email":"x@y.com","days":30}`,
		map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/admin/accounts/grant", "application/json", `{"email":"x@y.com","days":30}`,
		map[string]string{"Authorization": "Bearer " + testAdminKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status, err := s.ledger.Status(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanPro, status.Plan)

	rec = s.do(t, http.MethodPost, "/admin/accounts/grant", "application/json", `{"email":"bad","days":30}`,
		map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/admin/accounts/grant", "application/json", `{"email":"x@y.com"}`,
		map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.AdminKeyHash = "" })
	rec := s.do(t, http.MethodGet, "/metrics", "", "", map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetricsAccess(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", "", map[string]string{"X-Admin-Key": testAdminKey})
	require.Equal(t, http.StatusOK, rec.Code)

	public := newTestServer(t, func(c *Config) { c.PublicMetrics = true })
	rec = public.do(t, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "", "", nil).Code)
}

func TestWebhookRouteRejectsUnsigned(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/webhook", "/serv_chr_talks/webhook.php"} {
		rec := s.do(t, http.MethodPost, path, "application/json", `{"event_type":"subscription.created","data":{"email":"x@y.com"}}`, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestVerifyRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.RateLimit = 1 })
	first := s.do(t, http.MethodPost, "/verify", "application/json", `{"deviceId":"dev-1"}`, nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := s.do(t, http.MethodPost, "/verify", "application/json", `{"deviceId":"dev-1"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestParseSeconds(t *testing.T) {
	assert.EqualValues(t, 0, parseSeconds(""))
	assert.EqualValues(t, 42, parseSeconds("42"))
	assert.EqualValues(t, 42, parseSeconds(" 42.9 "))
	assert.EqualValues(t, 0, parseSeconds("abc"))
	assert.EqualValues(t, 0, parseSeconds("-3"))
	assert.EqualValues(t, ledger.MaxUsageSecondsPerReport, parseSeconds("9223372036854775807"))
	assert.EqualValues(t, ledger.MaxUsageSecondsPerReport, parseSeconds("1e300"))
}

func TestHashAdminKey(t *testing.T) {
	hash, err := HashAdminKey("k")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("k")))

	_, err = HashAdminKey(" ")
	assert.Error(t, err)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForError(ledger.ErrInvalidEmail))
	assert.Equal(t, http.StatusNotFound, statusForError(ledger.ErrDeviceNotFound))
	assert.Equal(t, http.StatusConflict, statusForError(ledger.ErrVersionConflict))
	assert.Equal(t, http.StatusServiceUnavailable, statusForError(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusForError(assert.AnError))
}
