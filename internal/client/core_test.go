package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coreFixture struct {
	core     *Core
	vs       *verifyServer
	clock    *fakeClock
	notifier *recordingNotifier
	opened   []string
}

func newCoreFixture(t *testing.T, d licensing.Decision) *coreFixture {
	t.Helper()
	f := &coreFixture{
		vs:       newVerifyServer(t, d),
		clock:    newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)),
		notifier: &recordingNotifier{},
	}
	core, err := New(Options{
		Store:       NewMemoryStore(),
		VerifyURL:   f.vs.URL,
		Fingerprint: testFingerprint,
		Notifier:    f.notifier,
		Opener: OpenerFunc(func(_ context.Context, u string) error {
			f.opened = append(f.opened, u)
			return nil
		}),
		Now: f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	_, err = core.Init(context.Background())
	require.NoError(t, err)
	f.core = core
	return f
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{VerifyURL: "http://x"})
	assert.Error(t, err)
	_, err = New(Options{Store: NewMemoryStore()})
	assert.Error(t, err)
}

func TestHandleRegister(t *testing.T) {
	f := newCoreFixture(t, licensing.Decision{Plan: licensing.PlanTrial})
	ctx := context.Background()

	resp := f.core.Handle(ctx, Message{Type: MsgRegister, DeviceID: "ignored-when-stored"})
	assert.Equal(t, true, resp["ok"])
	stored, err := f.core.Local().DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored, resp["deviceId"])
	assert.Equal(t, stored, f.vs.lastRequest(t).DeviceID, "register creates the server record")

	// The server being down does not fail registration.
	f.vs.set(http.StatusServiceUnavailable, licensing.Decision{})
	resp = f.core.Handle(ctx, Message{Type: MsgRegister})
	assert.Equal(t, true, resp["ok"])
}

func TestHandleGetLicenseStatus(t *testing.T) {
	f := newCoreFixture(t, licensing.Decision{
		Plan:                      licensing.PlanPro,
		TrialDaysRemaining:        3,
		FreeDailySecondsRemaining: 600,
		Account:                   &licensing.AccountSummary{Email: "user@example.com", SubscriptionActive: true},
	})
	ctx := context.Background()

	resp := f.core.Handle(ctx, Message{Type: MsgGetLicenseStatus})
	assert.Equal(t, licensing.PlanPro, resp["plan"])
	assert.Equal(t, 3, resp["trialDaysRemaining"])
	assert.EqualValues(t, 600, resp["freeDailySecondsRemaining"])
	assert.Equal(t, map[string]string{"email": "user@example.com"}, resp["account"])

	// Always forced: a second call goes back to the server.
	f.core.Handle(ctx, Message{Type: MsgGetLicenseStatus})
	assert.EqualValues(t, 2, f.vs.calls.Load())

	f.vs.set(http.StatusInternalServerError, licensing.Decision{})
	resp = f.core.Handle(ctx, Message{Type: MsgGetLicenseStatus})
	assert.Equal(t, Response{"error": "no response"}, resp)
}

func TestHandleCheckLicense(t *testing.T) {
	f := newCoreFixture(t, licensing.Decision{Plan: licensing.PlanFree})
	ctx := context.Background()

	assert.Equal(t, Response{"ok": true}, f.core.Handle(ctx, Message{Type: MsgCheckLicense}))

	f.clock.Advance(licensing.ClientTrialDays * 24 * time.Hour)
	assert.Equal(t, Response{"ok": false}, f.core.Handle(ctx, Message{Type: MsgCheckLicense}),
		"free plan with no seconds left")
}

func TestHandleUsageTimerMessages(t *testing.T) {
	f := newCoreFixture(t, licensing.Decision{Plan: licensing.PlanTrial})
	ctx := context.Background()

	assert.Equal(t, Response{"stopped": true}, f.core.Handle(ctx, Message{Type: MsgStopUsageTimer}))
	assert.Equal(t, Response{"started": true}, f.core.Handle(ctx, Message{Type: MsgStartUsageTimer}))
	assert.True(t, f.core.Timer().Running())
	assert.Equal(t, Response{"stopped": true}, f.core.Handle(ctx, Message{Type: MsgStopUsageTimer}))
	assert.False(t, f.core.Timer().Running())
}

func TestHandleOpenCheckout(t *testing.T) {
	f := newCoreFixture(t, licensing.Decision{Plan: licensing.PlanTrial})
	ctx := context.Background()
	deviceID, err := f.core.Local().DeviceID(ctx)
	require.NoError(t, err)

	assert.Equal(t, Response{"opened": true}, f.core.Handle(ctx, Message{Type: MsgOpenCheckout, Email: "a+b@example.com"}))
	require.Len(t, f.opened, 1)
	u, err := url.Parse(f.opened[0])
	require.NoError(t, err)
	assert.Equal(t, "muvusoft.site", u.Host)
	assert.Equal(t, DefaultPriceID, u.Query().Get("price_id"))
	assert.Equal(t, "a+b@example.com", u.Query().Get("email"))
	assert.Equal(t, deviceID, u.Query().Get("deviceId"))

	// Without an email in the message the linked email is used.
	require.NoError(t, f.core.Local().SetLinkedEmail(ctx, "linked@example.com"))
	f.core.Handle(ctx, Message{Type: MsgOpenCheckout})
	u, _ = url.Parse(f.opened[1])
	assert.Equal(t, "linked@example.com", u.Query().Get("email"))

	f.core.opener = OpenerFunc(func(context.Context, string) error { return errors.New("no browser") })
	resp := f.core.Handle(ctx, Message{Type: MsgOpenCheckout})
	assert.Equal(t, false, resp["opened"])
}

func TestHandleLinkEmail(t *testing.T) {
	f := newCoreFixture(t, licensing.Decision{Plan: licensing.PlanTrial})
	ctx := context.Background()

	assert.Equal(t, Response{"error": "invalid email"}, f.core.Handle(ctx, Message{Type: MsgLinkEmail, Email: "nope"}))

	resp := f.core.Handle(ctx, Message{Type: MsgLinkEmail, Email: " User@Example.COM "})
	assert.Equal(t, Response{"ok": true, "email": "user@example.com"}, resp)
	assert.Equal(t, "user@example.com", f.vs.lastRequest(t).Email, "the link is sent right away")
}

func TestHandleUnknownMessage(t *testing.T) {
	f := newCoreFixture(t, licensing.Decision{Plan: licensing.PlanTrial})
	assert.Equal(t, Response{"error": "unknown message type"}, f.core.Handle(context.Background(), Message{Type: "bogus"}))
	assert.Equal(t, Response{"error": "unknown message type"}, f.core.Handle(context.Background(), Message{}))
}

func TestHandleAlwaysAnswersOnStorageFailure(t *testing.T) {
	core, err := New(Options{Store: brokenStore{}, VerifyURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	ctx := context.Background()

	for _, typ := range []string{MsgRegister, MsgGetLicenseStatus, MsgCheckLicense, MsgStartUsageTimer, MsgOpenCheckout} {
		resp := core.Handle(ctx, Message{Type: typ})
		assert.Contains(t, resp, "error", typ)
	}
	assert.Equal(t, Response{"ok": false, "error": "storage"}, core.Handle(ctx, Message{Type: MsgCheckLicense}))
}

func TestCheckoutURL(t *testing.T) {
	u, err := CheckoutURL(DefaultCheckoutURL, DefaultPriceID, "", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultCheckoutURL+"?price_id="+DefaultPriceID+"&email=&deviceId=dev-1", u)

	u, err = CheckoutURL("https://pay.example.com/p?ref=ext", "pri_1", "x@y.com", "dev 2")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/p?ref=ext&price_id=pri_1&email=x%40y.com&deviceId=dev+2", u)

	_, err = CheckoutURL("ftp://example.com", "p", "", "d")
	assert.Error(t, err)
}
