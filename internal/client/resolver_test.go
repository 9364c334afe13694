package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, url string, clock *fakeClock) (*Resolver, *LocalStore) {
	t.Helper()
	local := NewLocalStore(NewMemoryStore(), clock.Now)
	r := NewResolver(local, ResolverConfig{
		VerifyURL:   url,
		Timeout:     2 * time.Second,
		Fingerprint: testFingerprint,
		Now:         clock.Now,
	})
	return r, local
}

func TestVerifyLicenseCachesForServerTTL(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	vs := newVerifyServer(t, licensing.Decision{Plan: licensing.PlanFree, FreeDailySecondsRemaining: 300, ClientCacheSeconds: 60})
	r, local := newTestResolver(t, vs.URL, clock)
	ctx := context.Background()

	d, err := r.VerifyLicense(ctx, "dev-1", false)
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanFree, d.Plan)
	assert.EqualValues(t, 1, vs.calls.Load())

	req := vs.lastRequest(t)
	assert.Equal(t, "dev-1", req.DeviceID)
	assert.Equal(t, testFingerprint(), req.Fingerprint)

	clock.Advance(59 * time.Second)
	_, err = r.VerifyLicense(ctx, "dev-1", false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, vs.calls.Load(), "cached within TTL")

	_, err = r.VerifyLicense(ctx, "dev-1", true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, vs.calls.Load(), "force bypasses the cache")

	clock.Advance(61 * time.Second)
	_, err = r.VerifyLicense(ctx, "dev-1", false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, vs.calls.Load(), "expired cache refetches")

	cached, at, err := local.CachedResponse(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.EqualValues(t, 300, cached.FreeDailySecondsRemaining)
	assert.True(t, at.Equal(clock.Now()))
}

func TestVerifyLicenseNormalizesDefaults(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	vs := newVerifyServer(t, licensing.Decision{})
	r, _ := newTestResolver(t, vs.URL, clock)

	d, err := r.VerifyLicense(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanFree, d.Plan)
	assert.EqualValues(t, licensing.ClientCacheSeconds, d.ClientCacheSeconds)
	assert.Equal(t, clock.Now().Unix(), d.ServerTime)
}

func TestVerifyLicenseFailuresReturnNoDecision(t *testing.T) {
	clock := newFakeClock(time.Now())
	vs := newVerifyServer(t, licensing.Decision{Plan: licensing.PlanPro})
	vs.set(http.StatusInternalServerError, licensing.Decision{})
	r, _ := newTestResolver(t, vs.URL, clock)

	d, err := r.VerifyLicense(context.Background(), "dev-1", false)
	assert.Nil(t, d)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))

	unreachable, _ := newTestResolver(t, "http://127.0.0.1:1/verify", clock)
	d, err = unreachable.VerifyLicense(context.Background(), "dev-1", false)
	assert.Nil(t, d)
	assert.True(t, errs.IsTransient(err))

	unconfigured, _ := newTestResolver(t, "", clock)
	d, err = unconfigured.VerifyLicense(context.Background(), "dev-1", false)
	assert.Nil(t, d)
	assert.True(t, errs.IsTransient(err))
}

func TestVerifyLicenseTimeout(t *testing.T) {
	vs := newVerifyServer(t, licensing.Decision{Plan: licensing.PlanPro})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	vs.mu.Lock()
	vs.block = block
	vs.mu.Unlock()

	clock := newFakeClock(time.Now())
	local := NewLocalStore(NewMemoryStore(), clock.Now)
	r := NewResolver(local, ResolverConfig{VerifyURL: vs.URL, Timeout: 100 * time.Millisecond, Now: clock.Now})

	start := time.Now()
	d, err := r.VerifyLicense(context.Background(), "dev-1", true)
	assert.Nil(t, d)
	assert.True(t, errs.IsTransient(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVerifyLicenseCoalescesConcurrentCalls(t *testing.T) {
	vs := newVerifyServer(t, licensing.Decision{Plan: licensing.PlanPro})
	block := make(chan struct{})
	vs.mu.Lock()
	vs.block = block
	vs.mu.Unlock()

	r, _ := newTestResolver(t, vs.URL, newFakeClock(time.Now()))

	var wg sync.WaitGroup
	results := make([]*licensing.Decision, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.VerifyLicense(context.Background(), "dev-1", true)
		}(i)
	}
	require.Eventually(t, func() bool { return vs.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.LessOrEqual(t, vs.calls.Load(), int32(2))
	for _, d := range results {
		require.NotNil(t, d)
		assert.Equal(t, licensing.PlanPro, d.Plan)
	}
}

func TestVerifyLicenseRestoresPersistedCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	vs := newVerifyServer(t, licensing.Decision{Plan: licensing.PlanTrial})

	kv := NewMemoryStore()
	local := NewLocalStore(kv, clock.Now)
	require.NoError(t, local.SaveResponse(ctx, &licensing.Decision{Plan: licensing.PlanPro, ClientCacheSeconds: 120}, clock.Now().Add(-time.Minute)))

	r := NewResolver(local, ResolverConfig{VerifyURL: vs.URL, Now: clock.Now})
	d, err := r.VerifyLicense(ctx, "dev-1", false)
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanPro, d.Plan, "served from the persisted cache")
	assert.Zero(t, vs.calls.Load())

	last, err := r.LastDecision(ctx)
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanPro, last.Plan)

	r.Invalidate()
	d, err = r.VerifyLicense(ctx, "dev-1", false)
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanTrial, d.Plan)
}

func TestVerifyLicenseSendsLinkedEmail(t *testing.T) {
	ctx := context.Background()
	vs := newVerifyServer(t, licensing.Decision{Plan: licensing.PlanTrial})
	r, local := newTestResolver(t, vs.URL, newFakeClock(time.Now()))
	require.NoError(t, local.SetLinkedEmail(ctx, "user@example.com"))

	_, err := r.VerifyLicense(ctx, "dev-1", true)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", vs.lastRequest(t).Email)
}

func TestReportUsageRetriesPendingSeconds(t *testing.T) {
	ctx := context.Background()
	vs := newVerifyServer(t, licensing.Decision{Plan: licensing.PlanFree})
	vs.set(http.StatusBadGateway, licensing.Decision{})
	r, _ := newTestResolver(t, vs.URL, newFakeClock(time.Now()))

	require.Error(t, r.ReportUsage(ctx, "dev-1", 30))
	assert.EqualValues(t, 30, r.PendingUsage())
	assert.EqualValues(t, 30, vs.lastRequest(t).AddUsageSeconds)

	vs.set(http.StatusOK, licensing.Decision{Plan: licensing.PlanFree})
	require.NoError(t, r.ReportUsage(ctx, "dev-1", 15))
	assert.EqualValues(t, 45, vs.lastRequest(t).AddUsageSeconds)
	assert.Zero(t, r.PendingUsage())

	require.NoError(t, r.ReportUsage(ctx, "dev-1", 0))
	assert.EqualValues(t, 2, vs.calls.Load())
}

func TestVerifyLicenseChecksDecisionTokens(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := licensing.NewDecisionSigner(priv)

	now := time.Now()
	signed := licensing.Decision{Plan: licensing.PlanPro, ServerTime: now.Unix(), ClientCacheSeconds: 120, OfflineGraceMinutes: 30}
	require.NoError(t, signer.Sign("dev-1", &signed))

	vs := newVerifyServer(t, signed)
	clock := newFakeClock(now)
	local := NewLocalStore(NewMemoryStore(), clock.Now)
	r := NewResolver(local, ResolverConfig{
		VerifyURL: vs.URL,
		Verifier:  licensing.NewDecisionVerifier(pub, clock.Now),
		Now:       clock.Now,
	})

	d, err := r.VerifyLicense(context.Background(), "dev-1", true)
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanPro, d.Plan)

	// A decision for another device does not verify.
	_, err = r.VerifyLicense(context.Background(), "dev-2", true)
	assert.True(t, errs.IsTransient(err))

	// Upgrading the plan without re-signing is caught.
	tampered := signed
	tampered.Plan = licensing.PlanTrial
	vs.set(http.StatusOK, tampered)
	_, err = r.VerifyLicense(context.Background(), "dev-1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, licensing.ErrTokenMismatch)

	unsigned := licensing.Decision{Plan: licensing.PlanPro}
	vs.set(http.StatusOK, unsigned)
	_, err = r.VerifyLicense(context.Background(), "dev-1", true)
	assert.ErrorIs(t, err, licensing.ErrTokenMissing)
}
