package client

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubResolver returns canned answers.
type stubResolver struct {
	decision *licensing.Decision
	err      error
	last     *licensing.Decision
	calls    int
	panicky  bool
}

func (s *stubResolver) VerifyLicense(context.Context, string, bool) (*licensing.Decision, error) {
	s.calls++
	if s.panicky {
		panic("resolver exploded")
	}
	return s.decision, s.err
}

func (s *stubResolver) LastDecision(context.Context) (*licensing.Decision, error) {
	return s.last, nil
}

type observerFunc func(GateDecision)

func (f observerFunc) ObserveDecision(d GateDecision) { f(d) }

var errOffline = errs.WrapConnectionError("verify_license", errors.New("connection refused"))

// expiredTrialGate returns a gate whose local trial started days ago.
func expiredTrialGate(t *testing.T, clock *fakeClock, res LicenseResolver) (*Gate, *LocalStore) {
	t.Helper()
	local := NewLocalStore(NewMemoryStore(), clock.Now)
	_, err := local.InitializeIfNeeded(context.Background())
	require.NoError(t, err)
	clock.Advance(licensing.ClientTrialDays * 24 * time.Hour)
	return NewGate(local, res, clock.Now, nil), local
}

func TestGateLocalTrialWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	res := &stubResolver{err: errOffline}
	local := NewLocalStore(NewMemoryStore(), clock.Now)
	gate := NewGate(local, res, clock.Now, nil)

	for day := 0; day < licensing.ClientTrialDays; day++ {
		allowed, err := gate.CheckLicense(ctx)
		require.NoError(t, err)
		assert.True(t, allowed, "day %d", day)
		clock.Advance(24*time.Hour - time.Minute)
	}
	assert.Zero(t, res.calls, "the server is not consulted during the local trial")

	_, err := local.InitializeIfNeeded(ctx)
	require.NoError(t, err)
	require.NoError(t, local.SetRemainingMs(ctx, 0))
	allowed, err := gate.CheckLicense(ctx)
	require.NoError(t, err)
	assert.False(t, allowed, "exhausted allotment blocks inside the trial")
}

func TestGateServerPlans(t *testing.T) {
	tests := []struct {
		name          string
		decision      licensing.Decision
		want          bool
		wantRemaining int64 // -1 leaves local remainingMs unchecked
	}{
		{"pro", licensing.Decision{Plan: licensing.PlanPro}, true, -1},
		{"paid alias", licensing.Decision{Plan: licensing.PlanPaid}, true, -1},
		{"trial with quota", licensing.Decision{Plan: licensing.PlanTrial, FreeDailySecondsRemaining: 120}, true, 120_000},
		{"trial exhausted", licensing.Decision{Plan: licensing.PlanTrial}, false, -1},
		{"free with quota", licensing.Decision{Plan: licensing.PlanFree, FreeDailySecondsRemaining: 1}, true, -1},
		{"free exhausted", licensing.Decision{Plan: licensing.PlanFree}, false, -1},
		{"unknown plan", licensing.Decision{Plan: "enterprise", FreeDailySecondsRemaining: 600}, false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
			d := tt.decision
			gate, local := expiredTrialGate(t, clock, &stubResolver{decision: &d})

			allowed, err := gate.CheckLicense(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, allowed)
			if tt.wantRemaining >= 0 {
				remaining, err := local.RemainingMs(context.Background())
				require.NoError(t, err)
				assert.Equal(t, tt.wantRemaining, remaining)
			}
		})
	}
}

func TestGateOfflineGrace(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	res := &stubResolver{err: errOffline}
	gate, _ := expiredTrialGate(t, clock, res)

	// Never verified: fail open.
	allowed, err := gate.CheckLicense(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	res.last = &licensing.Decision{Plan: licensing.PlanFree, ServerTime: clock.Now().Add(-20 * time.Minute).Unix(), OfflineGraceMinutes: 30}
	allowed, err = gate.CheckLicense(ctx)
	require.NoError(t, err)
	assert.True(t, allowed, "within the grace window")

	res.last.ServerTime = clock.Now().Add(-31 * time.Minute).Unix()
	allowed, err = gate.CheckLicense(ctx)
	require.NoError(t, err)
	assert.False(t, allowed, "grace window passed")

	// Grace length comes from the last decision.
	res.last.OfflineGraceMinutes = 60
	allowed, err = gate.CheckLicense(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	// A nil decision without error is also "no response".
	res.err = nil
	res.last.ServerTime = clock.Now().Add(-2 * time.Hour).Unix()
	allowed, err = gate.CheckLicense(ctx)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGateStorageFailureIsSurfaced(t *testing.T) {
	gate := NewGate(NewLocalStore(brokenStore{}, nil), &stubResolver{}, nil, nil)
	allowed, err := gate.CheckLicense(context.Background())
	assert.False(t, allowed)
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
}

func TestGateNonTransientResolverError(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	gate, _ := expiredTrialGate(t, clock, &stubResolver{err: errors.New("bug")})
	allowed, err := gate.CheckLicense(context.Background())
	assert.False(t, allowed)
	assert.Error(t, err)
}

func TestGateRecoversPanics(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	var seen []GateDecision
	gate, _ := expiredTrialGate(t, clock, &stubResolver{panicky: true})
	gate.observer = observerFunc(func(d GateDecision) { seen = append(seen, d) })

	allowed, err := gate.CheckLicense(context.Background())
	assert.False(t, allowed)
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeInternal, errs.TypeOf(err))
	require.Len(t, seen, 1)
	assert.Equal(t, ReasonInternalFailure, seen[0].Reason)
}

func TestGateReportsDecisions(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	var seen []GateDecision
	local := NewLocalStore(NewMemoryStore(), clock.Now)
	gate := NewGate(local, &stubResolver{decision: &licensing.Decision{Plan: licensing.PlanPro}}, clock.Now,
		observerFunc(func(d GateDecision) { seen = append(seen, d) }))

	_, err := gate.CheckLicense(context.Background())
	require.NoError(t, err)
	clock.Advance(6 * 24 * time.Hour)
	_, err = gate.CheckLicense(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, GateDecision{Allowed: true, Reason: ReasonLocalTrial}, seen[0])
	assert.Equal(t, GateDecision{Allowed: true, Reason: ReasonPro, Plan: licensing.PlanPro}, seen[1])
}
