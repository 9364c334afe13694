package client

import (
	"context"
	"fmt"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Reasons reported with each gate decision.
const (
	ReasonLocalTrial      = "local_trial"
	ReasonLocalExhausted  = "local_trial_exhausted"
	ReasonPro             = "pro"
	ReasonServerTrial     = "server_trial"
	ReasonServerFree      = "server_free"
	ReasonQuotaExhausted  = "quota_exhausted"
	ReasonUnknownPlan     = "unknown_plan"
	ReasonOfflineGrace    = "offline_grace"
	ReasonOfflineExpired  = "offline_grace_expired"
	ReasonNeverVerified   = "offline_never_verified"
	ReasonStorageFailure  = "storage_failure"
	ReasonInternalFailure = "internal_failure"
)

// GateDecision is one outcome of CheckLicense.
type GateDecision struct {
	Allowed bool
	Reason  string
	Plan    licensing.Plan // empty when the server was not consulted
}

// DecisionObserver is told about every gate decision.
type DecisionObserver interface {
	ObserveDecision(GateDecision)
}

// LicenseResolver is the server side of the gate.
type LicenseResolver interface {
	VerifyLicense(ctx context.Context, deviceID string, force bool) (*licensing.Decision, error)
	LastDecision(ctx context.Context) (*licensing.Decision, error)
}

// Gate decides whether the privileged action may start.
type Gate struct {
	local    *LocalStore
	resolver LicenseResolver
	now      func() time.Time
	observer DecisionObserver
}

// NewGate creates a Gate. observer may be nil.
func NewGate(local *LocalStore, resolver LicenseResolver, now func() time.Time, observer DecisionObserver) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{local: local, resolver: resolver, now: now, observer: observer}
}

// CheckLicense reports whether the privileged action is allowed right now.
// A storage failure returns false with an error of type storage; it is never
// silently treated as allowed.
func (g *Gate) CheckLicense(ctx context.Context) (allowed bool, err error) {
	var decision GateDecision
	defer func() {
		if rec := recover(); rec != nil {
			decision = GateDecision{Reason: ReasonInternalFailure}
			allowed = false
			err = errs.New(errs.ErrorTypeInternal, "check_license", fmt.Errorf("panic: %v", rec))
			log.Error().Interface("panic", rec).Msg("License check panicked")
		}
		g.report(decision, err)
	}()

	decision, err = g.decide(ctx)
	return decision.Allowed, err
}

func (g *Gate) decide(ctx context.Context) (GateDecision, error) {
	deviceID, err := g.local.InitializeIfNeeded(ctx)
	if err != nil {
		return GateDecision{Reason: ReasonStorageFailure}, err
	}

	now := g.now()
	startedAt, ok, err := g.local.TrialStartedAt(ctx)
	if err != nil {
		return GateDecision{Reason: ReasonStorageFailure}, err
	}
	if ok && licensing.ClientTrialActive(startedAt, now) {
		remaining, err := g.local.RemainingMs(ctx)
		if err != nil {
			return GateDecision{Reason: ReasonStorageFailure}, err
		}
		if remaining <= 0 {
			return GateDecision{Reason: ReasonLocalExhausted}, nil
		}
		return GateDecision{Allowed: true, Reason: ReasonLocalTrial}, nil
	}

	d, verr := g.resolver.VerifyLicense(ctx, deviceID, false)
	if verr != nil || d == nil {
		if verr != nil && !errs.IsTransient(verr) {
			return GateDecision{Reason: ReasonInternalFailure}, verr
		}
		return g.offline(ctx, now)
	}

	switch d.Plan {
	case licensing.PlanPro, licensing.PlanPaid:
		return GateDecision{Allowed: true, Reason: ReasonPro, Plan: d.Plan}, nil
	case licensing.PlanTrial:
		if d.FreeDailySecondsRemaining <= 0 {
			return GateDecision{Reason: ReasonQuotaExhausted, Plan: d.Plan}, nil
		}
		if err := g.local.SetRemainingMs(ctx, d.FreeDailySecondsRemaining*1000); err != nil {
			return GateDecision{Reason: ReasonStorageFailure, Plan: d.Plan}, err
		}
		return GateDecision{Allowed: true, Reason: ReasonServerTrial, Plan: d.Plan}, nil
	case licensing.PlanFree:
		if d.FreeDailySecondsRemaining <= 0 {
			return GateDecision{Reason: ReasonQuotaExhausted, Plan: d.Plan}, nil
		}
		return GateDecision{Allowed: true, Reason: ReasonServerFree, Plan: d.Plan}, nil
	default:
		return GateDecision{Reason: ReasonUnknownPlan, Plan: d.Plan}, nil
	}
}

// offline applies the grace window measured from the last server timestamp.
// With no decision ever received the device is allowed.
func (g *Gate) offline(ctx context.Context, now time.Time) (GateDecision, error) {
	last, err := g.resolver.LastDecision(ctx)
	if err != nil {
		return GateDecision{Reason: ReasonStorageFailure}, err
	}
	if last == nil {
		return GateDecision{Allowed: true, Reason: ReasonNeverVerified}, nil
	}
	if now.Sub(last.ServerTimestamp()) <= last.OfflineGrace() {
		return GateDecision{Allowed: true, Reason: ReasonOfflineGrace, Plan: last.Plan}, nil
	}
	return GateDecision{Reason: ReasonOfflineExpired, Plan: last.Plan}, nil
}

func (g *Gate) report(d GateDecision, err error) {
	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err).Str("error_type", string(errs.TypeOf(err)))
	}
	ev.Bool("allowed", d.Allowed).
		Str("reason", d.Reason).
		Str("plan", string(d.Plan)).
		Msg("License check")
	if g.observer != nil {
		g.observer.ObserveDecision(d)
	}
}
