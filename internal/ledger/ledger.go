package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/internal/metrics"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

const defaultMaxAttempts = 5

// Ledger owns the device/account state machine on top of a Repository.
type Ledger struct {
	repo        Repository
	now         func() time.Time
	signer      *licensing.DecisionSigner
	maxAttempts int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithDecisionSigner attaches a signer so every decision carries a token.
func WithDecisionSigner(s *licensing.DecisionSigner) Option {
	return func(l *Ledger) { l.signer = s }
}

// WithMaxAttempts bounds optimistic-concurrency retries.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// New creates a Ledger.
func New(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:        repo,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Repository returns the underlying store.
func (l *Ledger) Repository() Repository {
	return l.repo
}

// Ping checks the repository (readiness).
func (l *Ledger) Ping(ctx context.Context) error {
	return l.repo.Ping(ctx)
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC().Truncate(time.Second)
}

// EnsureDevice loads the device or builds a new one (Version 0, not yet
// persisted), stamping LastSeen and filling a missing fingerprint hash.
func (l *Ledger) EnsureDevice(ctx context.Context, deviceID, fph string) (*Device, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	now := l.clock()
	dev, err := l.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return &Device{
			ID:              deviceID,
			FingerprintHash: fph,
			FirstSeen:       now,
			LastSeen:        now,
			TrialStart:      now,
			Daily:           map[string]int64{},
		}, nil
	}
	dev.LastSeen = now
	if dev.FingerprintHash == "" && fph != "" {
		dev.FingerprintHash = fph
	}
	if dev.Daily == nil {
		dev.Daily = map[string]int64{}
	}
	return dev, nil
}

// MergeTrialIfSameFingerprint pulls dev.TrialStart back to the earliest trial
// start among other devices sharing fph whose FirstSeen falls inside the
// fingerprint decay window, and ORs their TrialExtended flags. It reports
// whether dev changed. This is a best-effort anti-abuse heuristic.
func (l *Ledger) MergeTrialIfSameFingerprint(ctx context.Context, dev *Device, fph string) (bool, error) {
	if dev == nil || fph == "" {
		return false, nil
	}
	cutoff := l.clock().Add(-licensing.FingerprintDecayDays * 24 * time.Hour)
	matches, err := l.repo.ListDevicesByFingerprint(ctx, fph, cutoff)
	if err != nil {
		return false, err
	}

	changed := false
	for _, other := range matches {
		if other == nil || other.ID == dev.ID {
			continue
		}
		if other.TrialStart.Before(dev.TrialStart) {
			dev.TrialStart = other.TrialStart
			changed = true
		}
		if other.TrialExtended && !dev.TrialExtended {
			dev.TrialExtended = true
			changed = true
		}
	}
	if changed {
		metrics.TrialMergesTotal.Inc()
	}
	return changed, nil
}

// FindAccountByEmail returns the account for email, or nil when the email is
// invalid or unknown.
func (l *Ledger) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	normalized := licensing.NormalizeEmail(email)
	if normalized == "" {
		return nil, nil
	}
	return l.repo.FindAccountByEmail(ctx, normalized)
}

// EnsureAccountForEmail returns the account for email, creating it when
// missing. An invalid email yields (nil, nil); the caller must check.
func (l *Ledger) EnsureAccountForEmail(ctx context.Context, email string) (*Account, error) {
	normalized := licensing.NormalizeEmail(email)
	if normalized == "" {
		return nil, nil
	}

	var account *Account
	err := l.retry(ctx, "ensure_account", func() error {
		existing, err := l.repo.FindAccountByEmail(ctx, normalized)
		if err != nil {
			return err
		}
		if existing != nil {
			account = existing
			return nil
		}
		now := l.clock()
		created := &Account{
			ID:        AccountIDFor(normalized, now),
			Email:     normalized,
			CreatedAt: now,
		}
		if err := l.repo.PutAccount(ctx, created); err != nil {
			return err
		}
		log.Info().Str("account_id", created.ID).Msg("Account created")
		account = created
		return nil
	})
	return account, err
}

// LinkDeviceToAccount points dev at acc. The first link of a device grants
// the extended trial window. The account itself is not modified.
func LinkDeviceToAccount(dev *Device, acc *Account) {
	if dev == nil || acc == nil || acc.ID == "" {
		return
	}
	if dev.AccountID == "" {
		dev.TrialExtended = true
	}
	dev.AccountID = acc.ID
}

// MaxUsageSecondsPerReport caps a single usage report at one day.
const MaxUsageSecondsPerReport = 24 * 60 * 60

// AddUsageSeconds adds a non-negative amount, capped at
// MaxUsageSecondsPerReport, to today's usage bucket. The bucket saturates
// instead of overflowing.
func AddUsageSeconds(dev *Device, seconds int64, now time.Time) {
	if dev == nil || seconds <= 0 {
		return
	}
	seconds = min(seconds, MaxUsageSecondsPerReport)
	if dev.Daily == nil {
		dev.Daily = map[string]int64{}
	}
	key := licensing.DayKey(now)
	if dev.Daily[key] > math.MaxInt64-seconds {
		dev.Daily[key] = math.MaxInt64
		return
	}
	dev.Daily[key] += seconds
}

// SecondsUsedToday returns today's usage bucket.
func SecondsUsedToday(dev *Device, now time.Time) int64 {
	if dev == nil {
		return 0
	}
	return dev.Daily[licensing.DayKey(now)]
}

// PlanFor is the plan precedence: a pro account wins, then an open trial
// window, then free.
func PlanFor(dev *Device, acc *Account, now time.Time) licensing.Plan {
	if acc != nil && acc.IsPro(now) {
		return licensing.PlanPro
	}
	if dev != nil && licensing.TrialDaysRemaining(dev.TrialStart, dev.TrialExtended, now) > 0 {
		return licensing.PlanTrial
	}
	return licensing.PlanFree
}

// ComputePlan loads the linked account, if any, and resolves the plan.
func (l *Ledger) ComputePlan(ctx context.Context, dev *Device) (licensing.Plan, *Account, error) {
	var acc *Account
	if dev != nil && dev.AccountID != "" {
		var err error
		acc, err = l.repo.GetAccount(ctx, dev.AccountID)
		if err != nil {
			return "", nil, err
		}
	}
	return PlanFor(dev, acc, l.clock()), acc, nil
}

// MakeResponse builds the plan decision for dev.
func (l *Ledger) MakeResponse(plan licensing.Plan, acc *Account, dev *Device) licensing.Decision {
	now := l.clock()
	remain := int64(licensing.FreeDailySeconds) - SecondsUsedToday(dev, now)
	if remain < 0 {
		remain = 0
	}
	var trialDays int
	if dev != nil {
		trialDays = licensing.TrialDaysRemaining(dev.TrialStart, dev.TrialExtended, now)
	}
	return licensing.Decision{
		Plan:                      plan,
		TrialDaysRemaining:        trialDays,
		FreeDailySecondsRemaining: remain,
		ClientCacheSeconds:        licensing.ClientCacheSeconds,
		OfflineGraceMinutes:       licensing.OfflineGraceMinutes,
		ServerTime:                now.Unix(),
		Account:                   acc.Summary(),
	}
}

// Verify runs the full verify flow for one request: ensure the device, merge
// its trial by fingerprint, link an email, record usage, compute the plan and
// persist. The whole flow is retried on version conflicts.
func (l *Ledger) Verify(ctx context.Context, req licensing.VerifyRequest) (*licensing.Decision, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	var fph string
	if !req.Fingerprint.IsZero() {
		fph = req.Fingerprint.Hash()
	}
	email := licensing.NormalizeEmail(req.Email)

	var decision licensing.Decision
	err := l.retry(ctx, "verify", func() error {
		dev, err := l.EnsureDevice(ctx, deviceID, fph)
		if err != nil {
			return err
		}
		mergeHash := fph
		if mergeHash == "" {
			mergeHash = dev.FingerprintHash
		}
		if _, err := l.MergeTrialIfSameFingerprint(ctx, dev, mergeHash); err != nil {
			return err
		}

		if email != "" {
			acc, err := l.EnsureAccountForEmail(ctx, email)
			if err != nil {
				return err
			}
			LinkDeviceToAccount(dev, acc)
		}

		if req.AddUsageSeconds > 0 {
			AddUsageSeconds(dev, req.AddUsageSeconds, l.clock())
		}

		plan, acc, err := l.ComputePlan(ctx, dev)
		if err != nil {
			return err
		}
		if err := l.repo.PutDevice(ctx, dev); err != nil {
			return err
		}
		decision = l.MakeResponse(plan, acc, dev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := l.signer.Sign(deviceID, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// Status resolves the current decision for a known device without mutating it.
func (l *Ledger) Status(ctx context.Context, deviceID string) (*licensing.Decision, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	dev, err := l.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, ErrDeviceNotFound
	}
	plan, acc, err := l.ComputePlan(ctx, dev)
	if err != nil {
		return nil, err
	}
	decision := l.MakeResponse(plan, acc, dev)
	return &decision, nil
}

// ActivateSubscription marks the account for email as subscribed and links
// deviceID to it when that device is known. It reports whether a device was linked.
func (l *Ledger) ActivateSubscription(ctx context.Context, email, deviceID string) (*Account, bool, error) {
	if licensing.NormalizeEmail(email) == "" {
		return nil, false, ErrInvalidEmail
	}

	var account *Account
	err := l.retry(ctx, "activate_subscription", func() error {
		acc, err := l.EnsureAccountForEmail(ctx, email)
		if err != nil {
			return err
		}
		if acc == nil {
			return ErrInvalidEmail
		}
		if !acc.SubscriptionActive {
			acc.SubscriptionActive = true
			if err := l.repo.PutAccount(ctx, acc); err != nil {
				return err
			}
		}
		account = acc
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return account, false, nil
	}

	linked := false
	err = l.retry(ctx, "link_device", func() error {
		dev, err := l.repo.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if dev == nil {
			linked = false
			return nil
		}
		if dev.AccountID == account.ID {
			linked = true
			return nil
		}
		LinkDeviceToAccount(dev, account)
		if err := l.repo.PutDevice(ctx, dev); err != nil {
			return err
		}
		linked = true
		return nil
	})
	if err != nil {
		return account, false, err
	}
	metrics.SubscriptionActivationsTotal.WithLabelValues(strconv.FormatBool(linked)).Inc()
	return account, linked, nil
}

// GrantPro sets a fixed-term pro entitlement on the account for email.
func (l *Ledger) GrantPro(ctx context.Context, email string, until time.Time) (*Account, error) {
	if licensing.NormalizeEmail(email) == "" {
		return nil, ErrInvalidEmail
	}
	var account *Account
	err := l.retry(ctx, "grant_pro", func() error {
		acc, err := l.EnsureAccountForEmail(ctx, email)
		if err != nil {
			return err
		}
		if acc == nil {
			return ErrInvalidEmail
		}
		acc.ProUntil = until.UTC().Truncate(time.Second)
		if err := l.repo.PutAccount(ctx, acc); err != nil {
			return err
		}
		account = acc
		return nil
	})
	return account, err
}

func (l *Ledger) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		metrics.LedgerConflictsTotal.WithLabelValues(op).Inc()
		log.Debug().Str("op", op).Int("attempt", attempt).Msg("Ledger version conflict, retrying")
	}
	return errs.New(errs.ErrorTypeConflict, op, fmt.Errorf("gave up after %d attempts: %w", l.maxAttempts, err))
}
