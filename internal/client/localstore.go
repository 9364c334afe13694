package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Keys in the client Store.
const (
	KeyDeviceID             = "deviceId"
	KeyTrialStartedAt       = "trialStartedAt"
	KeyRemainingMs          = "remainingMs"
	KeyLastUsageDay         = "lastUsageDay"
	KeyLastServerResponse   = "lastServerResponse"
	KeyLastServerResponseAt = "lastServerResponseAt"
	KeyUserEmail            = "userEmail"
)

// LocalStore is the typed view over the client Store.
type LocalStore struct {
	kv  Store
	now func() time.Time

	// serializes id generation and first-run initialization
	initMu sync.Mutex
}

// NewLocalStore wraps kv. A nil clock means time.Now.
func NewLocalStore(kv Store, now func() time.Time) *LocalStore {
	if now == nil {
		now = time.Now
	}
	return &LocalStore{kv: kv, now: now}
}

func (s *LocalStore) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, errs.WrapStorageError("read "+key, err)
	}
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errs.WrapStorageError("decode "+key, err)
	}
	return true, nil
}

func (s *LocalStore) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.WrapStorageError("encode "+key, err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return errs.WrapStorageError("write "+key, err)
	}
	return nil
}

// DeviceID returns the stored device id, generating and persisting one on
// first use.
func (s *LocalStore) DeviceID(ctx context.Context) (string, error) {
	return s.AdoptDeviceID(ctx, "")
}

// AdoptDeviceID returns the stored device id. When none is stored it persists
// candidate, or a generated id when candidate is blank.
func (s *LocalStore) AdoptDeviceID(ctx context.Context, candidate string) (string, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	var id string
	ok, err := s.get(ctx, KeyDeviceID, &id)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(id) != "" {
		return id, nil
	}

	id = strings.TrimSpace(candidate)
	if id == "" {
		id = newDeviceID(s.now())
	}
	if err := s.set(ctx, KeyDeviceID, id); err != nil {
		return "", err
	}
	log.Info().Str("device_id", id).Msg("Device id created")
	return id, nil
}

// InitializeIfNeeded starts the local trial clock on first run and resets the
// daily allotment when the UTC day changed. It returns the device id.
func (s *LocalStore) InitializeIfNeeded(ctx context.Context) (string, error) {
	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return "", err
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	now := s.now()
	var startedMs int64
	ok, err := s.get(ctx, KeyTrialStartedAt, &startedMs)
	if err != nil {
		return "", err
	}
	if !ok || startedMs == 0 {
		if err := s.set(ctx, KeyTrialStartedAt, now.UnixMilli()); err != nil {
			return "", err
		}
		log.Info().Str("device_id", deviceID).Msg("Local trial started")
	}

	today := licensing.UsageDay(now)
	var lastDay string
	if _, err := s.get(ctx, KeyLastUsageDay, &lastDay); err != nil {
		return "", err
	}
	if lastDay != today {
		if err := s.set(ctx, KeyRemainingMs, licensing.DailyFreeAllotment.Milliseconds()); err != nil {
			return "", err
		}
		if err := s.set(ctx, KeyLastUsageDay, today); err != nil {
			return "", err
		}
		log.Debug().Str("day", today).Msg("Daily allotment reset")
		return deviceID, nil
	}

	var remaining int64
	ok, err = s.get(ctx, KeyRemainingMs, &remaining)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := s.set(ctx, KeyRemainingMs, licensing.DailyFreeAllotment.Milliseconds()); err != nil {
			return "", err
		}
	}
	return deviceID, nil
}

// TrialStartedAt returns when the local trial began; ok is false before
// initialization.
func (s *LocalStore) TrialStartedAt(ctx context.Context) (time.Time, bool, error) {
	var ms int64
	ok, err := s.get(ctx, KeyTrialStartedAt, &ms)
	if err != nil || !ok || ms == 0 {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// RemainingMs returns today's remaining allotment. A missing value reads as 0.
func (s *LocalStore) RemainingMs(ctx context.Context) (int64, error) {
	var ms int64
	if _, err := s.get(ctx, KeyRemainingMs, &ms); err != nil {
		return 0, err
	}
	return ms, nil
}

// SetRemainingMs stores ms, clamped at zero.
func (s *LocalStore) SetRemainingMs(ctx context.Context, ms int64) error {
	if ms < 0 {
		ms = 0
	}
	return s.set(ctx, KeyRemainingMs, ms)
}

// LastUsageDay returns the YYYY-MM-DD day the allotment was last reset.
func (s *LocalStore) LastUsageDay(ctx context.Context) (string, error) {
	var day string
	if _, err := s.get(ctx, KeyLastUsageDay, &day); err != nil {
		return "", err
	}
	return day, nil
}

// CachedResponse returns the last server decision and when it was fetched.
// It returns a nil decision when nothing was ever cached.
func (s *LocalStore) CachedResponse(ctx context.Context) (*licensing.Decision, time.Time, error) {
	var d licensing.Decision
	ok, err := s.get(ctx, KeyLastServerResponse, &d)
	if err != nil || !ok {
		return nil, time.Time{}, err
	}
	var atMs int64
	if _, err := s.get(ctx, KeyLastServerResponseAt, &atMs); err != nil {
		return nil, time.Time{}, err
	}
	var at time.Time
	if atMs > 0 {
		at = time.UnixMilli(atMs)
	}
	return &d, at, nil
}

// SaveResponse persists d as the latest server decision, fetched at.
func (s *LocalStore) SaveResponse(ctx context.Context, d *licensing.Decision, at time.Time) error {
	if d == nil {
		return fmt.Errorf("save response: nil decision")
	}
	if err := s.set(ctx, KeyLastServerResponse, d); err != nil {
		return err
	}
	return s.set(ctx, KeyLastServerResponseAt, at.UnixMilli())
}

// LinkedEmail returns the email the user linked on this device, if any.
func (s *LocalStore) LinkedEmail(ctx context.Context) (string, error) {
	var email string
	if _, err := s.get(ctx, KeyUserEmail, &email); err != nil {
		return "", err
	}
	return email, nil
}

// SetLinkedEmail stores a normalized email for the next verify call.
func (s *LocalStore) SetLinkedEmail(ctx context.Context, email string) error {
	return s.set(ctx, KeyUserEmail, email)
}
