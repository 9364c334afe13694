package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
)

var (
	// ErrVersionConflict is returned by Put* when the stored record changed
	// since it was read. Callers re-read and retry.
	ErrVersionConflict = fmt.Errorf("ledger: %w", errs.ErrConflict)

	// ErrDeviceIDRequired rejects verify requests without a device id.
	ErrDeviceIDRequired = fmt.Errorf("deviceId required: %w", errs.ErrInvalidInput)

	// ErrInvalidEmail rejects operations that need a valid account email.
	ErrInvalidEmail = fmt.Errorf("invalid email: %w", errs.ErrInvalidInput)

	// ErrDeviceNotFound is returned by read-only lookups of unknown devices.
	ErrDeviceNotFound = fmt.Errorf("device %w", errs.ErrNotFound)
)

// Device is one extension installation as the server sees it. Daily maps a
// UTC day key (YYYYMMDD) to seconds used.
type Device struct {
	ID              string
	FingerprintHash string
	FirstSeen       time.Time
	LastSeen        time.Time
	TrialStart      time.Time
	TrialExtended   bool
	AccountID       string // linked account, empty when unlinked
	Daily           map[string]int64
	Version         int64
}

// Clone returns a deep copy so callers can mutate without touching cached state.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.Daily = make(map[string]int64, len(d.Daily))
	for k, v := range d.Daily {
		c.Daily[k] = v
	}
	return &c
}

// Account is an email-identified holder of a paid entitlement.
type Account struct {
	ID                 string
	Email              string
	ProUntil           time.Time
	SubscriptionActive bool
	CreatedAt          time.Time
	Notes              string
	Version            int64
}

// Clone returns a copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// IsPro reports whether the account holds an active subscription or an
// unexpired fixed-term entitlement at now.
func (a *Account) IsPro(now time.Time) bool {
	if a == nil {
		return false
	}
	return a.SubscriptionActive || now.Before(a.ProUntil)
}

// Summary is the account view embedded in plan decisions.
func (a *Account) Summary() *licensing.AccountSummary {
	if a == nil {
		return nil
	}
	var proUntil int64
	if !a.ProUntil.IsZero() {
		proUntil = a.ProUntil.Unix()
	}
	return &licensing.AccountSummary{
		Email:              a.Email,
		ProUntil:           proUntil,
		SubscriptionActive: a.SubscriptionActive,
	}
}

// AccountIDFor derives the account id for a normalized email at creation time.
func AccountIDFor(email string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", email, createdAt.Unix())))
	return "acc_" + hex.EncodeToString(sum[:])[:16]
}
