package jsonstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/ledger"
)

// The on-disk documents keep the layout of the original PHP backend:
// timestamps are unix seconds and an empty usage map is written as [].
// Records written by that backend carry no version; they load as version 1.

type deviceRecord struct {
	ID              string     `json:"deviceId"`
	FingerprintHash string     `json:"fph"`
	FirstSeen       unixTime   `json:"firstSeen"`
	TrialStart      unixTime   `json:"trialStart"`
	TrialExtended   bool       `json:"trialExtended"`
	AccountID       string     `json:"linkedAccount"`
	LastSeen        unixTime   `json:"lastSeen"`
	Daily           dailyUsage `json:"daily"`
	Version         int64      `json:"version,omitempty"`
}

type accountRecord struct {
	ID                 string   `json:"accountId"`
	Email              string   `json:"email"`
	ProUntil           unixTime `json:"proUntil"`
	SubscriptionActive bool     `json:"subscriptionActive"`
	CreatedAt          unixTime `json:"createdAt"`
	Notes              string   `json:"notes"`
	Version            int64    `json:"version,omitempty"`
}

func toDeviceRecord(d *ledger.Device) *deviceRecord {
	return &deviceRecord{
		ID:              d.ID,
		FingerprintHash: d.FingerprintHash,
		FirstSeen:       unixTime(d.FirstSeen),
		TrialStart:      unixTime(d.TrialStart),
		TrialExtended:   d.TrialExtended,
		AccountID:       d.AccountID,
		LastSeen:        unixTime(d.LastSeen),
		Daily:           dailyUsage(d.Daily),
		Version:         d.Version,
	}
}

func (r *deviceRecord) device(key string) *ledger.Device {
	d := &ledger.Device{
		ID:              r.ID,
		FingerprintHash: r.FingerprintHash,
		FirstSeen:       time.Time(r.FirstSeen),
		LastSeen:        time.Time(r.LastSeen),
		TrialStart:      time.Time(r.TrialStart),
		TrialExtended:   r.TrialExtended,
		AccountID:       r.AccountID,
		Daily:           map[string]int64(r.Daily),
		Version:         max(r.Version, 1),
	}
	if d.ID == "" {
		d.ID = key
	}
	if d.Daily == nil {
		d.Daily = map[string]int64{}
	}
	return d
}

func toAccountRecord(a *ledger.Account) *accountRecord {
	return &accountRecord{
		ID:                 a.ID,
		Email:              a.Email,
		ProUntil:           unixTime(a.ProUntil),
		SubscriptionActive: a.SubscriptionActive,
		CreatedAt:          unixTime(a.CreatedAt),
		Notes:              a.Notes,
		Version:            a.Version,
	}
}

func (r *accountRecord) account(key string) *ledger.Account {
	a := &ledger.Account{
		ID:                 r.ID,
		Email:              r.Email,
		ProUntil:           time.Time(r.ProUntil),
		SubscriptionActive: r.SubscriptionActive,
		CreatedAt:          time.Time(r.CreatedAt),
		Notes:              r.Notes,
		Version:            max(r.Version, 1),
	}
	if a.ID == "" {
		a.ID = key
	}
	return a
}

// unixTime is a time encoded as integer unix seconds; the zero time is 0.
type unixTime time.Time

func (t unixTime) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("0"), nil
	}
	return strconv.AppendInt(nil, tt.Unix(), 10), nil
}

func (t *unixTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = unixTime{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = unixTime{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			*t = unixTime(parsed.UTC())
			return nil
		}
		data = []byte(s)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %s", data)
	}
	if f <= 0 {
		*t = unixTime{}
		return nil
	}
	*t = unixTime(time.Unix(int64(f), 0).UTC())
	return nil
}

// dailyUsage maps YYYYMMDD to seconds used. PHP encodes an empty map as [].
type dailyUsage map[string]int64

func (d dailyUsage) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(map[string]int64(d))
}

func (d *dailyUsage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || (len(data) > 0 && data[0] == '[') {
		var list []json.RawMessage
		if data[0] == '[' {
			if err := json.Unmarshal(data, &list); err != nil {
				return err
			}
			if len(list) > 0 {
				return fmt.Errorf("daily usage must be an object, got a non-empty list")
			}
		}
		*d = dailyUsage{}
		return nil
	}

	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(dailyUsage, len(raw))
	for day, n := range raw {
		if v, err := n.Int64(); err == nil {
			out[day] = v
			continue
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("daily usage for %s: %w", day, err)
		}
		out[day] = int64(f)
	}
	*d = out
	return nil
}
