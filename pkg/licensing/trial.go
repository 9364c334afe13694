package licensing

import (
	"math"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// DayKey is the server's UTC usage bucket key (YYYYMMDD).
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// UsageDay is the client's UTC day marker (YYYY-MM-DD).
func UsageDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// TrialSpanDays returns the trial length for a device.
func TrialSpanDays(extended bool) int {
	if extended {
		return InitialTrialDays + ExtendedTrialDays
	}
	return InitialTrialDays
}

// TrialDaysRemaining returns ceil((trialStart + span - now) / 1 day), floored at zero.
func TrialDaysRemaining(trialStart time.Time, extended bool, now time.Time) int {
	end := trialStart.Unix() + int64(TrialSpanDays(extended))*secondsPerDay
	left := math.Ceil(float64(end-now.Unix()) / secondsPerDay)
	if left <= 0 {
		return 0
	}
	return int(left)
}

// WholeDaysSince returns the number of complete days between start and now.
func WholeDaysSince(start, now time.Time) int {
	if now.Before(start) {
		return 0
	}
	return int(now.Sub(start) / (24 * time.Hour))
}

// ClientTrialActive reports whether fewer than ClientTrialDays whole days have
// elapsed since the locally recorded trial start.
func ClientTrialActive(trialStartedAt, now time.Time) bool {
	if trialStartedAt.IsZero() {
		return false
	}
	return WholeDaysSince(trialStartedAt, now) < ClientTrialDays
}
