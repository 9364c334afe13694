package licensing

import "time"

// AccountSummary is the account view attached to a decision for linked devices.
type AccountSummary struct {
	Email              string `json:"email"`
	ProUntil           int64  `json:"proUntil"`
	SubscriptionActive bool   `json:"subscriptionActive"`
}

// Decision is the plan decision returned by the verify endpoint.
type Decision struct {
	Plan                      Plan            `json:"plan"`
	TrialDaysRemaining        int             `json:"trialDaysRemaining"`
	FreeDailySecondsRemaining int64           `json:"freeDailySecondsRemaining"`
	ClientCacheSeconds        int64           `json:"clientCacheSeconds"`
	OfflineGraceMinutes       int64           `json:"offlineGraceMinutes"`
	ServerTime                int64           `json:"serverTime"`
	Account                   *AccountSummary `json:"account,omitempty"`
	Token                     string          `json:"token,omitempty"`
}

// Normalize fills the defaults a client applies to whatever the server sent.
func (d *Decision) Normalize(now time.Time) {
	if d.ClientCacheSeconds <= 0 {
		d.ClientCacheSeconds = ClientCacheSeconds
	}
	if d.ServerTime <= 0 {
		d.ServerTime = now.Unix()
	}
	if d.Plan == "" {
		d.Plan = PlanFree
	}
	if d.FreeDailySecondsRemaining < 0 {
		d.FreeDailySecondsRemaining = 0
	}
}

// CacheTTL is how long a client may reuse this decision.
func (d *Decision) CacheTTL() time.Duration {
	secs := d.ClientCacheSeconds
	if secs <= 0 {
		secs = ClientCacheSeconds
	}
	return time.Duration(secs) * time.Second
}

// OfflineGrace is how long a client may keep operating after ServerTime while
// the server is unreachable.
func (d *Decision) OfflineGrace() time.Duration {
	if d == nil || d.OfflineGraceMinutes <= 0 {
		return OfflineGraceMinutes * time.Minute
	}
	return time.Duration(d.OfflineGraceMinutes) * time.Minute
}

// ServerTimestamp returns ServerTime as a time.Time.
func (d *Decision) ServerTimestamp() time.Time {
	if d == nil || d.ServerTime <= 0 {
		return time.Time{}
	}
	return time.Unix(d.ServerTime, 0)
}

// Status projects the decision onto the get_license_status view.
func (d *Decision) Status() LicenseStatus {
	status := LicenseStatus{
		Plan:                      d.Plan,
		TrialDaysRemaining:        d.TrialDaysRemaining,
		FreeDailySecondsRemaining: d.FreeDailySecondsRemaining,
	}
	if d.Account != nil && d.Account.Email != "" {
		status.Account = &StatusAccount{Email: d.Account.Email}
	}
	return status
}

// VerifyRequest is the body of POST verify.
type VerifyRequest struct {
	DeviceID        string      `json:"deviceId"`
	Fingerprint     Fingerprint `json:"fingerprint"`
	Email           string      `json:"email,omitempty"`
	AddUsageSeconds int64       `json:"addUsageSeconds,omitempty"`
}

// StatusAccount is the account part of LicenseStatus.
type StatusAccount struct {
	Email string `json:"email"`
}

// LicenseStatus answers the get_license_status message.
type LicenseStatus struct {
	Plan                      Plan           `json:"plan"`
	TrialDaysRemaining        int            `json:"trialDaysRemaining"`
	FreeDailySecondsRemaining int64          `json:"freeDailySecondsRemaining"`
	Account                   *StatusAccount `json:"account,omitempty"`
}
