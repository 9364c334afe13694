// Package licensing holds the entitlement contract shared by the ledger service
// and the client core: plans, quota constants, the plan-decision wire format,
// fingerprints and key handling.
package licensing

import "time"

// Plan is the resolved entitlement tier for a device at a point in time.
type Plan string

const (
	PlanPro   Plan = "pro"
	PlanTrial Plan = "trial"
	PlanFree  Plan = "free"

	// PlanPaid is accepted from older servers as a synonym of PlanPro.
	PlanPaid Plan = "paid"
)

// Server-side policy.
const (
	InitialTrialDays     = 5
	ExtendedTrialDays    = 5
	FreeDailySeconds     = 10 * 60
	FingerprintDecayDays = 90
	ClientCacheSeconds   = 120
	OfflineGraceMinutes  = 30
	LoginCodeTTLSeconds  = 15 * 60
)

// Client-side policy. The client trial clock is independent of the server's.
const (
	ClientTrialDays    = 5
	DailyFreeAllotment = 10 * time.Minute
)

// Valid reports whether p is one of the plans a server may return.
func (p Plan) Valid() bool {
	switch p {
	case PlanPro, PlanTrial, PlanFree, PlanPaid:
		return true
	default:
		return false
	}
}

// Unlimited reports whether p grants the privileged action without quota.
func (p Plan) Unlimited() bool {
	return p == PlanPro || p == PlanPaid
}
