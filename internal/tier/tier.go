// Package tier defines the subscription tiers and the scheduling and
// retention policy derived from them. All policy lookups are exhaustive
// switches: an unrecognized tier degrades to the free row instead of
// failing, so scheduling never blocks on a tier-classification problem.
package tier

import "time"

// Tier is a user's subscription level.
type Tier string

const (
	Free       Tier = "free"
	Basic      Tier = "basic"
	Premium    Tier = "premium"
	Enterprise Tier = "enterprise"
)

// Parse normalizes an externally supplied tier string. Unknown or empty
// values map to Free.
func Parse(s string) Tier {
	switch Tier(s) {
	case Free, Basic, Premium, Enterprise:
		return Tier(s)
	default:
		return Free
	}
}

// Priority returns the queue priority for the tier. Lower is served first.
func (t Tier) Priority() int {
	switch t {
	case Enterprise:
		return 1
	case Premium:
		return 2
	case Basic:
		return 3
	case Free:
		return 4
	default:
		return 4
	}
}

// Attempts returns the maximum number of processing attempts for the tier.
func (t Tier) Attempts() int {
	switch t {
	case Enterprise:
		return 5
	case Premium:
		return 4
	case Basic:
		return 3
	case Free:
		return 2
	default:
		return 2
	}
}

// DiscountFactor returns the queue-position discount applied when computing
// the tier-adjusted ETA. Higher tiers perceive a shorter queue; the factor
// never changes actual dispatch order.
func (t Tier) DiscountFactor() float64 {
	switch t {
	case Enterprise:
		return 0.2
	case Premium:
		return 0.5
	case Basic:
		return 0.8
	case Free:
		return 1.0
	default:
		return 1.0
	}
}

// Retention returns how long stored files for the tier are kept before the
// expiration sweep destroys them.
func (t Tier) Retention() time.Duration {
	switch t {
	case Enterprise:
		return 90 * 24 * time.Hour
	case Premium:
		return 30 * 24 * time.Hour
	case Basic:
		return 7 * 24 * time.Hour
	case Free:
		return 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
