// Package tier is the spend-tier policy table: a pure mapping from cumulative
// lifetime coin spend to a tier name. The wallet engine calls it after every
// debit but does not own the thresholds; they are platform policy.
package tier

// Tier names, lowest to highest.
const (
	None     = "none"
	Bronze   = "bronze"
	Silver   = "silver"
	Gold     = "gold"
	Platinum = "platinum"
	Diamond  = "diamond"
)

type threshold struct {
	min  int64
	name string
}

// Ordered highest-first so the first match wins.
var thresholds = []threshold{
	{200000, Diamond},
	{50000, Platinum},
	{10000, Gold},
	{2500, Silver},
	{500, Bronze},
}

// ForSpend returns the tier for a cumulative lifetime spend in coins.
func ForSpend(lifetimeSpend int64) string {
	for _, t := range thresholds {
		if lifetimeSpend >= t.min {
			return t.name
		}
	}
	return None
}
