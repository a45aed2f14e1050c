package reputation

import "fmt"

// Tier is a reputation bucket used for fast candidate filtering.
type Tier string

const (
	TierElite      Tier = "elite"
	TierGood       Tier = "good"
	TierAcceptable Tier = "acceptable"
	TierNone       Tier = ""
)

// Tiers lists the named tiers from highest to lowest.
var Tiers = []Tier{TierElite, TierGood, TierAcceptable}

// Threshold is the minimum effective score for the tier.
func (t Tier) Threshold() float64 {
	switch t {
	case TierElite:
		return 90
	case TierGood:
		return 70
	case TierAcceptable:
		return 50
	default:
		return 0
	}
}

// Admits reports whether score meets the tier threshold.
func (t Tier) Admits(score float64) bool { return score >= t.Threshold() }

// Lower returns the next tier down, or false at the bottom.
func (t Tier) Lower() (Tier, bool) {
	for i, tier := range Tiers {
		if tier == t && i+1 < len(Tiers) {
			return Tiers[i+1], true
		}
	}
	return TierNone, false
}

// TierFor returns the highest tier the score qualifies for.
func TierFor(score float64) Tier {
	for _, t := range Tiers {
		if t.Admits(score) {
			return t
		}
	}
	return TierNone
}

// ParseTier accepts the tier names plus "" for no preference.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierElite, TierGood, TierAcceptable, TierNone:
		return Tier(s), nil
	}
	return TierNone, fmt.Errorf("unknown tier %q", s)
}
