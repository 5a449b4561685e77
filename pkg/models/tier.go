// Package models contains shared data models used across the credbroker codebase.
package models

// Tier is the service class of a caller or credential.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// tierRank orders tiers for pool eligibility: a caller may draw from its own
// tier's pool or any lower-ranked pool.
var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierPremium:    2,
	TierEnterprise: 3,
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the ordering of t. Unknown tiers rank as free.
func (t Tier) Rank() int {
	return tierRank[t]
}

// EligiblePools returns all tiers a caller of tier t may acquire from,
// ordered highest rank first.
func (t Tier) EligiblePools() []Tier {
	var pools []Tier
	for _, candidate := range []Tier{TierEnterprise, TierPremium, TierPro, TierFree} {
		if candidate.Rank() <= t.Rank() {
			pools = append(pools, candidate)
		}
	}
	return pools
}

// QueuePriority maps a tier to its job queue priority. Lower is served first.
// Unknown tiers get the free priority.
func (t Tier) QueuePriority() int {
	switch t {
	case TierEnterprise:
		return 1
	case TierPremium:
		return 5
	case TierPro:
		return 10
	default:
		return 20
	}
}
