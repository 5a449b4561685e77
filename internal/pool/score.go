package pool

import (
	"math"
	"math/rand"

	"github.com/nikhilbhat/credbroker/pkg/models"
)

// Selection weights. Health dominates, then latency, then observed success
// rate, then remaining daily quota.
const (
	weightHealth  = 0.40
	weightLatency = 0.30
	weightSuccess = 0.20
	weightQuota   = 0.10

	// latencyCeilingMs is the response time at which the latency component
	// bottoms out at zero.
	latencyCeilingMs = 10000

	// jitterSpread randomizes each candidate's score by ±5% before ranking
	// so concurrent callers do not all converge on the same credential.
	jitterSpread = 0.05

	// emaAlpha is the smoothing factor for the response-time moving average.
	emaAlpha = 0.3

	// Health thresholds: below deactivateBelow the credential is pulled from
	// rotation; below degradedBelow a degradation signal is emitted.
	deactivateBelow = 30
	degradedBelow   = 50

	// dedicatedMinHealth gates the enterprise dedicated-credential fast path.
	dedicatedMinHealth = 70
)

// Score computes the deterministic selection score of a candidate in [0,1]
// (before any operator boost). Pure function of the credential's fields.
func Score(c *models.Credential) float64 {
	health := float64(c.HealthScore) / 100

	latency := 1 - c.AvgResponseTimeMs/latencyCeilingMs
	if latency < 0 {
		latency = 0
	}

	quota := 0.0
	if c.DailyLimit > 0 {
		quota = 1 - float64(c.CurrentDailyUsage)/float64(c.DailyLimit)
		if quota < 0 {
			quota = 0
		}
	}

	return weightHealth*health +
		weightLatency*latency +
		weightSuccess*c.SuccessRate() +
		weightQuota*quota
}

// Jitter multiplies score by an independent random factor in
// [1-jitterSpread, 1+jitterSpread]. The random source is injected so tests
// can fix the seed.
func Jitter(score float64, rng *rand.Rand) float64 {
	return score * (1 + (rng.Float64()*2-1)*jitterSpread)
}

// NextAvgResponseTime folds a new sample into the exponential moving
// average. The first sample seeds the average directly.
func NextAvgResponseTime(old, sample float64) float64 {
	if old == 0 {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*old
}

// HealthScore recomputes the 0-100 composite health metric from the
// credential's lifetime success rate and its latency factor.
func HealthScore(successCount, failureCount int64, avgResponseTimeMs float64) int {
	total := successCount + failureCount
	successRate := 1.0
	if total > 0 {
		successRate = float64(successCount) / float64(total)
	}

	latencyFactor := 1 - avgResponseTimeMs/latencyCeilingMs
	if latencyFactor < 0 {
		latencyFactor = 0
	}

	score := int(math.Round(100 * (0.7*successRate + 0.3*latencyFactor)))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
