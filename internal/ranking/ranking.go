// Package ranking computes the composite relevance score used to order
// mentor candidates: confidence x recency decay x skill-count factor.
package ranking

const (
	// unknownRecency is used when a member has no last-active date.
	unknownRecency = 0.5
	// minRecency floors the linear decay so long-inactive members never
	// drop out of the ordering entirely.
	minRecency = 0.1
	// decayWindowDays is the window over which activity decays linearly.
	decayWindowDays = 365.0

	skillBase     = 0.5
	skillBonus    = 0.1
	maxSkillBoost = 1.0
)

// RecencyFactor returns the activity decay factor. A nil daysSinceActive
// means the member has no known last-active date.
func RecencyFactor(daysSinceActive *float64) float64 {
	if daysSinceActive == nil {
		return unknownRecency
	}
	factor := 1.0 - *daysSinceActive/decayWindowDays
	if factor < minRecency {
		return minRecency
	}
	return factor
}

// SkillFactor rewards broader skill sets with diminishing returns, capped at 1.
func SkillFactor(skillCount int) float64 {
	factor := skillBase + skillBonus*float64(skillCount)
	if factor > maxSkillBoost {
		return maxSkillBoost
	}
	return factor
}

// Score combines confidence, recency and skill count into the ranking score.
func Score(confidence float64, daysSinceActive *float64, skillCount int) float64 {
	return confidence * RecencyFactor(daysSinceActive) * SkillFactor(skillCount)
}
