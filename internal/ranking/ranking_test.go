package ranking

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func days(d float64) *float64 { return &d }

func TestRecencyFactor(t *testing.T) {
	require.Equal(t, 0.5, RecencyFactor(nil), "unknown date")
	require.Equal(t, 1.0, RecencyFactor(days(0)), "active today")
	require.InDelta(t, 1.0-100.0/365.0, RecencyFactor(days(100)), 1e-9)
	require.Equal(t, 0.1, RecencyFactor(days(400)), "floored past one year")
	require.Equal(t, 0.1, RecencyFactor(days(10000)), "never negative")
}

func TestSkillFactor(t *testing.T) {
	require.Equal(t, 0.5, SkillFactor(0))
	require.InDelta(t, 0.8, SkillFactor(3), 1e-9)
	require.Equal(t, 1.0, SkillFactor(5))
	require.Equal(t, 1.0, SkillFactor(50), "capped at 1.0")
}

func TestScoreMonotonicInConfidence(t *testing.T) {
	prev := -1.0
	for c := 0.0; c <= 1.0; c += 0.05 {
		score := Score(c, days(30), 3)
		require.GreaterOrEqual(t, score, prev, "confidence %f", c)
		prev = score
	}
}

func TestScoreRewardsRecency(t *testing.T) {
	active := Score(0.9, days(0), 3)
	stale := Score(0.9, days(400), 3)
	require.Greater(t, active, stale)
}

func TestScoreKnownValues(t *testing.T) {
	// confidence 0.85, active today, 3 skills: 0.85 * 1.0 * 0.8
	require.InDelta(t, 0.68, Score(0.85, days(0), 3), 1e-9)
	// no date, no skills: 0.9 * 0.5 * 0.5
	require.InDelta(t, 0.225, Score(0.9, nil, 0), 1e-9)
	require.True(t, math.Abs(Score(0, days(10), 2)) < 1e-12, "zero confidence zeroes the score")
}
