package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hivemind/coordinator/internal/store/models"
)

func TestKeywordScore_CountsMatchingTokens(t *testing.T) {
	tokens := tokenize("implement and test the new build pipeline")
	score := keywordScore(tokens, typeKeywords[models.AgentTypeCoder])
	assert.Equal(t, 2, score) // "implement", "build"
}

func TestPerformanceScore_UntriedAgentGetsNeutralScore(t *testing.T) {
	a := &models.Agent{TasksCompleted: 0}
	assert.Equal(t, 0.5, performanceScore(a))
}

func TestPerformanceScore_RewardsHighSuccessRateAndSpeed(t *testing.T) {
	fast := &models.Agent{TasksCompleted: 5, SuccessRate: 1.0, AvgTaskTimeMs: 9}
	slow := &models.Agent{TasksCompleted: 5, SuccessRate: 1.0, AvgTaskTimeMs: 999}
	assert.Greater(t, performanceScore(fast), performanceScore(slow))
}

func TestCompletionScore_CapsAtOne(t *testing.T) {
	a := &models.Agent{TasksCompleted: 50}
	assert.Equal(t, 1.0, completionScore(a))
}

func TestCacheKeyForDescription_TruncatesLongDescriptions(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	key := cacheKeyForDescription(long)
	assert.Len(t, key, len("worker_match_")+50)
}
