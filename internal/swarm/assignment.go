package swarm

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/hivemind/coordinator/internal/memory"
	"github.com/hivemind/coordinator/internal/store/models"
)

// matchFreshness is §4.6's "set within the last 5 min" window on the
// worker_match cache. The collective memory entry has no TTL for this
// type, so freshness is tracked locally alongside the durable write.
const matchFreshness = 5 * time.Minute

// typeWeights are the fixed per-type multipliers from §4.6.
var typeWeights = map[models.AgentType]float64{
	models.AgentTypeResearcher: 1.2,
	models.AgentTypeCoder:      1.0,
	models.AgentTypeAnalyst:    1.1,
	models.AgentTypeTester:     1.0,
	models.AgentTypeArchitect:  1.3,
	models.AgentTypeReviewer:   1.0,
	models.AgentTypeOptimizer:  1.4,
	models.AgentTypeDocumenter: 0.9,
}

// typeKeywords ground each worker type's keywordScore term. §4.6 names
// the scoring formula but leaves each type's actual keyword set
// unspecified; these mirror the register of §4.5's component/keyword
// detection (short, task-describing verbs/nouns per specialty).
var typeKeywords = map[models.AgentType][]string{
	models.AgentTypeResearcher: {"research", "analyze", "investigate", "explore", "study", "gather", "find"},
	models.AgentTypeCoder:      {"implement", "build", "code", "develop", "create", "write", "fix"},
	models.AgentTypeAnalyst:    {"analyze", "evaluate", "assess", "review", "measure", "data"},
	models.AgentTypeTester:     {"test", "verify", "validate", "check", "qa"},
	models.AgentTypeArchitect:  {"design", "architect", "plan", "structure", "api", "schema"},
	models.AgentTypeReviewer:   {"review", "audit", "inspect", "critique"},
	models.AgentTypeOptimizer:  {"optimize", "improve", "refactor", "performance", "speed"},
	models.AgentTypeDocumenter: {"document", "documentation", "readme", "guide", "explain"},
}

func tokenize(description string) []string {
	return strings.Fields(strings.ToLower(description))
}

func keywordScore(tokens []string, keywords []string) int {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		set[k] = struct{}{}
	}
	score := 0
	for _, tok := range tokens {
		if _, ok := set[tok]; ok {
			score++
		}
	}
	return score
}

func performanceScore(a *models.Agent) float64 {
	if a.TasksCompleted == 0 {
		return 0.5
	}
	return 0.5*a.SuccessRate + 0.5*(1/(a.AvgTaskTimeMs+1))
}

func completionScore(a *models.Agent) float64 {
	return math.Min(float64(a.TasksCompleted)/10, 1)
}

func cacheKeyForDescription(description string) string {
	d := description
	if len(d) > 50 {
		d = d[:50]
	}
	return "worker_match_" + d
}

// findBestWorker implements §4.6's worker selection algorithm.
func (c *Core) findBestWorker(ctx context.Context, description string) (*models.Agent, error) {
	c.mu.RLock()
	candidates := make([]*models.Agent, 0, len(c.workers))
	for _, a := range c.workers {
		if a.Status == models.AgentStatusIdle {
			candidates = append(candidates, a)
		}
	}
	c.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, nil
	}

	var preferred models.AgentType
	cacheKey := cacheKeyForDescription(description)
	c.mu.RLock()
	setAt, fresh := c.matchSetAt[cacheKey]
	c.mu.RUnlock()
	if fresh && time.Since(setAt) <= matchFreshness {
		if cached, err := c.mem.Retrieve(ctx, c.namespace(), cacheKey); err == nil && cached != nil {
			preferred = models.AgentType(cached)
		}
	}

	tokens := tokenize(description)
	bestIdx := -1
	bestScore := -1.0
	for i, cand := range candidates {
		weight := typeWeights[cand.Type]
		if weight == 0 {
			weight = 1.0
		}
		ks := float64(keywordScore(tokens, typeKeywords[cand.Type]))
		ps := performanceScore(cand)
		cs := completionScore(cand)
		score := (ks*2 + ps*1.5 + cs*1.0) * weight
		if preferred != "" && cand.Type == preferred {
			score += 0.01 // cached preference nudges ties its way, never overrides a clear winner
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil, nil
	}

	best := candidates[bestIdx]
	if _, _, err := c.mem.Store(ctx, c.namespace(), cacheKey, []byte(best.Type), models.MemoryTypeSystem, memory.StoreOptions{Confidence: 1}); err != nil {
		c.logger.WithError(err).Debug("failed to cache worker match")
	}
	c.mu.Lock()
	c.matchSetAt[cacheKey] = time.Now()
	c.mu.Unlock()
	return best, nil
}
