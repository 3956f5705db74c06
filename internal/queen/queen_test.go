package queen

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hivemind/coordinator/internal/store/models"
)

func TestAnalyze_ComponentDetectionAndCapabilities(t *testing.T) {
	a := Analyze("Build a backend API with authentication and a test suite", models.QueenTypeStrategic)

	assert.Contains(t, a.Components, "backend")
	assert.Contains(t, a.Components, "auth")
	assert.Contains(t, a.Components, "testing")
	assert.Contains(t, a.RequiredCapabilities, models.AgentTypeResearcher, "researcher is always required")
	assert.Contains(t, a.RequiredCapabilities, models.AgentTypeCoder)
}

func TestAnalyze_ComplexityBuckets(t *testing.T) {
	short := Analyze("list files", models.QueenTypeStrategic)
	assert.Equal(t, ComplexityLow, short.Complexity)

	long := Analyze("Design and integrate a distributed, scalable backend architecture with auth, monitoring, deployment, data pipelines, frontend dashboards and a full testing and migration plan for real-time concurrent workloads", models.QueenTypeStrategic)
	assert.Equal(t, ComplexityVeryHigh, long.Complexity)
}

func TestAnalyze_EstimatedTasksAndResources(t *testing.T) {
	a := Analyze("list files", models.QueenTypeStrategic)
	assert.Equal(t, complexityBase[ComplexityLow], a.EstimatedTasks)
	assert.Equal(t, 1, a.Resources.MinWorkers)
	assert.Equal(t, 1, a.Resources.OptimalWorkers)
	assert.Equal(t, a.EstimatedTasks*5, a.Resources.EstimatedTimeMin)
}

func TestAnalyze_RecommendedStrategy(t *testing.T) {
	tests := []struct {
		name      string
		objective string
		queenType models.QueenType
		want      Strategy
	}{
		{"many components", "integrate backend frontend auth data testing deployment monitoring", models.QueenTypeStrategic, StrategyDivideAndConquer},
		{"parallel keyword", "run these jobs in parallel please", models.QueenTypeStrategic, StrategyParallelExecution},
		{"iterative keyword", "iterative refine the copy", models.QueenTypeStrategic, StrategySequentialRefinement},
		{"adaptive queen default", "write a short note", models.QueenTypeAdaptive, StrategyAdaptiveLearning},
		{"fallback", "write a short note", models.QueenTypeStrategic, StrategyConsensusDriven},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := Analyze(tc.objective, tc.queenType)
			assert.Equal(t, tc.want, a.RecommendedStrategy)
		})
	}
}

func TestCreatePlan_DivideAndConquerHasOnePhasePerComponentPlusBookends(t *testing.T) {
	a := Analysis{
		Objective:           "x",
		Complexity:          ComplexityHigh,
		Components:          []string{"backend", "frontend"},
		RecommendedStrategy: StrategyDivideAndConquer,
	}
	plan := CreatePlan(a, nil, models.QueenTypeStrategic)
	// research/planning + one phase per component + integration + optimization
	wantPhases := 1 + len(a.Components) + 2
	assert.Len(t, plan.Phases, wantPhases)
}

func TestCreatePlan_SequentialRefinementHasThreeConsensusIterations(t *testing.T) {
	a := Analysis{RecommendedStrategy: StrategySequentialRefinement}
	plan := CreatePlan(a, nil, models.QueenTypeTactical)
	assert.Len(t, plan.Phases, 3)
	for _, p := range plan.Phases {
		assert.True(t, p.RequiresConsensus)
	}
}

func TestCreatePlan_ConsensusDrivenUsesQueenThreshold(t *testing.T) {
	a := Analysis{Components: []string{"backend"}, RecommendedStrategy: StrategyConsensusDriven}
	plan := CreatePlan(a, nil, models.QueenTypeTactical)
	assert.Len(t, plan.Phases, 1)
	assert.Equal(t, 0.5, plan.Phases[0].ConsensusThreshold)
}

func TestMakeDecision_StrategicPrefersScalableOption(t *testing.T) {
	options := []string{"quick hack", "scalable redesign"}
	votes := map[string]string{"w1": "quick hack", "w2": "quick hack"}
	d := MakeDecision("approach", options, votes, models.QueenTypeStrategic, nil)
	assert.Equal(t, "scalable redesign", d.QueenVote)
	// queen weight (3.0) outweighs the 2-vote worker majority for "quick hack"
	assert.Equal(t, "scalable redesign", d.Result)
}

func TestMakeDecision_TacticalFollowsClearWorkerMajority(t *testing.T) {
	options := []string{"A", "B"}
	votes := map[string]string{"w1": "A", "w2": "A", "w3": "A", "w4": "B"}
	d := MakeDecision("topic", options, votes, models.QueenTypeTactical, nil)
	assert.Equal(t, "A", d.QueenVote)
	assert.Equal(t, "A", d.Result)
}

func TestMakeDecision_NullVoteNeverWins(t *testing.T) {
	options := []string{"A", "B"}
	votes := map[string]string{"w1": "unknown-option"}
	d := MakeDecision("topic", options, votes, models.QueenTypeTactical, nil)
	assert.Contains(t, options, d.Result)
}

func TestMakeDecision_AdaptiveUsesLearningTable(t *testing.T) {
	options := []string{"A", "B"}
	learning := LearningTable{"topic-x": "B"}
	d := MakeDecision("topic-x", options, map[string]string{}, models.QueenTypeAdaptive, learning)
	assert.Equal(t, "B", d.QueenVote)
}
