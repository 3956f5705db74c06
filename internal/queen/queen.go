// Package queen implements the queen coordinator (§4.5): a stateless
// policy module that turns an objective string into an analysis, an
// execution plan, and — later, as the swarm runs — weighted decisions
// over worker proposals.
//
// It is deliberately side-effect free (no store, no goroutines) so it
// can be exercised the same way the teacher's pure planning helpers in
// internal/autonomous are: call in, structured result out. Naming for
// QueenAgent-adjacent concepts (decision records, consensus thresholds)
// follows internal/autonomous/hive_coordinator.go; the actual scoring
// rules come from the objective-analysis contract this module
// implements.
package queen

import (
	"math"
	"math/rand"
	"strings"

	"github.com/hivemind/coordinator/internal/config"
	"github.com/hivemind/coordinator/internal/store/models"
)

// Complexity buckets an objective's estimated difficulty. Distinct from
// models.TaskComplexity, which scores a single task rather than a whole
// objective.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityVeryHigh Complexity = "very_high"
)

// Strategy is one of the five plan-generation policies.
type Strategy string

const (
	StrategyDivideAndConquer    Strategy = "divide_and_conquer"
	StrategyParallelExecution   Strategy = "parallel_execution"
	StrategySequentialRefinement Strategy = "sequential_refinement"
	StrategyConsensusDriven     Strategy = "consensus_driven"
	StrategyAdaptiveLearning    Strategy = "adaptive_learning"
)

// componentKeywords ground each component's detection (§4.5 "fixed
// keyword sets"); the spec names the component set but not the
// keywords themselves.
var componentKeywords = map[string][]string{
	"backend":    {"api", "server", "backend", "database", "service", "endpoint"},
	"frontend":   {"ui", "frontend", "interface", "page", "component", "dashboard"},
	"data":       {"data", "pipeline", "etl", "analytics", "warehouse", "dataset"},
	"auth":       {"auth", "login", "permission", "security", "token", "session"},
	"testing":    {"test", "qa", "quality", "validation", "coverage"},
	"deployment": {"deploy", "ci", "cd", "release", "infrastructure", "rollout"},
	"monitoring": {"monitor", "metrics", "logging", "observability", "alert"},
}

// componentCapabilities maps each component to the worker types its
// requiredCapabilities union contributes (§4.5).
var componentCapabilities = map[string][]models.AgentType{
	"backend":    {models.AgentTypeCoder, models.AgentTypeArchitect},
	"frontend":   {models.AgentTypeCoder},
	"data":       {models.AgentTypeAnalyst, models.AgentTypeCoder},
	"auth":       {models.AgentTypeCoder, models.AgentTypeReviewer},
	"testing":    {models.AgentTypeTester},
	"deployment": {models.AgentTypeCoder, models.AgentTypeOptimizer},
	"monitoring": {models.AgentTypeAnalyst, models.AgentTypeDocumenter},
}

// complexKeywords ground complexKeywordHits (§4.5); again the spec
// names the term, not its vocabulary.
var complexKeywords = []string{
	"integrate", "architecture", "distributed", "scalable", "migrate",
	"optimize", "concurrent", "real-time", "security", "complex",
}

var complexityBase = map[Complexity]int{
	ComplexityLow:      5,
	ComplexityMedium:   10,
	ComplexityHigh:     20,
	ComplexityVeryHigh: 30,
}

// ResourceRequirements is analyze's worker-sizing output.
type ResourceRequirements struct {
	MinWorkers       int
	OptimalWorkers   int
	EstimatedTimeMin int
}

// Analysis is analyze's full result (§4.5).
type Analysis struct {
	Objective            string
	Complexity           Complexity
	Components           []string
	RequiredCapabilities []models.AgentType
	EstimatedTasks       int
	RecommendedStrategy  Strategy
	Resources            ResourceRequirements
}

func countKeywordHits(text string, keywords []string) int {
	hits := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hits++
		}
	}
	return hits
}

func bucketComplexity(score int) Complexity {
	switch {
	case score <= 3:
		return ComplexityLow
	case score <= 6:
		return ComplexityMedium
	case score <= 9:
		return ComplexityHigh
	default:
		return ComplexityVeryHigh
	}
}

// Analyze implements §4.5's analyze(objective).
func Analyze(objective string, queenType models.QueenType) Analysis {
	lower := strings.ToLower(objective)

	lengthBucket := 1
	if len(objective) > 100 {
		lengthBucket = 2
	}

	var components []string
	for name, keywords := range componentKeywords {
		if countKeywordHits(lower, keywords) > 0 {
			components = append(components, name)
		}
	}

	score := lengthBucket + countKeywordHits(lower, complexKeywords) + len(components)
	complexity := bucketComplexity(score)

	capSet := map[models.AgentType]struct{}{models.AgentTypeResearcher: {}}
	for _, c := range components {
		for _, role := range componentCapabilities[c] {
			capSet[role] = struct{}{}
		}
	}
	caps := make([]models.AgentType, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}

	tasks := complexityBase[complexity] + 3*len(components)

	resources := ResourceRequirements{
		MinWorkers:       minInt(3, ceilDiv(tasks, 10)),
		OptimalWorkers:   minInt(8, ceilDiv(tasks, 5)),
		EstimatedTimeMin: tasks * 5,
	}

	strategy := recommendStrategy(lower, len(components), complexity, queenType)

	return Analysis{
		Objective:            objective,
		Complexity:           complexity,
		Components:           components,
		RequiredCapabilities: caps,
		EstimatedTasks:       tasks,
		RecommendedStrategy:  strategy,
		Resources:            resources,
	}
}

func recommendStrategy(lowerObjective string, numComponents int, complexity Complexity, queenType models.QueenType) Strategy {
	switch {
	case numComponents > 3 && complexity != ComplexityLow:
		return StrategyDivideAndConquer
	case strings.Contains(lowerObjective, "parallel") || numComponents > 5:
		return StrategyParallelExecution
	case strings.Contains(lowerObjective, "iterative") || strings.Contains(lowerObjective, "refine"):
		return StrategySequentialRefinement
	case queenType == models.QueenTypeAdaptive:
		return StrategyAdaptiveLearning
	default:
		return StrategyConsensusDriven
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return int(math.Ceil(float64(a) / float64(b)))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Phase is one step of an execution plan (§4.5).
type Phase struct {
	Name               string
	Tasks              []string
	Workers            []models.AgentType
	Parallel           bool
	RequiresConsensus  bool
	ConsensusThreshold float64
	Learning           bool
	Assignment         map[string]models.AgentType // parallel_execution only
}

// Plan is createPlan's result.
type Plan struct {
	Strategy Strategy
	Phases   []Phase
}

// CreatePlan implements §4.5's createPlan(analysis, workers).
func CreatePlan(a Analysis, workers []models.Agent, queenType models.QueenType) Plan {
	switch a.RecommendedStrategy {
	case StrategyDivideAndConquer:
		return planDivideAndConquer(a)
	case StrategyParallelExecution:
		return planParallelExecution(a, workers)
	case StrategySequentialRefinement:
		return planSequentialRefinement(a)
	case StrategyConsensusDriven:
		return planConsensusDriven(a, queenType)
	default:
		return planAdaptiveLearning(a)
	}
}

func planDivideAndConquer(a Analysis) Plan {
	phases := []Phase{
		{
			Name:     "research and planning",
			Tasks:    []string{"gather requirements", "survey prior art", "draft component breakdown"},
			Workers:  []models.AgentType{models.AgentTypeResearcher, models.AgentTypeArchitect},
			Parallel: true,
		},
	}
	for _, c := range a.Components {
		phases = append(phases, Phase{
			Name:     "build " + c,
			Tasks:    []string{"implement " + c, "unit-test " + c},
			Workers:  []models.AgentType{models.AgentTypeCoder, models.AgentTypeArchitect},
			Parallel: true,
		})
	}
	phases = append(phases,
		Phase{
			Name:     "integration and testing",
			Tasks:    []string{"integrate components", "run integration tests"},
			Workers:  []models.AgentType{models.AgentTypeCoder, models.AgentTypeTester},
			Parallel: false,
		},
		Phase{
			Name:     "optimization and documentation",
			Tasks:    []string{"optimize hot paths", "write documentation"},
			Workers:  []models.AgentType{models.AgentTypeOptimizer, models.AgentTypeDocumenter},
			Parallel: true,
		},
	)
	return Plan{Strategy: StrategyDivideAndConquer, Phases: phases}
}

func planParallelExecution(a Analysis, workers []models.Agent) Plan {
	assignment := make(map[string]models.AgentType, len(a.Components))
	for i, c := range a.Components {
		if len(workers) == 0 {
			break
		}
		assignment[c] = workers[i%len(workers)].Type
	}
	tasks := make([]string, 0, len(a.Components))
	for _, c := range a.Components {
		tasks = append(tasks, "deliver "+c)
	}
	if len(tasks) == 0 {
		tasks = []string{"deliver " + a.Objective}
	}
	return Plan{
		Strategy: StrategyParallelExecution,
		Phases: []Phase{{
			Name:       "parallel delivery",
			Tasks:      tasks,
			Workers:    a.RequiredCapabilities,
			Parallel:   true,
			Assignment: assignment,
		}},
	}
}

func planSequentialRefinement(a Analysis) Plan {
	phases := make([]Phase, 0, 3)
	for i := 1; i <= 3; i++ {
		phases = append(phases, Phase{
			Name:              iterationName(i),
			Tasks:             []string{"design", "implement", "test", "review"},
			Workers:           []models.AgentType{models.AgentTypeArchitect, models.AgentTypeCoder, models.AgentTypeTester, models.AgentTypeReviewer},
			Parallel:          false,
			RequiresConsensus: true,
		})
	}
	return Plan{Strategy: StrategySequentialRefinement, Phases: phases}
}

func iterationName(n int) string {
	switch n {
	case 1:
		return "iteration 1"
	case 2:
		return "iteration 2"
	default:
		return "iteration 3"
	}
}

func planConsensusDriven(a Analysis, queenType models.QueenType) Plan {
	threshold := config.QueenConsensusThreshold(queenType)
	decisionPoints := a.Components
	if len(decisionPoints) == 0 {
		decisionPoints = []string{"overall approach"}
	}
	phases := make([]Phase, 0, len(decisionPoints))
	for _, d := range decisionPoints {
		phases = append(phases, Phase{
			Name:               "decide: " + d,
			Tasks:              []string{"propose options for " + d, "vote"},
			Workers:            a.RequiredCapabilities,
			Parallel:           false,
			RequiresConsensus:  true,
			ConsensusThreshold: threshold,
		})
	}
	return Plan{Strategy: StrategyConsensusDriven, Phases: phases}
}

func planAdaptiveLearning(a Analysis) Plan {
	return Plan{
		Strategy: StrategyAdaptiveLearning,
		Phases: []Phase{
			{Name: "exploration", Tasks: []string{"explore approaches"}, Workers: []models.AgentType{models.AgentTypeResearcher}, Parallel: true},
			{Name: "analysis", Tasks: []string{"evaluate findings"}, Workers: []models.AgentType{models.AgentTypeAnalyst, models.AgentTypeResearcher}, Parallel: false, Learning: true},
			{Name: "implementation", Tasks: []string{"implement chosen approach"}, Workers: []models.AgentType{models.AgentTypeCoder}, Parallel: false},
		},
	}
}

// strategicKeywords and tacticalKeywords ground makeDecision's
// type-specific vote policy (§4.5).
var strategicKeywords = []string{"scalable", "maintainable", "extensible", "future"}
var tacticalKeywords = []string{"simple", "quick", "fast", "efficient"}

// Decision is makeDecision's result (§4.5).
type Decision struct {
	QueenVote  string
	Result     string
	Confidence float64
	Tally      map[string]float64
}

// LearningTable records which option won on related past topics, for
// the adaptive queen's vote policy. Keys are free-form topic tags.
type LearningTable map[string]string

// MakeDecision implements §4.5's makeDecision(topic, options, workerVotes).
// workerVotes maps a worker identifier to the option it voted for.
func MakeDecision(topic string, options []string, workerVotes map[string]string, queenType models.QueenType, learning LearningTable) Decision {
	tally := make(map[string]float64, len(options))
	for _, o := range options {
		tally[o] = 0
	}
	total := len(workerVotes)
	for _, vote := range workerVotes {
		if _, ok := tally[vote]; ok {
			tally[vote]++
		}
	}

	queenVote := queenDecide(topic, options, tally, total, queenType, learning)
	if queenVote != "" {
		tally[queenVote] += config.QueenDecisionWeight(queenType)
	}

	best := ""
	bestScore := -1.0
	for _, o := range options {
		if tally[o] > bestScore {
			bestScore = tally[o]
			best = o
		}
	}

	sum := 0.0
	for _, v := range tally {
		sum += v
	}
	confidence := 0.0
	if sum > 0 {
		confidence = bestScore / sum
	}

	return Decision{QueenVote: queenVote, Result: best, Confidence: confidence, Tally: tally}
}

func queenDecide(topic string, options []string, tally map[string]float64, total int, queenType models.QueenType, learning LearningTable) string {
	switch queenType {
	case models.QueenTypeStrategic:
		for _, o := range options {
			if containsAny(strings.ToLower(o), strategicKeywords) {
				return o
			}
		}
		return fallbackVote(options, tally, total)
	case models.QueenTypeTactical:
		if total > 0 {
			for _, o := range options {
				if tally[o]/float64(total) > 0.6 {
					return o
				}
			}
		}
		for _, o := range options {
			if containsAny(strings.ToLower(o), tacticalKeywords) {
				return o
			}
		}
		return fallbackVote(options, tally, total)
	case models.QueenTypeAdaptive:
		if learning != nil {
			if past, ok := learning[topic]; ok {
				for _, o := range options {
					if o == past {
						return o
					}
				}
			}
		}
		return fallbackVote(options, tally, total)
	default:
		return fallbackVote(options, tally, total)
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// fallbackVote picks the current worker-vote leader, or a random option
// when nothing has been cast yet (adaptive queen with no learning
// history, or an option list with no votes at all).
func fallbackVote(options []string, tally map[string]float64, total int) string {
	if len(options) == 0 {
		return ""
	}
	if total == 0 {
		return options[rand.Intn(len(options))]
	}
	best := options[0]
	bestScore := tally[best]
	for _, o := range options[1:] {
		if tally[o] > bestScore {
			bestScore = tally[o]
			best = o
		}
	}
	return best
}
