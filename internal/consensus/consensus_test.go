package consensus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/coordinator/internal/events"
	"github.com/hivemind/coordinator/internal/messaging"
	database "github.com/hivemind/coordinator/internal/store"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

func TestTally_MajorityMatchesArchitectureScenario(t *testing.T) {
	validators := []string{"w1", "w2", "w3", "w4", "w5"}
	votes := map[string]string{
		"w1": "microservices", "w2": "microservices", "w3": "modular",
		"w4": "microservices", "w5": "monolith",
	}
	options := []string{"monolith", "microservices", "modular"}

	r := tally("c1", "Architecture pattern", validators, votes, options, "microservices", Config{Algorithm: models.ConsensusMajority, Quorum: 0.5})
	assert.Equal(t, "microservices", *r.Winner)
	assert.InDelta(t, 0.6, r.Confidence, 1e-9)
	assert.True(t, r.ConsensusReached)

	r2 := tally("c2", "Architecture pattern", validators, votes, options, "microservices", Config{Algorithm: models.ConsensusMajority, Quorum: 0.67})
	assert.False(t, r2.ConsensusReached)
}

func TestTally_ByzantineNoConsensusScenario(t *testing.T) {
	validators := []string{"v1", "v2", "v3", "v4"}
	votes := map[string]string{"v1": "A", "v2": "B", "v3": "C"} // v4 timed out
	options := []string{"A", "B", "C"}

	r := tally("c3", "topic", validators, votes, options, "", Config{Algorithm: models.ConsensusByzantine})
	assert.Nil(t, r.Winner)
	assert.False(t, r.ConsensusReached)
	assert.Equal(t, 0.0, r.Confidence)
}

func TestTally_WeightedAddsQueenBoost(t *testing.T) {
	validators := []string{"w1", "w2"}
	votes := map[string]string{"w1": "B", "w2": "B"}
	options := []string{"A", "B"}

	r := tally("c4", "topic", validators, votes, options, "A", Config{Algorithm: models.ConsensusWeighted, Quorum: 0.5})
	assert.Equal(t, "A", *r.Winner, "queen's +2 boost ties A with B's 2 worker votes; the tie resolves to the first option, A")
	assert.InDelta(t, 0.5, r.Confidence, 1e-9) // 2/(2+2)
}

func TestTally_NullVoteNeverWins(t *testing.T) {
	validators := []string{"v1", "v2", "v3"}
	votes := map[string]string{} // everyone timed out
	options := []string{"A", "B"}

	r := tally("c5", "topic", validators, votes, options, "", Config{Algorithm: models.ConsensusMajority})
	assert.Nil(t, r.Winner)
	assert.False(t, r.ConsensusReached)
}

func testEngine(t *testing.T) (*Engine, *messaging.Bus, func()) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(&discardWriter{})

	db, err := database.Open("file::memory:?cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repos := repositories.NewRepositoryManager(db.DB, logger, false)

	eb := events.NewBus()
	bus := messaging.New(messaging.Config{TickInterval: 5 * time.Millisecond}, logger, eb)
	done := make(chan struct{})
	bus.Run(done)

	engine := New(bus, repos, eb, logger)
	engine.Start(done)

	return engine, bus, func() { close(done) }
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeValidator watches its inbox for a consensus/propose envelope and
// answers it with vote via CastVote, mirroring how a live worker
// process reacts to Run's broadcast (§4.7 step 2-3).
func fakeValidator(t *testing.T, bus *messaging.Bus, id, vote string) {
	t.Helper()
	inbox := bus.Register(id, 4)
	go func() {
		for env := range inbox {
			if env.Type != models.MessageTypeConsensus {
				continue
			}
			require.NoError(t, CastVote(bus, id, decodeConsensusID(env), vote))
			return
		}
	}()
}

func decodeConsensusID(env messaging.Envelope) string {
	var payload messaging.ConsensusPayload
	_ = json.Unmarshal(env.Payload, &payload)
	return payload.ConsensusID
}

func TestEngine_RunReachesMajorityConsensusWithFakeValidators(t *testing.T) {
	engine, bus, stop := testEngine(t)
	defer stop()

	fakeValidator(t, bus, "w1", "microservices")
	fakeValidator(t, bus, "w2", "microservices")
	fakeValidator(t, bus, "w3", "modular")

	result, err := engine.Run(context.Background(), "swarm-1", "Architecture pattern",
		[]string{"monolith", "microservices", "modular"},
		[]string{"w1", "w2", "w3"}, "microservices", models.QueenTypeStrategic,
		Config{Algorithm: models.ConsensusMajority, Quorum: 0.5, Timeout: 2 * time.Second})

	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, "microservices", *result.Winner)
	assert.True(t, result.ConsensusReached)
	assert.Len(t, result.Votes, 3)
}

func TestEngine_RunTimesOutUnansweredValidators(t *testing.T) {
	engine, bus, stop := testEngine(t)
	defer stop()

	fakeValidator(t, bus, "v1", "A")
	bus.Register("v2", 4) // never answers: exercises the per-validator timeout path

	result, err := engine.Run(context.Background(), "swarm-1", "topic",
		[]string{"A", "B"}, []string{"v1", "v2"}, "", models.QueenTypeStrategic,
		Config{Algorithm: models.ConsensusMajority, Quorum: 0.51, Timeout: 200 * time.Millisecond})

	require.NoError(t, err)
	assert.Len(t, result.Votes, 1)
	assert.False(t, result.ConsensusReached, "one vote out of two validators misses the 0.51 quorum")
}

func TestArgmaxHelpers(t *testing.T) {
	best, score := argmaxInt(map[string]int{"a": 1, "b": 3}, []string{"a", "b"})
	assert.Equal(t, "b", best)
	assert.Equal(t, 3, score)

	bestF, scoreF := argmaxFloat(map[string]float64{"a": 1.5, "b": 1.5}, []string{"a", "b"})
	assert.Equal(t, "a", bestF, "ties resolve to the first option in declaration order")
	assert.Equal(t, 1.5, scoreF)
}
