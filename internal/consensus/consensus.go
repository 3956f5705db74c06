// Package consensus implements the distributed consensus engine (§4.7):
// it broadcasts a proposal to a set of validators over the agent
// messaging bus, collects votes under a per-validator timeout, and
// tallies them by one of three algorithms. Unlike the queen package's
// MakeDecision (a synchronous, already-collected-votes helper used for
// plan-time proposals, §4.5), this engine drives the live round trip:
// propose envelope out, vote envelopes in, result envelope out.
//
// The propose/collect/tally/broadcast-result shape mirrors the
// teacher's ErrorHandler.RetryWithBackoff promise-settling style
// (internal/security/errors.go) generalized from a single retrying
// call to N concurrently-settling per-validator promises; vote
// collection itself follows §9's "ad-hoc promise chains and timers →
// structured concurrency" redesign: each validator's vote is a
// buffered channel bound to a context timeout, not a dynamically
// named event.
package consensus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/errs"
	"github.com/hivemind/coordinator/internal/events"
	"github.com/hivemind/coordinator/internal/messaging"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

// EngineAgentID is the mailbox address the engine registers on the
// bus; validators address their vote envelopes here.
const EngineAgentID = "consensus-engine"

// Config governs one consensus round's algorithm, quorum and timeout.
type Config struct {
	Algorithm models.ConsensusAlgo
	Quorum    float64
	Timeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = models.ConsensusMajority
	}
	if c.Quorum <= 0 {
		c.Quorum = 0.67
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Result is the settled outcome of one round (§4.7's
// {proposal, validators, votes, voteCount, winner, consensusReached,
// quorum, timestamp}).
type Result struct {
	ConsensusID      string
	Topic            string
	Validators       []string
	Votes            map[string]string // validator -> vote; absent = timed out
	VoteCount        map[string]int
	Winner           *string
	ConsensusReached bool
	Quorum           float64
	Confidence       float64
	Timestamp        time.Time
}

// Engine drives consensus rounds over a messaging.Bus.
type Engine struct {
	bus    *messaging.Bus
	repos  repositories.RepositoryManager
	events *events.Bus
	logger *logrus.Logger
	errh   *errs.Handler

	mu      sync.Mutex
	pending map[string]map[string]chan string // consensusID -> validator -> vote chan
}

// New constructs an Engine bound to bus and the decision store.
func New(bus *messaging.Bus, repos repositories.RepositoryManager, eventBus *events.Bus, logger *logrus.Logger) *Engine {
	return &Engine{
		bus:     bus,
		repos:   repos,
		events:  eventBus,
		logger:  logger,
		errh:    errs.NewHandler(logger),
		pending: make(map[string]map[string]chan string),
	}
}

// Start registers the engine's mailbox and begins reading inbound vote
// envelopes. Call once before the first Run.
func (e *Engine) Start(done <-chan struct{}) {
	inbox := e.bus.Register(EngineAgentID, 256)
	go e.readInbox(inbox, done)
}

func (e *Engine) readInbox(inbox <-chan messaging.Envelope, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case env, ok := <-inbox:
			if !ok {
				return
			}
			e.handleEnvelope(env)
		}
	}
}

func (e *Engine) handleEnvelope(env messaging.Envelope) {
	var payload messaging.ConsensusPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		e.logger.WithError(err).Warn("dropping malformed consensus envelope")
		return
	}
	if payload.Phase != messaging.ConsensusPhaseVote {
		return
	}
	vote, _ := payload.Vote.(string)

	e.mu.Lock()
	validators, ok := e.pending[payload.ConsensusID]
	e.mu.Unlock()
	if !ok {
		return
	}
	ch, ok := validators[env.From]
	if !ok {
		return
	}
	select {
	case ch <- vote:
	default:
	}
}

// CastVote lets a validator answer an outstanding propose envelope,
// mirroring how a live worker process reacts to consensus/propose
// (§4.7 step 2-3).
func CastVote(bus *messaging.Bus, from, consensusID, vote string) error {
	env, err := messaging.NewEnvelope(from, EngineAgentID, models.MessageTypeConsensus, models.ProtocolConsensus, messaging.ConsensusPayload{
		Phase:       messaging.ConsensusPhaseVote,
		ConsensusID: consensusID,
		Vote:        vote,
	})
	if err != nil {
		return err
	}
	bus.Send(env)
	return nil
}

// Run executes one full consensus round (§4.7). A nil validators slice
// defaults to every non-offline agent in swarmID. queenVote is only
// consulted by the weighted algorithm.
func (e *Engine) Run(ctx context.Context, swarmID, topic string, options []string, validators []string, queenVote string, queenType models.QueenType, cfg Config) (*Result, error) {
	cfg.applyDefaults()

	if validators == nil {
		agents, err := e.repos.Agent().GetBySwarm(ctx, swarmID)
		if err != nil {
			return nil, errs.New(errs.KindStoreOp, "list consensus validators", true, err)
		}
		for _, a := range agents {
			if a.Status != models.AgentStatusOffline {
				validators = append(validators, a.ID)
			}
		}
	}

	consensusID := models.NewID()
	decision := &models.Decision{
		ID:        consensusID,
		SwarmID:   swarmID,
		Topic:     topic,
		Options:   marshalJSON(options),
		Algorithm: cfg.Algorithm,
		Status:    models.DecisionStatusVoting,
		CreatedAt: time.Now(),
	}
	if err := e.repos.Decision().Create(ctx, decision); err != nil {
		return nil, errs.New(errs.KindStoreOp, "create decision", true, err)
	}

	voteChans := make(map[string]chan string, len(validators))
	for _, v := range validators {
		voteChans[v] = make(chan string, 1)
	}
	e.mu.Lock()
	e.pending[consensusID] = voteChans
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, consensusID)
		e.mu.Unlock()
	}()

	for _, v := range validators {
		env, err := messaging.NewEnvelope("queen", v, models.MessageTypeConsensus, models.ProtocolConsensus, messaging.ConsensusPayload{
			Phase:       messaging.ConsensusPhasePropose,
			ConsensusID: consensusID,
			Proposal:    map[string]interface{}{"topic": topic, "options": options},
		})
		if err != nil {
			continue
		}
		if encErr := e.bus.EncryptIfNeeded(&env); encErr != nil {
			e.logger.WithError(encErr).Warn("failed to encrypt consensus propose envelope")
			continue
		}
		e.bus.Send(env)
	}

	votes := make(map[string]string, len(validators))
	var votesMu sync.Mutex
	var wg sync.WaitGroup
	for _, v := range validators {
		wg.Add(1)
		go func(validator string, ch chan string) {
			defer wg.Done()
			select {
			case vote := <-ch:
				votesMu.Lock()
				votes[validator] = vote
				votesMu.Unlock()
			case <-time.After(cfg.Timeout):
				e.logger.WithField("validator", validator).WithField("consensus_id", consensusID).
					Debug(errs.New(errs.KindConsensusTimeout, "validator vote timed out", true, nil).Error())
			case <-ctx.Done():
			}
		}(v, voteChans[v])
	}
	wg.Wait()

	result := tally(consensusID, topic, validators, votes, options, queenVote, cfg)

	votesJSON := marshalJSON(votes)
	decision.Votes = votesJSON
	decision.Confidence = result.Confidence
	decision.Status = models.DecisionStatusCompleted
	decision.Result = result.Winner
	if err := e.repos.Decision().Update(ctx, decision); err != nil {
		e.logger.WithError(err).Warn("failed to persist settled decision")
	}

	if e.events != nil {
		data := map[string]interface{}{
			"consensus_id":      consensusID,
			"consensus_reached": result.ConsensusReached,
			"confidence":        result.Confidence,
		}
		if result.Winner != nil {
			data["winner"] = *result.Winner
		}
		e.events.Publish(events.Event{Type: events.DecisionReached, SwarmID: swarmID, Data: data})
	}

	for _, v := range validators {
		env, err := messaging.NewEnvelope("queen", v, models.MessageTypeConsensus, models.ProtocolConsensus, messaging.ConsensusPayload{
			Phase:       messaging.ConsensusPhaseResult,
			ConsensusID: consensusID,
			Result:      result.Winner,
		})
		if err == nil {
			e.bus.Send(env)
		}
	}

	return result, nil
}

// tally implements §4.7 step 5's three algorithms. A vote absent from
// votes (timed out) never contributes to any option's count, so a null
// vote can never win.
func tally(consensusID, topic string, validators []string, votes map[string]string, options []string, queenVote string, cfg Config) *Result {
	counts := make(map[string]int, len(options))
	for _, o := range options {
		counts[o] = 0
	}
	for _, v := range votes {
		if _, ok := counts[v]; ok {
			counts[v]++
		}
	}

	var winner *string
	var confidence float64
	var reached bool

	switch cfg.Algorithm {
	case models.ConsensusWeighted:
		weighted := make(map[string]float64, len(options))
		for o, c := range counts {
			weighted[o] = float64(c)
		}
		if queenVote != "" {
			if _, ok := weighted[queenVote]; ok {
				weighted[queenVote] += 2
			}
		}
		best, bestScore := argmaxFloat(weighted, options)
		denom := float64(len(validators) + 2)
		if denom > 0 {
			confidence = bestScore / denom
		}
		reached = bestScore > 0 && confidence >= cfg.Quorum
		if best != "" && bestScore > 0 {
			w := best
			winner = &w
		}
	case models.ConsensusByzantine:
		best, bestCount := argmaxInt(counts, options)
		ratio := 0.0
		if len(validators) > 0 {
			ratio = float64(bestCount) / float64(len(validators))
		}
		reached = ratio >= 0.67
		if reached && best != "" {
			w := best
			winner = &w
			confidence = ratio
		}
		// unreached byzantine rounds report confidence=0 (no_consensus).
	default: // majority
		best, bestCount := argmaxInt(counts, options)
		if len(validators) > 0 {
			confidence = float64(bestCount) / float64(len(validators))
		}
		reached = bestCount > 0 && confidence >= cfg.Quorum
		if best != "" && bestCount > 0 {
			w := best
			winner = &w
		}
	}

	return &Result{
		ConsensusID:      consensusID,
		Topic:            topic,
		Validators:       validators,
		Votes:            votes,
		VoteCount:        counts,
		Winner:           winner,
		ConsensusReached: reached,
		Quorum:           cfg.Quorum,
		Confidence:       confidence,
		Timestamp:        time.Now(),
	}
}

func argmaxInt(counts map[string]int, options []string) (string, int) {
	best := ""
	bestScore := -1
	for _, o := range options {
		if counts[o] > bestScore {
			bestScore = counts[o]
			best = o
		}
	}
	return best, bestScore
}

func argmaxFloat(scores map[string]float64, options []string) (string, float64) {
	best := ""
	bestScore := -1.0
	for _, o := range options {
		if scores[o] > bestScore {
			bestScore = scores[o]
			best = o
		}
	}
	return best, bestScore
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
