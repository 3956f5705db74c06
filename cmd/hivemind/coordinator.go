package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/autosave"
	"github.com/hivemind/coordinator/internal/config"
	"github.com/hivemind/coordinator/internal/consensus"
	database "github.com/hivemind/coordinator/internal/store"
	"github.com/hivemind/coordinator/internal/events"
	"github.com/hivemind/coordinator/internal/memory"
	"github.com/hivemind/coordinator/internal/messaging"
	"github.com/hivemind/coordinator/internal/messaging/dashboard"
	"github.com/hivemind/coordinator/internal/queen"
	"github.com/hivemind/coordinator/internal/session"
	"github.com/hivemind/coordinator/internal/statusapi"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
	"github.com/hivemind/coordinator/internal/swarm"
	"github.com/hivemind/coordinator/pkg/logger"
)

// Coordinator is the single explicit-lifecycle value that owns every
// subsystem (§9 "Global singletons → explicit lifecycle"). It replaces
// the teacher's cmd/server/main.go Server struct, swapped from an HTTP
// request/response server to a CLI-driven, in-process swarm host.
type Coordinator struct {
	cfg    *config.Config
	logger *logrus.Logger

	db    *database.Database
	repos repositories.RepositoryManager
	mem   *memory.Store

	sessions  *session.Manager
	events    *events.Bus
	bus       *messaging.Bus
	consensus *consensus.Engine

	status    *statusapi.Server
	dashboard *dashboard.Hub
	dashHTTP  *http.Server

	mu       sync.Mutex
	swarms   map[string]*swarmHandle
	done     chan struct{}
	shutOnce sync.Once
}

type swarmHandle struct {
	core       *swarm.Core
	middleware *autosave.Middleware
	sessionID  string
}

// NewCoordinator loads configuration, opens the store and wires every
// subsystem together, mirroring the teacher's NewServer assembly order
// (config → logger → database → feature modules → routes) with the
// HTTP router replaced by the consensus/messaging/swarm stack.
func NewCoordinator() (*Coordinator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := database.OpenDefault(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	repos := repositories.NewRepositoryManager(db.DB, log, true)
	memStore := memory.New(repos.Memory(), log, cfg.Memory)
	sessions := session.NewManager(repos, log, cfg.DataDir, db.InMemory)
	eventBus := events.NewBus()

	bus := messaging.New(messaging.Config{
		BufferSize:        cfg.Messaging.BufferSize,
		TickDeliverMax:    cfg.Messaging.TickDeliverMax,
		DispatchInterval:  cfg.Messaging.DispatchInterval,
		DispatchBurst:     cfg.Messaging.DispatchBurst,
		GossipFanout:      cfg.Messaging.GossipFanout,
		GossipHopCap:      cfg.Messaging.GossipHopCap,
		HeartbeatInterval: cfg.Messaging.HeartbeatInterval,
		OfflineAfter:      cfg.Messaging.OfflineAfter,
		AckTimeout:        cfg.Messaging.AckTimeout,
		EncryptionEnabled: cfg.Messaging.EncryptionEnabled,
	}, log, eventBus)

	consensusEngine := consensus.New(bus, repos, eventBus, log)

	bus.SetOfflineHandler(func(agentID string) {
		if err := repos.Agent().UpdateStatus(context.Background(), agentID, models.AgentStatusOffline); err != nil {
			log.WithError(err).WithField("agent_id", agentID).Warn("failed to mark stale agent offline")
		}
	})

	c := &Coordinator{
		cfg:       cfg,
		logger:    log,
		db:        db,
		repos:     repos,
		mem:       memStore,
		sessions:  sessions,
		events:    eventBus,
		bus:       bus,
		consensus: consensusEngine,
		swarms:    make(map[string]*swarmHandle),
		done:      make(chan struct{}),
	}

	if cfg.StatusAPI.Enabled {
		c.status = statusapi.New(cfg.StatusAPI.Addr, repos, c, log)
	}

	if cfg.Messaging.DashboardAddr != "" {
		c.dashboard = dashboard.NewHub(log, eventBus)
		mux := http.NewServeMux()
		mux.Handle("/ws", dashboard.ServeWS(c.dashboard, log))
		c.dashHTTP = &http.Server{Addr: cfg.Messaging.DashboardAddr, Handler: mux}
	}

	return c, nil
}

// GetMetrics satisfies statusapi.SwarmMetricsProvider, aggregating the
// live per-swarm counters across every swarm this process hosts.
func (c *Coordinator) GetMetrics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.swarms))
	for id, h := range c.swarms {
		m := h.core.GetMetrics()
		out[id] = metricsToMap(m)
	}
	return out
}

func metricsToMap(m swarm.Metrics) map[string]interface{} {
	return map[string]interface{}{
		"tasks_created":         m.TasksCreated,
		"tasks_completed":       m.TasksCompleted,
		"tasks_failed":          m.TasksFailed,
		"average_task_time_ms":  m.AverageTaskTimeMs,
		"worker_efficiency":     m.WorkerEfficiency,
		"throughput_per_minute": m.ThroughputPerMinute,
	}
}

// Start launches background loops (memory maintenance, messaging bus,
// consensus inbox, optional status API). It does not start any swarm;
// call SpawnSwarm for that.
func (c *Coordinator) Start() {
	c.mem.Start(c.ctx())
	c.bus.Run(c.done)
	c.consensus.Start(c.done)
	if c.status != nil {
		c.status.Start()
		c.logger.WithField("addr", c.cfg.StatusAPI.Addr).Info("status API listening")
	}
	if c.dashboard != nil {
		go c.dashboard.Run()
		go func() {
			if err := c.dashHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.WithError(err).Error("dashboard server stopped unexpectedly")
			}
		}()
		c.logger.WithField("addr", c.cfg.Messaging.DashboardAddr).Info("dashboard websocket listening")
	}
}

func (c *Coordinator) ctx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.done
		cancel()
	}()
	return ctx
}

// Shutdown stops every swarm, the bus, the status API and closes the
// store. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.shutOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		handles := make([]*swarmHandle, 0, len(c.swarms))
		for _, h := range c.swarms {
			handles = append(handles, h)
		}
		c.mu.Unlock()
		for _, h := range handles {
			h.core.Stop()
			if h.middleware != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				h.middleware.Shutdown(ctx)
				cancel()
			}
		}

		if c.status != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.status.Shutdown(ctx)
			cancel()
		}
		if c.dashHTTP != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.dashHTTP.Shutdown(ctx)
			cancel()
			c.dashboard.Stop()
		}

		c.sessions.Close()
		if err := c.repos.Close(); err != nil {
			c.logger.WithError(err).Warn("failed to close store cleanly")
		}
	})
}

// SpawnSwarm implements the `spawn` CLI operation (§6.2): it creates a
// swarm+session pair, spawns the queen and worker pool, starts the
// swarm's dispatch loop, and seeds the task queue from the objective's
// execution plan (seedTasksFromPlan) so the dispatch loop has work to
// assign.
func (c *Coordinator) SpawnSwarm(ctx context.Context, objective string, queenType models.QueenType, maxWorkers int, workerTypes []models.AgentType, topology models.Topology) (swarmID, sessionID string, err error) {
	swarmID = models.NewID()

	core := swarm.New(swarmID, swarm.Config{MaxWorkers: maxWorkers, TaskTimeout: time.Duration(c.cfg.Swarm.TaskTimeoutMin) * time.Minute}, c.repos, c.mem, newLocalRunner(c.logger), c.logger, c.events)

	name := fmt.Sprintf("swarm-%s", swarmID[:8])
	if err := core.Initialize(ctx, name, objective, queenType, topology); err != nil {
		return "", "", err
	}
	if _, err := core.SpawnQueen(ctx); err != nil {
		return "", "", err
	}
	var workers []models.Agent
	if maxWorkers > 0 {
		types := workerTypes
		if len(types) == 0 {
			types = defaultWorkerTypes(maxWorkers)
		}
		if len(types) > maxWorkers {
			types = types[:maxWorkers]
		}
		workers, err = core.SpawnWorkers(ctx, types)
		if err != nil {
			return "", "", err
		}
	}

	sess, err := c.sessions.Create(ctx, swarmID, name, objective, "")
	if err != nil {
		return "", "", err
	}

	mw := autosave.New(autosave.DefaultConfig, c.sessions, c.logger, sess.ID, func() []int { return nil }, c.sessions.Terminate)
	mw.Start(ctx)

	core.Run(ctx)

	c.mu.Lock()
	c.swarms[swarmID] = &swarmHandle{core: core, middleware: mw, sessionID: sess.ID}
	c.mu.Unlock()

	c.seedTasksFromPlan(ctx, core, swarmID, objective, queenType, workers)

	return swarmID, sess.ID, nil
}

// seedTasksFromPlan is the production handoff from §4.5 (analysis +
// plan) to §4.6 (task queue): it turns the spawn objective into an
// Analysis, turns the Analysis into a Plan, and creates one task per
// plan step so Core.Run's dispatchLoop — which drains c.taskQueue and
// has no other producer — actually has work to assign. Without this,
// CreateTask is only ever invoked from test code, and spawning a swarm
// leaves every worker idle forever.
//
// Phases the plan marks RequiresConsensus additionally drive a live
// consensus round over the swarm's own agents (§4.7) in the
// background; CreatePlan emits these for the sequential_refinement and
// consensus_driven strategies (§4.5) but nothing previously called
// Engine.Run to settle them.
func (c *Coordinator) seedTasksFromPlan(ctx context.Context, core *swarm.Core, swarmID, objective string, queenType models.QueenType, workers []models.Agent) {
	analysis := c.Analyze(objective, queenType)
	plan := queen.CreatePlan(analysis, workers, queenType)

	for _, phase := range plan.Phases {
		if phase.RequiresConsensus {
			go c.runPhaseConsensus(context.Background(), swarmID, phase, queenType)
		}
		priority := 5
		if !phase.Parallel {
			priority = 6
		}
		for _, taskDesc := range phase.Tasks {
			if _, err := core.CreateTask(ctx, taskDesc, priority, ""); err != nil {
				c.logger.WithError(err).WithField("swarm_id", swarmID).WithField("phase", phase.Name).
					Warn("failed to seed task from execution plan")
			}
		}
	}
}

// phaseDecisionOptions is the ballot every RequiresConsensus phase puts
// to validators. §4.5 names each phase's decision point ("decide:
// <component>") but, absent a live worker-proposal channel feeding
// candidate options back to the queen, the concrete choice a phase
// gates on is whether to proceed with it or send it back for revision.
var phaseDecisionOptions = []string{"proceed", "revise"}

func (c *Coordinator) runPhaseConsensus(ctx context.Context, swarmID string, phase queen.Phase, queenType models.QueenType) {
	threshold := phase.ConsensusThreshold
	if threshold <= 0 {
		threshold = config.QueenConsensusThreshold(queenType)
	}
	_, err := c.ConsensusEngine().Run(ctx, swarmID, "decide: "+phase.Name, phaseDecisionOptions, nil, "proceed", queenType, consensus.Config{
		Algorithm: c.cfg.Swarm.ConsensusAlgo,
		Quorum:    threshold,
	})
	if err != nil {
		c.logger.WithError(err).WithField("swarm_id", swarmID).WithField("phase", phase.Name).
			Warn("phase consensus round failed")
	}
}

func defaultWorkerTypes(n int) []models.AgentType {
	pool := []models.AgentType{
		models.AgentTypeCoder, models.AgentTypeTester, models.AgentTypeArchitect,
		models.AgentTypeReviewer, models.AgentTypeResearcher, models.AgentTypeAnalyst,
		models.AgentTypeOptimizer, models.AgentTypeDocumenter,
	}
	out := make([]models.AgentType, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, pool[i%len(pool)])
	}
	return out
}

// SwarmCore returns the live core for an active swarm, or nil.
func (c *Coordinator) SwarmCore(swarmID string) *swarm.Core {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.swarms[swarmID]; ok {
		return h.core
	}
	return nil
}

// SwarmMiddleware returns the auto-save middleware driving a swarm's
// session, or nil. It is the sole owner of the process's SIGINT/SIGTERM
// handling (§4.4); callers that need to block until a caught signal has
// run the shutdown sequence should wait on its Done() channel instead
// of installing a second signal handler.
func (c *Coordinator) SwarmMiddleware(swarmID string) *autosave.Middleware {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.swarms[swarmID]; ok {
		return h.middleware
	}
	return nil
}

// ConsensusEngine exposes the shared consensus engine. SpawnSwarm's
// runPhaseConsensus uses it to settle a plan's RequiresConsensus
// phases; it is also exported for direct use by a host CLI surface
// that wants to drive a one-off consensus round outside a spawn.
func (c *Coordinator) ConsensusEngine() *consensus.Engine { return c.consensus }

// Analyze exposes the queen's pure objective analysis. SpawnSwarm's
// seedTasksFromPlan calls it to turn the spawn objective into the
// Analysis that CreatePlan seeds the task queue from.
func (c *Coordinator) Analyze(objective string, qt models.QueenType) queen.Analysis {
	return queen.Analyze(objective, qt)
}
