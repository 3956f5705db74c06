// Package swarm implements the swarm core (§4.6): the live worker
// roster, task queue, assignment policy, autoscale, and per-swarm
// metrics. It keeps its own in-memory projection authoritative for
// reads (§3 "Ownership"), synchronized against the persistence store.
//
// The worker-map-plus-mutex and buffered task channel follow the
// teacher's internal/rnd/coordinator/coordinator.go Coordinator shape
// directly; its taskWorker goroutine pool becomes a single dispatch
// goroutine that starts one goroutine per assigned task. QueenAgent/ConsensusModel
// naming pulled from internal/autonomous/hive_coordinator.go informs
// the sibling queen package this one is built alongside.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/errs"
	"github.com/hivemind/coordinator/internal/events"
	"github.com/hivemind/coordinator/internal/memory"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

// WorkerRunner is the abstract execution capability (§6.4): the core
// depends only on this contract, never on how a task is actually
// carried out.
type WorkerRunner interface {
	Execute(ctx context.Context, task models.Task) (result string, processingTimeMs int64, err error)
}

// Metrics is the live snapshot exposed by GetMetrics (§4.6).
type Metrics struct {
	TasksCreated        int64
	TasksCompleted      int64
	TasksFailed         int64
	AverageTaskTimeMs    float64
	WorkerEfficiency     float64
	ThroughputPerMinute  float64
}

// Config is the subset of swarm-level knobs the core needs at runtime.
type Config struct {
	MaxWorkers     int
	TaskTimeout    time.Duration
	WorkerChunk    int // spawnWorkers batch size, default 5
}

// Core owns one swarm's live worker roster and task queue.
type Core struct {
	swarmID string
	cfg     Config
	repos   repositories.RepositoryManager
	mem     *memory.Store
	runner  WorkerRunner
	logger  *logrus.Logger
	errh    *errs.Handler
	bus     *events.Bus

	mu        sync.RWMutex
	workers   map[string]*models.Agent
	matchSetAt map[string]time.Time

	taskQueue chan string // task IDs awaiting assignment attempt

	completionTimes []time.Time // for throughputPerMinute

	metrics liveMetrics

	ctx    context.Context
	cancel context.CancelFunc
}

// liveMetrics accumulates the counters GetMetrics snapshots.
type liveMetrics struct {
	mu             sync.Mutex
	tasksCreated   int64
	tasksCompleted int64
	tasksFailed    int64
	avgTaskTimeMs  float64
}

// New constructs a swarm Core. runner is the external WorkerRunner
// collaborator (§6.4); it must not be nil once the core starts
// executing tasks.
func New(swarmID string, cfg Config, repos repositories.RepositoryManager, mem *memory.Store, runner WorkerRunner, logger *logrus.Logger, bus *events.Bus) *Core {
	if cfg.WorkerChunk <= 0 {
		cfg.WorkerChunk = 5
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	return &Core{
		swarmID:   swarmID,
		cfg:       cfg,
		repos:     repos,
		mem:       mem,
		runner:    runner,
		logger:    logger,
		errh:      errs.NewHandler(logger),
		bus:       bus,
		workers:    make(map[string]*models.Agent),
		matchSetAt: make(map[string]time.Time),
		taskQueue:  make(chan string, 1000),
	}
}

// Initialize creates the swarm row, seeds its memory namespace, and
// publishes config+status (§4.6 "Initialization").
func (c *Core) Initialize(ctx context.Context, name, objective string, queenType models.QueenType, topology models.Topology) error {
	now := time.Now()
	s := &models.Swarm{
		ID:        c.swarmID,
		Name:      name,
		Objective: objective,
		QueenType: queenType,
		Status:    models.SwarmStatusActive,
		Topology:  topology,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.repos.Swarm().Create(ctx, s); err != nil {
		return errs.New(errs.KindStoreOp, "create swarm", true, err)
	}

	if _, _, err := c.mem.Store(ctx, c.namespace(), "config", []byte(fmt.Sprintf(`{"queen_type":%q,"topology":%q}`, queenType, topology)), models.MemoryTypeSystem, memory.StoreOptions{}); err != nil {
		c.logger.WithError(err).Warn("failed to publish swarm config to memory")
	}
	if _, _, err := c.mem.Store(ctx, c.namespace(), "status", []byte("active"), models.MemoryTypeSystem, memory.StoreOptions{}); err != nil {
		c.logger.WithError(err).Warn("failed to publish swarm status to memory")
	}
	return nil
}

func (c *Core) namespace() string { return "swarm-" + c.swarmID }

// Run launches the task-queue worker loop. Cancel ctx to stop.
func (c *Core) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel
	go c.dispatchLoop(ctx)
}

// Stop cancels the dispatch loop.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Core) publish(typ events.Type, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Type: typ, SwarmID: c.swarmID, Data: data})
}

// SpawnWorkers creates one agent row per requested type, in chunks of
// at most cfg.WorkerChunk to bound peak cost (§4.6).
func (c *Core) SpawnWorkers(ctx context.Context, types []models.AgentType) ([]models.Agent, error) {
	spawned := make([]models.Agent, 0, len(types))
	for start := 0; start < len(types); start += c.cfg.WorkerChunk {
		end := start + c.cfg.WorkerChunk
		if end > len(types) {
			end = len(types)
		}
		for _, t := range types[start:end] {
			now := time.Now()
			id := models.NewID()
			a := &models.Agent{
				ID:          id,
				SwarmID:     c.swarmID,
				Name:        fmt.Sprintf("%s-%s", t, a8(id)),
				Type:        t,
				Role:        models.AgentRoleWorker,
				Status:      models.AgentStatusIdle,
				SuccessRate: 0.5,
				SpawnedAt:   now,
				LastSeen:    now,
			}
			if err := c.repos.Agent().Create(ctx, a); err != nil {
				return spawned, errs.New(errs.KindStoreOp, "create agent", true, err)
			}
			c.mu.Lock()
			c.workers[a.ID] = a
			c.mu.Unlock()
			spawned = append(spawned, *a)
		}
		c.logSessionless(fmt.Sprintf("worker_spawned batch of %d", end-start))
		c.publish(events.WorkerSpawned, map[string]interface{}{"count": end - start})
	}
	return spawned, nil
}

// SpawnQueen creates the single queen agent for this swarm (§3 "exactly
// one agent with role=queen per swarm"). The swarm's queen_type is
// recorded on the Swarm row by Initialize; the agent itself just needs
// the coordinator type/role.
func (c *Core) SpawnQueen(ctx context.Context) (*models.Agent, error) {
	now := time.Now()
	q := &models.Agent{
		ID:          models.NewID(),
		SwarmID:     c.swarmID,
		Name:        "queen",
		Type:        models.AgentTypeCoordinator,
		Role:        models.AgentRoleQueen,
		Status:      models.AgentStatusActive,
		SuccessRate: 0.5,
		SpawnedAt:   now,
		LastSeen:    now,
	}
	if err := c.repos.Agent().Create(ctx, q); err != nil {
		return nil, errs.New(errs.KindStoreOp, "create queen agent", true, err)
	}
	c.mu.Lock()
	c.workers[q.ID] = q
	c.mu.Unlock()
	return q, nil
}

func (c *Core) logSessionless(msg string) {
	c.logger.WithField("swarm_id", c.swarmID).Debug(msg)
}

func a8(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
