package swarm

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/hivemind/coordinator/internal/errs"
	"github.com/hivemind/coordinator/internal/events"
	"github.com/hivemind/coordinator/internal/memory"
	"github.com/hivemind/coordinator/internal/store/models"
)

// durationBuckets and complexityOrder back §4.6's estimatedDurationMs
// and complexity computation. estimateDuration sums the weights of every
// bucket hit; estimateComplexity checks the buckets complex first, so a
// description naming both a simple verb ("show the refactored module")
// and a complex one counts as the harder task.
var durationBuckets = []struct {
	weight   int
	keywords map[string]struct{}
}{
	{3, toSet("analyze", "optimize", "refactor", "implement", "design")},
	{2, toSet("create", "update", "modify", "change", "build")},
	{1, toSet("list", "show", "display", "get", "read")},
}

var complexityOrder = []struct {
	complexity models.TaskComplexity
	keywords   map[string]struct{}
}{
	{models.ComplexityHigh, toSet("analyze", "optimize", "refactor", "implement", "design")},
	{models.ComplexityMedium, toSet("create", "update", "modify", "change", "build")},
	{models.ComplexityLow, toSet("list", "show", "display", "get", "read")},
}

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

var retryableErr = regexp.MustCompile(`(?i)timeout|network|temporary|connection`)

// estimateDuration sums weighted keyword hits × 5000ms, clipped to 60s
// (§4.6).
func estimateDuration(description string) int64 {
	tokens := tokenize(description)
	points := 0
	for _, b := range durationBuckets {
		for _, t := range tokens {
			if _, ok := b.keywords[t]; ok {
				points += b.weight
			}
		}
	}
	ms := int64(points) * 5000
	if ms > 60000 {
		ms = 60000
	}
	return ms
}

func estimateComplexity(description string) models.TaskComplexity {
	tokens := tokenize(description)
	for _, bucket := range complexityOrder {
		for _, t := range tokens {
			if _, ok := bucket.keywords[t]; ok {
				return bucket.complexity
			}
		}
	}
	return models.ComplexityMedium
}

// CreateTask records a new task, schedules an assignment attempt, and
// runs the autoscale check (§4.6 "Task creation").
func (c *Core) CreateTask(ctx context.Context, description string, priority int, metadata string) (*models.Task, error) {
	if priority <= 0 {
		priority = 5
	}
	t := &models.Task{
		ID:                models.NewID(),
		SwarmID:           c.swarmID,
		Description:       description,
		Priority:          priority,
		Status:            models.TaskStatusPending,
		CreatedAt:         time.Now(),
		Complexity:        estimateComplexity(description),
		EstimatedDuration: estimateDuration(description),
	}
	if err := c.errh.RetryWithBackoff(ctx, func() error { return c.repos.Task().Create(ctx, t) }); err != nil {
		return nil, errs.New(errs.KindStoreOp, "create task", true, err)
	}

	c.metrics.mu.Lock()
	c.metrics.tasksCreated++
	c.metrics.mu.Unlock()

	c.publish(events.TaskCreated, map[string]interface{}{"task_id": t.ID})

	select {
	case c.taskQueue <- t.ID:
	default:
		c.logger.WithField("task_id", t.ID).Warn("task queue full, assignment deferred to next autoscale/idle signal")
	}

	c.autoscale(ctx)
	return t, nil
}

func (c *Core) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-c.taskQueue:
			c.tryAssign(ctx, taskID)
		}
	}
}

func (c *Core) tryAssign(ctx context.Context, taskID string) {
	var task models.Task
	if err := c.repos.Task().GetByID(ctx, taskID, &task); err != nil {
		c.logger.WithError(err).WithField("task_id", taskID).Debug("task vanished before assignment")
		return
	}
	if task.Status != models.TaskStatusPending {
		return
	}

	worker, err := c.findBestWorker(ctx, task.Description)
	if err != nil {
		c.logger.WithError(err).Warn("worker selection failed")
		return
	}
	if worker == nil {
		return // stays pending; retried on the next worker:idle or autoscale signal
	}

	now := time.Now()
	task.Status = models.TaskStatusInProgress
	task.AssignedAgentID = &worker.ID
	if err := c.repos.Task().Update(ctx, &task); err != nil {
		c.logger.WithError(err).Error("failed to persist task assignment")
		return
	}

	worker.Status = models.AgentStatusBusy
	worker.CurrentTaskID = &task.ID
	worker.LastSeen = now
	if err := c.repos.Agent().Update(ctx, worker); err != nil {
		c.logger.WithError(err).Error("failed to persist worker assignment")
		return
	}
	c.mu.Lock()
	c.workers[worker.ID] = worker
	c.mu.Unlock()

	if _, _, err := c.mem.Store(ctx, c.namespace(), "assignment:"+task.ID, []byte(fmt.Sprintf(`{"worker":%q}`, worker.ID)), models.MemoryTypeTask, memory.StoreOptions{}); err != nil {
		c.logger.WithError(err).Debug("failed to record assignment in memory")
	}
	c.publish(events.TaskAssigned, map[string]interface{}{"task_id": task.ID, "worker_id": worker.ID})

	go c.runTask(context.Background(), task, *worker)
}

// runnerCircuit is the named breaker guarding WorkerRunner.Execute
// (§6.4: the core depends only on the capability's contract, never on
// its latency or determinism, so a misbehaving runner must not be
// allowed to keep soaking up every task attempt).
const runnerCircuit = "worker-runner"

// runnerOutcome carries Execute's two return values through
// ExecuteWithCircuitBreaker's single interface{} result.
type runnerOutcome struct {
	result string
	procMs int64
}

func (c *Core) runTask(ctx context.Context, task models.Task, worker models.Agent) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
	defer cancel()

	v, err := c.errh.ExecuteWithCircuitBreaker(runnerCircuit, func() (interface{}, error) {
		result, procMs, execErr := c.runner.Execute(ctx, task)
		if execErr != nil {
			return nil, execErr
		}
		return runnerOutcome{result: result, procMs: procMs}, nil
	})
	if err != nil {
		c.handleFailure(context.Background(), task, worker, err)
		return
	}
	outcome := v.(runnerOutcome)
	c.handleSuccess(context.Background(), task, worker, outcome.result, outcome.procMs)
}

func (c *Core) handleSuccess(ctx context.Context, task models.Task, worker models.Agent, result string, procMs int64) {
	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = &result
	if err := c.repos.Task().Update(ctx, &task); err != nil {
		c.logger.WithError(err).Error("failed to persist task completion")
	}

	worker.TasksCompleted++
	n := float64(worker.TasksCompleted)
	worker.AvgTaskTimeMs = (worker.AvgTaskTimeMs*(n-1) + float64(procMs)) / n
	attempts := float64(worker.TasksCompleted + worker.FailureCount)
	worker.SuccessRate = weightedOutcome(worker.SuccessRate, attempts, 1)
	worker.Status = models.AgentStatusIdle
	worker.CurrentTaskID = nil
	worker.LastSeen = now
	c.saveWorker(ctx, &worker)

	if _, _, err := c.mem.Store(ctx, c.namespace(), "result:"+task.ID, []byte(result), models.MemoryTypeResult, memory.StoreOptions{}); err != nil {
		c.logger.WithError(err).Debug("failed to record task result in memory")
	}

	c.metrics.mu.Lock()
	c.metrics.tasksCompleted++
	tc := float64(c.metrics.tasksCompleted)
	c.metrics.avgTaskTimeMs = (c.metrics.avgTaskTimeMs*(tc-1) + float64(procMs)) / tc
	c.metrics.mu.Unlock()
	c.recordCompletion(now)

	c.publish(events.TaskCompleted, map[string]interface{}{"task_id": task.ID, "worker_id": worker.ID})
	c.publish(events.WorkerIdle, map[string]interface{}{"worker_id": worker.ID})
	c.scheduleNextPending(ctx)
}

func (c *Core) handleFailure(ctx context.Context, task models.Task, worker models.Agent, taskErr error) {
	// FailureCount tracks attempts separately from TasksCompleted: the
	// latter is §4.6's moving-average denominator and the
	// completionScore "experience" term, both of which only count
	// successful completions. A failure must not move AvgTaskTimeMs or
	// inflate completionScore.
	worker.FailureCount++
	attempts := float64(worker.TasksCompleted + worker.FailureCount)
	worker.SuccessRate = weightedOutcome(worker.SuccessRate, attempts, 0)
	worker.Status = models.AgentStatusIdle
	worker.CurrentTaskID = nil
	worker.LastSeen = time.Now()
	c.saveWorker(ctx, &worker)

	task.RetryCount++
	msg := taskErr.Error()

	if task.RetryCount < 2 && retryableErr.MatchString(msg) {
		task.Status = models.TaskStatusPending
		task.AssignedAgentID = nil
		if err := c.repos.Task().Update(ctx, &task); err != nil {
			c.logger.WithError(err).Error("failed to persist task retry state")
		}
		c.publish(events.WorkerIdle, map[string]interface{}{"worker_id": worker.ID})
		go func(id string) {
			time.Sleep(5 * time.Second)
			select {
			case c.taskQueue <- id:
			default:
			}
		}(task.ID)
		return
	}

	task.Status = models.TaskStatusFailed
	task.Error = &msg
	if err := c.repos.Task().Update(ctx, &task); err != nil {
		c.logger.WithError(err).Error("failed to persist task failure")
	}

	c.metrics.mu.Lock()
	c.metrics.tasksFailed++
	c.metrics.mu.Unlock()

	c.publish(events.TaskFailed, map[string]interface{}{"task_id": task.ID, "error": msg})
	c.publish(events.WorkerIdle, map[string]interface{}{"worker_id": worker.ID})
	c.scheduleNextPending(ctx)
}

// weightedOutcome applies §4.6's weighted-average formula to successRate,
// treating each completed attempt (success or failure) as one sample.
func weightedOutcome(oldRate, n, outcome float64) float64 {
	if n <= 1 {
		return outcome
	}
	return (oldRate*(n-1) + outcome) / n
}

func (c *Core) saveWorker(ctx context.Context, worker *models.Agent) {
	if err := c.repos.Agent().Update(ctx, worker); err != nil {
		c.logger.WithError(err).Error("failed to persist worker state")
	}
	c.mu.Lock()
	c.workers[worker.ID] = worker
	c.mu.Unlock()
}

// scheduleNextPending pulls one pending task back onto the queue so a
// freshly idle worker gets a shot at it (§4.6 "worker:idle signal").
func (c *Core) scheduleNextPending(ctx context.Context) {
	pending, err := c.repos.Task().GetPending(ctx, c.swarmID)
	if err != nil || len(pending) == 0 {
		return
	}
	select {
	case c.taskQueue <- pending[0].ID:
	default:
	}
}

func (c *Core) recordCompletion(at time.Time) {
	c.mu.Lock()
	c.completionTimes = append(c.completionTimes, at)
	if len(c.completionTimes) > 500 {
		c.completionTimes = c.completionTimes[len(c.completionTimes)-500:]
	}
	c.mu.Unlock()
}

// autoscale spawns one additional worker when the pending backlog
// outpaces idle capacity (§4.6).
func (c *Core) autoscale(ctx context.Context) {
	c.mu.RLock()
	idle := 0
	total := len(c.workers)
	for _, w := range c.workers {
		if w.Status == models.AgentStatusIdle {
			idle++
		}
	}
	c.mu.RUnlock()

	pending, err := c.repos.Task().GetPending(ctx, c.swarmID)
	if err != nil {
		return
	}
	if len(pending) <= 2*idle || total >= c.cfg.MaxWorkers {
		return
	}

	demand := make(map[models.AgentType]int)
	for _, t := range pending {
		tokens := tokenize(t.Description)
		for typ, keywords := range typeKeywords {
			demand[typ] += keywordScore(tokens, keywords)
		}
	}
	bestType := models.AgentTypeCoder
	bestCount := -1
	for typ, count := range demand {
		if count > bestCount {
			bestCount = count
			bestType = typ
		}
	}

	if _, err := c.SpawnWorkers(ctx, []models.AgentType{bestType}); err != nil {
		c.logger.WithError(err).Warn("autoscale spawn failed")
	}
}

// GetMetrics returns the current snapshot (§4.6).
func (c *Core) GetMetrics() Metrics {
	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()

	c.mu.RLock()
	var successSum float64
	for _, w := range c.workers {
		successSum += w.SuccessRate
	}
	workerCount := len(c.workers)
	first, last := c.firstLastCompletionLocked()
	c.mu.RUnlock()

	efficiency := 0.0
	if workerCount > 0 {
		efficiency = successSum / float64(workerCount) * 100
	}

	throughput := 0.0
	if !first.IsZero() && !last.IsZero() && last.After(first) {
		minutes := last.Sub(first).Minutes()
		if minutes > 0 {
			throughput = float64(c.metrics.tasksCompleted) / minutes
		}
	}

	return Metrics{
		TasksCreated:        c.metrics.tasksCreated,
		TasksCompleted:      c.metrics.tasksCompleted,
		TasksFailed:         c.metrics.tasksFailed,
		AverageTaskTimeMs:   c.metrics.avgTaskTimeMs,
		WorkerEfficiency:    efficiency,
		ThroughputPerMinute: throughput,
	}
}

func (c *Core) firstLastCompletionLocked() (time.Time, time.Time) {
	if len(c.completionTimes) < 2 {
		return time.Time{}, time.Time{}
	}
	return c.completionTimes[0], c.completionTimes[len(c.completionTimes)-1]
}
