package swarm

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/coordinator/internal/config"
	"github.com/hivemind/coordinator/internal/memory"
	database "github.com/hivemind/coordinator/internal/store"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

type noopRunner struct{}

func (noopRunner) Execute(ctx context.Context, task models.Task) (string, int64, error) {
	return "", 0, errors.New("unused")
}

func testCore(t *testing.T) (*Core, repositories.RepositoryManager) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(logDiscard{})

	db, err := database.Open("file::memory:?cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := repositories.NewRepositoryManager(db.DB, logger, false)
	mem := memory.New(repos.Memory(), logger, config.MemoryConfig{})
	return New("swarm-1", Config{}, repos, mem, noopRunner{}, logger, nil), repos
}

func seedTaskAndWorker(t *testing.T, repos repositories.RepositoryManager) (models.Task, models.Agent) {
	t.Helper()
	ctx := context.Background()

	task := models.Task{
		ID:          models.NewID(),
		SwarmID:     "swarm-1",
		Description: "implement the thing",
		Priority:    5,
		Status:      models.TaskStatusInProgress,
	}
	require.NoError(t, repos.Task().Create(ctx, &task))

	worker := models.Agent{
		ID:          models.NewID(),
		SwarmID:     "swarm-1",
		Name:        "coder-1",
		Type:        models.AgentTypeCoder,
		Role:        models.AgentRoleWorker,
		Status:      models.AgentStatusBusy,
		SuccessRate: 0.5,
	}
	require.NoError(t, repos.Agent().Create(ctx, &worker))

	return task, worker
}

// TestHandleFailure_LeavesAvgTaskTimeAndTasksCompletedUntouched guards
// against a failed attempt corrupting the moving-average denominator
// (§4.6) or inflating completionScore's "experience" term: only
// FailureCount should move.
func TestHandleFailure_LeavesAvgTaskTimeAndTasksCompletedUntouched(t *testing.T) {
	core, repos := testCore(t)
	task, worker := seedTaskAndWorker(t, repos)
	ctx := context.Background()

	core.handleFailure(ctx, task, worker, errors.New("boom, a fatal error"))

	var reloaded models.Agent
	require.NoError(t, repos.Agent().GetByID(ctx, worker.ID, &reloaded))
	require.Equal(t, 0, reloaded.TasksCompleted, "a failure must never increment TasksCompleted")
	require.Equal(t, 1, reloaded.FailureCount)
	require.Equal(t, 0.0, reloaded.AvgTaskTimeMs, "a failure must never move AvgTaskTimeMs")
	require.Equal(t, models.AgentStatusIdle, reloaded.Status)
}

// TestHandleSuccess_AfterTwoFailuresComputesCorrectAverage reproduces
// the maintainer-reported scenario: two failures followed by one
// 1000ms success must average to exactly 1000ms, not 333ms.
func TestHandleSuccess_AfterTwoFailuresComputesCorrectAverage(t *testing.T) {
	core, repos := testCore(t)
	task, worker := seedTaskAndWorker(t, repos)
	ctx := context.Background()

	core.handleFailure(ctx, task, worker, errors.New("a fatal and permanent error"))
	require.NoError(t, repos.Agent().GetByID(ctx, worker.ID, &worker))
	core.handleFailure(ctx, task, worker, errors.New("another fatal and permanent error"))
	require.NoError(t, repos.Agent().GetByID(ctx, worker.ID, &worker))

	require.Equal(t, 0, worker.TasksCompleted)
	require.Equal(t, 2, worker.FailureCount)

	core.handleSuccess(ctx, task, worker, "done", 1000)

	var reloaded models.Agent
	require.NoError(t, repos.Agent().GetByID(ctx, worker.ID, &reloaded))
	require.Equal(t, 1, reloaded.TasksCompleted)
	require.Equal(t, 2, reloaded.FailureCount)
	require.Equal(t, 1000.0, reloaded.AvgTaskTimeMs, "first successful completion must set the average to its own duration, unaffected by prior failures")
}

func TestHandleFailure_RetryableErrorReschedulesTaskAsPending(t *testing.T) {
	core, repos := testCore(t)
	task, worker := seedTaskAndWorker(t, repos)
	ctx := context.Background()

	core.handleFailure(ctx, task, worker, errors.New("network connection reset"))

	var reloaded models.Task
	require.NoError(t, repos.Task().GetByID(ctx, task.ID, &reloaded))
	require.Equal(t, models.TaskStatusPending, reloaded.Status)
	require.Equal(t, 1, reloaded.RetryCount)
	require.Nil(t, reloaded.AssignedAgentID)
}

func TestHandleFailure_NonRetryableErrorMarksTaskFailed(t *testing.T) {
	core, repos := testCore(t)
	task, worker := seedTaskAndWorker(t, repos)
	ctx := context.Background()

	core.handleFailure(ctx, task, worker, errors.New("a fatal and permanent error"))

	var reloaded models.Task
	require.NoError(t, repos.Task().GetByID(ctx, task.ID, &reloaded))
	require.Equal(t, models.TaskStatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.Error)
}
