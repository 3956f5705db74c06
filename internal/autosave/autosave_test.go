package autosave

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/coordinator/internal/session"
	database "github.com/hivemind/coordinator/internal/store"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

func testSetup(t *testing.T) (*session.Manager, repositories.RepositoryManager, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(logDiscard{})

	db, err := database.Open("file::memory:?cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := repositories.NewRepositoryManager(db.DB, logger, false)
	sessions := session.NewManager(repos, logger, t.TempDir(), false)

	ctx := context.Background()
	swarm := &models.Swarm{
		ID: models.NewID(), Name: "s", Objective: "obj",
		QueenType: models.QueenTypeStrategic, Status: models.SwarmStatusActive, Topology: models.TopologyMesh,
	}
	require.NoError(t, repos.Swarm().Create(ctx, swarm))
	s, err := sessions.Create(ctx, swarm.ID, "s", "obj", "")
	require.NoError(t, err)

	return sessions, repos, s.ID
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(logDiscard{})
	return logger
}

func TestRecordChange_NonImmediateWaitsForManualFlush(t *testing.T) {
	sessions, repos, sessionID := testSetup(t)
	mw := New(Config{SaveInterval: time.Hour, AutoStart: false}, sessions, newTestLogger(), sessionID, nil, nil)

	mw.RecordChange(context.Background(), ChangeMemoryUpdated, map[string]interface{}{"k": "v"})

	cps, err := repos.Checkpoint().ListBySession(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Empty(t, cps, "a non-immediate change must not flush until the timer or shutdown fires")
}

func TestRecordChange_ImmediateTypeFlushesRightAway(t *testing.T) {
	sessions, repos, sessionID := testSetup(t)
	mw := New(Config{SaveInterval: time.Hour, AutoStart: true}, sessions, newTestLogger(), sessionID, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	mw.Start(ctx)
	t.Cleanup(cancel)

	mw.RecordChange(ctx, ChangeTaskCompleted, map[string]interface{}{"task": "t1"})

	require.Eventually(t, func() bool {
		cps, err := repos.Checkpoint().ListBySession(ctx, sessionID, 0)
		return err == nil && len(cps) == 1
	}, time.Second, 5*time.Millisecond)

	logs, err := sessions.GetSessionHistory(ctx, sessionID, 50, 0)
	require.NoError(t, err)
	found := false
	for _, l := range logs {
		if l.Message == string(ChangeTaskCompleted) {
			found = true
		}
	}
	require.True(t, found)
}

func TestFlush_ComputesCompletionPercentage(t *testing.T) {
	sessions, repos, sessionID := testSetup(t)
	mw := New(Config{SaveInterval: time.Hour, AutoStart: true}, sessions, newTestLogger(), sessionID, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	mw.Start(ctx)
	t.Cleanup(cancel)

	mw.RecordChange(ctx, ChangeTaskCreated, nil)
	mw.RecordChange(ctx, ChangeTaskCreated, nil)
	// the ChangeTaskCompleted trigger flushes the whole pending batch,
	// so both task_created changes above land in the same checkpoint.
	mw.RecordChange(ctx, ChangeTaskCompleted, nil)

	require.Eventually(t, func() bool {
		cps, err := repos.Checkpoint().ListBySession(ctx, sessionID, 0)
		return err == nil && len(cps) == 1
	}, time.Second, 5*time.Millisecond)

	cps, err := repos.Checkpoint().ListBySession(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Contains(t, cps[0].Data, `"CompletionPercentage":33`)
}

func TestShutdown_IsIdempotentAndStopsSession(t *testing.T) {
	sessions, repos, sessionID := testSetup(t)
	var terminated []int
	terminate := func(pid int, graceful bool) error {
		terminated = append(terminated, pid)
		return nil
	}
	mw := New(Config{SaveInterval: time.Hour, AutoStart: false}, sessions, newTestLogger(), sessionID,
		func() []int { return []int{123} }, terminate)

	mw.RecordChange(context.Background(), ChangeMemoryUpdated, map[string]interface{}{"k": "v"})

	mw.Shutdown(context.Background())
	require.True(t, mw.Stopped())

	var s models.Session
	require.NoError(t, repos.Session().GetByID(context.Background(), sessionID, &s))
	require.Equal(t, models.SessionStatusStopped, s.Status)

	// the pending memory_updated change must have been flushed by shutdown.
	cps, err := repos.Checkpoint().ListBySession(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, cps, 1)

	// second shutdown must be a no-op (sync.Once-guarded).
	mw.Shutdown(context.Background())
	require.Len(t, terminated, 2, "terminate should have been called exactly twice (graceful then forceful), not again on the second Shutdown")
}
