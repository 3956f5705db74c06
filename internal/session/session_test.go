package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	database "github.com/hivemind/coordinator/internal/store"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

func testManager(t *testing.T) (*Manager, repositories.RepositoryManager, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(logDiscard{})

	db, err := database.Open("file::memory:?cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := repositories.NewRepositoryManager(db.DB, logger, false)
	dataDir := t.TempDir()
	return NewManager(repos, logger, dataDir, false), repos, dataDir
}

func seedSwarmAndQueen(t *testing.T, repos repositories.RepositoryManager) string {
	t.Helper()
	ctx := context.Background()
	swarm := &models.Swarm{
		ID:        models.NewID(),
		Name:      "s",
		Objective: "obj",
		QueenType: models.QueenTypeStrategic,
		Status:    models.SwarmStatusActive,
		Topology:  models.TopologyMesh,
	}
	require.NoError(t, repos.Swarm().Create(ctx, swarm))

	queen := &models.Agent{
		ID:      models.NewID(),
		SwarmID: swarm.ID,
		Name:    "queen",
		Type:    models.AgentTypeCoordinator,
		Role:    models.AgentRoleQueen,
		Status:  models.AgentStatusActive,
	}
	require.NoError(t, repos.Agent().Create(ctx, queen))

	worker := &models.Agent{
		ID:      models.NewID(),
		SwarmID: swarm.ID,
		Name:    "coder-1",
		Type:    models.AgentTypeCoder,
		Role:    models.AgentRoleWorker,
		Status:  models.AgentStatusBusy,
	}
	require.NoError(t, repos.Agent().Create(ctx, worker))

	return swarm.ID
}

func TestCreate_RecordsParentPID(t *testing.T) {
	mgr, _, _ := testManager(t)
	ctx := context.Background()

	s, err := mgr.Create(ctx, "swarm-1", "s", "build it", "")
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), s.ParentPID)
	require.Equal(t, models.SessionStatusActive, s.Status)
}

func TestPauseSession_IsIdempotent(t *testing.T) {
	mgr, repos, _ := testManager(t)
	ctx := context.Background()
	swarmID := seedSwarmAndQueen(t, repos)
	s, err := mgr.Create(ctx, swarmID, "s", "obj", "")
	require.NoError(t, err)

	require.NoError(t, mgr.PauseSession(ctx, s.ID))

	var loaded models.Session
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, models.SessionStatusPaused, loaded.Status)
	require.NotNil(t, loaded.PausedAt)
	firstPausedAt := *loaded.PausedAt

	// second pause is a no-op: PausedAt must not move.
	require.NoError(t, mgr.PauseSession(ctx, s.ID))
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, firstPausedAt, *loaded.PausedAt)

	var swarm models.Swarm
	require.NoError(t, repos.Swarm().GetByID(ctx, swarmID, &swarm))
	require.Equal(t, models.SwarmStatusPaused, swarm.Status)
}

func TestResumeSession_ResetsNonQueenAgentsAndStampsResumedAt(t *testing.T) {
	mgr, repos, _ := testManager(t)
	ctx := context.Background()
	swarmID := seedSwarmAndQueen(t, repos)
	s, err := mgr.Create(ctx, swarmID, "s", "obj", "")
	require.NoError(t, err)
	require.NoError(t, mgr.PauseSession(ctx, s.ID))

	require.NoError(t, mgr.ResumeSession(ctx, s.ID))

	var loaded models.Session
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, models.SessionStatusActive, loaded.Status)
	require.NotNil(t, loaded.ResumedAt)
	require.Nil(t, loaded.PausedAt)

	var swarm models.Swarm
	require.NoError(t, repos.Swarm().GetByID(ctx, swarmID, &swarm))
	require.Equal(t, models.SwarmStatusActive, swarm.Status)

	agents, err := repos.Agent().GetBySwarm(ctx, swarmID)
	require.NoError(t, err)
	for _, a := range agents {
		if a.Role == models.AgentRoleQueen {
			require.Equal(t, models.AgentStatusActive, a.Status, "queen status must not be reset")
			continue
		}
		require.Equal(t, models.AgentStatusIdle, a.Status)
	}

	logs, err := mgr.GetSessionHistory(ctx, s.ID, 50, 0)
	require.NoError(t, err)
	found := false
	for _, l := range logs {
		if l.Message == "Session resumed" {
			found = true
		}
	}
	require.True(t, found, "expected a 'Session resumed' log entry")
}

func TestStopSession_IsIdempotentAndClearsChildPIDs(t *testing.T) {
	mgr, repos, _ := testManager(t)
	ctx := context.Background()
	swarmID := seedSwarmAndQueen(t, repos)
	s, err := mgr.Create(ctx, swarmID, "s", "obj", "")
	require.NoError(t, err)

	// use a PID guaranteed not to exist so Terminate fails gracefully and
	// is merely logged, never raised (§4.3 "best-effort").
	require.NoError(t, mgr.AddChildPid(ctx, s.ID, 999999))

	require.NoError(t, mgr.StopSession(ctx, s.ID))
	var loaded models.Session
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, models.SessionStatusStopped, loaded.Status)
	require.Empty(t, decodePIDs(loaded.ChildPIDs))

	// idempotent: stopping again must not error or resurrect PIDs.
	require.NoError(t, mgr.StopSession(ctx, s.ID))
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, models.SessionStatusStopped, loaded.Status)
	require.Empty(t, decodePIDs(loaded.ChildPIDs))
}

func TestRemoveChildPid_NoOpAfterClose(t *testing.T) {
	mgr, repos, _ := testManager(t)
	ctx := context.Background()
	swarmID := seedSwarmAndQueen(t, repos)
	s, err := mgr.Create(ctx, swarmID, "s", "obj", "")
	require.NoError(t, err)
	require.NoError(t, mgr.AddChildPid(ctx, s.ID, 4242))

	mgr.Close()
	require.NoError(t, mgr.RemoveChildPid(ctx, s.ID, 4242))

	var loaded models.Session
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, []int{4242}, decodePIDs(loaded.ChildPIDs), "removal after close must be a no-op")
}

func TestSaveCheckpoint_MirrorsFileAndOverwritesSessionData(t *testing.T) {
	mgr, repos, dataDir := testManager(t)
	ctx := context.Background()
	swarmID := seedSwarmAndQueen(t, repos)
	s, err := mgr.Create(ctx, swarmID, "s", "obj", "")
	require.NoError(t, err)

	require.NoError(t, mgr.SaveCheckpoint(ctx, s.ID, "auto-save-1", `{"k":"v"}`))

	var loaded models.Session
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, `{"k":"v"}`, loaded.CheckpointData)

	mirrored := filepath.Join(dataDir, "sessions", s.ID+"-auto-save-1.json")
	_, err = os.Stat(mirrored)
	require.NoError(t, err, "expected mirrored checkpoint JSON file on disk")

	cps, err := repos.Checkpoint().ListBySession(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, cps, 1)
}

func TestCleanupOrphanedProcesses_StopsSessionsWithDeadParent(t *testing.T) {
	mgr, repos, _ := testManager(t)
	ctx := context.Background()
	swarmID := seedSwarmAndQueen(t, repos)
	s, err := mgr.Create(ctx, swarmID, "s", "obj", "")
	require.NoError(t, err)

	// Force an unreachable parent PID.
	var loaded models.Session
	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	loaded.ParentPID = 999999
	require.NoError(t, repos.Session().Update(ctx, &loaded))

	n, err := mgr.CleanupOrphanedProcesses(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, repos.Session().GetByID(ctx, s.ID, &loaded))
	require.Equal(t, models.SessionStatusStopped, loaded.Status)
}

func TestArchiveSessions_UnsupportedInMemoryMode(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(logDiscard{})
	db, err := database.Open("file::memory:?cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repos := repositories.NewRepositoryManager(db.DB, logger, false)
	mgr := NewManager(repos, logger, t.TempDir(), true)

	n, err := mgr.ArchiveSessions(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
