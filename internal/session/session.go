// Package session implements the session lifecycle manager (§4.3): the
// session/checkpoint/log tables, child-PID tracking, and the
// pause/resume/stop state machine a swarm's run is bound to.
//
// The lifecycle itself follows the teacher's coordinator.go shutdown
// pattern (explicit state, mutex-guarded, idempotent stop), generalized
// from a single in-process coordinator to a durable, resumable record.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/errs"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

// ProcessInfo pairs a session row with the subset of its tracked child
// PIDs that are still alive (§4.3 getActiveSessionsWithProcessInfo).
type ProcessInfo struct {
	Session        models.Session
	AliveChildPIDs []int
}

// Manager owns the session table and its append-only logs/checkpoints.
type Manager struct {
	repos    repositories.RepositoryManager
	logger   *logrus.Logger
	dataDir  string
	inMemory bool

	mu     sync.Mutex
	closed bool
}

// NewManager wires a session Manager over the shared repository
// manager. dataDir is the `.hive-mind` working directory (§6.1);
// inMemory disables archiveSessions per §4.3.
func NewManager(repos repositories.RepositoryManager, logger *logrus.Logger, dataDir string, inMemory bool) *Manager {
	return &Manager{repos: repos, logger: logger, dataDir: dataDir, inMemory: inMemory}
}

func (m *Manager) sessionsDir() string { return filepath.Join(m.dataDir, "sessions") }
func (m *Manager) archiveDir() string  { return filepath.Join(m.dataDir, "archive") }

// Terminate sends a child process the requested signal: SIGTERM when
// graceful, SIGKILL otherwise. It satisfies autosave.ChildTerminator
// (§4.4 step 3 "propagates termination to child processes with a grace
// period before forceful kill"), letting the auto-save shutdown
// sequence drive this package's own process helpers without exporting
// them individually.
func (m *Manager) Terminate(pid int, graceful bool) error {
	if graceful {
		return terminateProcess(pid)
	}
	return killProcess(pid)
}

// Close marks the manager closed; subsequent RemoveChildPid calls
// become warned no-ops (§4.3 "after store close the removal is a
// no-op with a warning").
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Create starts a new session bound to swarmID (§4.3 create()).
func (m *Manager) Create(ctx context.Context, swarmID, swarmName, objective, metadata string) (*models.Session, error) {
	now := time.Now()
	s := &models.Session{
		ID:        models.NewID(),
		SwarmID:   swarmID,
		SwarmName: swarmName,
		Objective: objective,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
		ParentPID: os.Getpid(),
	}
	if err := m.repos.Session().Create(ctx, s); err != nil {
		return nil, errs.New(errs.KindStoreOp, "create session", true, err)
	}
	m.log(ctx, s.ID, models.LogLevelInfo, "session created", nil, nil)
	return s, nil
}

// SaveCheckpoint appends a checkpoint row, overwrites the session's
// current checkpoint_data, and mirrors the payload to a JSON file
// under sessions/ for disaster recovery (§4.3 saveCheckpoint).
func (m *Manager) SaveCheckpoint(ctx context.Context, sessionID, name, data string) error {
	cp := &models.Checkpoint{
		ID:        models.NewID(),
		SessionID: sessionID,
		Name:      name,
		Data:      data,
		CreatedAt: time.Now(),
	}
	if err := m.repos.Checkpoint().Create(ctx, cp); err != nil {
		return errs.New(errs.KindStoreOp, "create checkpoint", true, err)
	}

	var s models.Session
	if err := m.repos.Session().GetByID(ctx, sessionID, &s); err != nil {
		return errs.New(errs.KindSessionNotFound, "load session for checkpoint", false, err)
	}
	s.CheckpointData = data
	s.UpdatedAt = time.Now()
	if err := m.repos.Session().Update(ctx, &s); err != nil {
		return errs.New(errs.KindStoreOp, "update session checkpoint data", true, err)
	}

	if err := m.mirrorCheckpointFile(sessionID, name, data); err != nil {
		m.logger.WithError(err).WithField("session_id", sessionID).Warn("failed to mirror checkpoint file")
	}

	m.log(ctx, sessionID, models.LogLevelInfo, fmt.Sprintf("checkpoint %q saved", name), nil, nil)
	return nil
}

func (m *Manager) mirrorCheckpointFile(sessionID, name, data string) error {
	if err := os.MkdirAll(m.sessionsDir(), 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.sessionsDir(), fmt.Sprintf("%s-%s.json", sessionID, name))
	payload, err := json.Marshal(map[string]string{"session_id": sessionID, "name": name, "data": data})
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

// AddChildPid records a supervised child process on the session row.
func (m *Manager) AddChildPid(ctx context.Context, sessionID string, pid int) error {
	var s models.Session
	if err := m.repos.Session().GetByID(ctx, sessionID, &s); err != nil {
		return errs.New(errs.KindSessionNotFound, "load session", false, err)
	}
	pids := decodePIDs(s.ChildPIDs)
	for _, p := range pids {
		if p == pid {
			return nil
		}
	}
	pids = append(pids, pid)
	s.ChildPIDs = encodePIDs(pids)
	s.UpdatedAt = time.Now()
	return m.repos.Session().Update(ctx, &s)
}

// RemoveChildPid drops a PID from the tracked set. Once the manager is
// closed this becomes a warned no-op rather than an error (§4.3).
func (m *Manager) RemoveChildPid(ctx context.Context, sessionID string, pid int) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.logger.WithField("session_id", sessionID).Warn("removeChildPid called after store close, ignoring")
		return nil
	}

	var s models.Session
	if err := m.repos.Session().GetByID(ctx, sessionID, &s); err != nil {
		return errs.New(errs.KindSessionNotFound, "load session", false, err)
	}
	pids := decodePIDs(s.ChildPIDs)
	out := pids[:0]
	for _, p := range pids {
		if p != pid {
			out = append(out, p)
		}
	}
	s.ChildPIDs = encodePIDs(out)
	s.UpdatedAt = time.Now()
	return m.repos.Session().Update(ctx, &s)
}

// PauseSession transitions active→paused, pairing the swarm status
// update in one transaction. Idempotent: pausing an already-paused
// session is a no-op (§8 "pause(s); pause(s) ≡ pause(s)").
func (m *Manager) PauseSession(ctx context.Context, sessionID string) error {
	return m.repos.WithTransaction(ctx, func(ctx context.Context) error {
		var s models.Session
		if err := m.repos.Session().GetByID(ctx, sessionID, &s); err != nil {
			return errs.New(errs.KindSessionNotFound, "load session", false, err)
		}
		if s.Status == models.SessionStatusPaused {
			return nil
		}
		now := time.Now()
		s.Status = models.SessionStatusPaused
		s.PausedAt = &now
		s.UpdatedAt = now
		if err := m.repos.Session().Update(ctx, &s); err != nil {
			return errs.New(errs.KindStoreOp, "pause session", true, err)
		}
		if err := m.repos.Swarm().UpdateStatus(ctx, s.SwarmID, models.SwarmStatusPaused); err != nil {
			return errs.New(errs.KindStoreOp, "pause swarm", true, err)
		}
		m.log(ctx, sessionID, models.LogLevelInfo, "session paused", nil, nil)
		return nil
	})
}

// StopSession transitions {active,paused}→stopped, best-effort
// terminates tracked children, and clears the child PID set. Idempotent
// (§8 "stop(s); stop(s) ≡ stop(s) AND leaves no alive tracked child
// PIDs").
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	return m.repos.WithTransaction(ctx, func(ctx context.Context) error {
		var s models.Session
		if err := m.repos.Session().GetByID(ctx, sessionID, &s); err != nil {
			return errs.New(errs.KindSessionNotFound, "load session", false, err)
		}

		for _, pid := range decodePIDs(s.ChildPIDs) {
			if err := terminateProcess(pid); err != nil {
				m.logger.WithError(err).WithField("pid", pid).Warn("failed to terminate child process")
			}
		}

		if s.Status == models.SessionStatusStopped {
			s.ChildPIDs = ""
			return m.repos.Session().Update(ctx, &s)
		}

		s.Status = models.SessionStatusStopped
		s.ChildPIDs = ""
		s.UpdatedAt = time.Now()
		if err := m.repos.Session().Update(ctx, &s); err != nil {
			return errs.New(errs.KindStoreOp, "stop session", true, err)
		}
		if err := m.repos.Swarm().UpdateStatus(ctx, s.SwarmID, models.SwarmStatusStopped); err != nil {
			return errs.New(errs.KindStoreOp, "stop swarm", true, err)
		}
		m.log(ctx, sessionID, models.LogLevelInfo, "session stopped", nil, nil)
		return nil
	})
}

// ResumeSession restarts a paused or stopped session: sets a fresh
// resumed_at, flips session and swarm back to active, and resets every
// non-queen agent to idle (§4.3).
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) error {
	return m.repos.WithTransaction(ctx, func(ctx context.Context) error {
		var s models.Session
		if err := m.repos.Session().GetByID(ctx, sessionID, &s); err != nil {
			return errs.New(errs.KindSessionNotFound, "load session", false, err)
		}

		now := time.Now()
		s.Status = models.SessionStatusActive
		s.ResumedAt = &now
		s.PausedAt = nil
		s.UpdatedAt = now
		if err := m.repos.Session().Update(ctx, &s); err != nil {
			return errs.New(errs.KindStoreOp, "resume session", true, err)
		}
		if err := m.repos.Swarm().UpdateStatus(ctx, s.SwarmID, models.SwarmStatusActive); err != nil {
			return errs.New(errs.KindStoreOp, "resume swarm", true, err)
		}

		agents, err := m.repos.Agent().GetBySwarm(ctx, s.SwarmID)
		if err != nil {
			return errs.New(errs.KindStoreOp, "load swarm agents", true, err)
		}
		for _, a := range agents {
			if a.Role == models.AgentRoleQueen {
				continue
			}
			if err := m.repos.Agent().UpdateStatus(ctx, a.ID, models.AgentStatusIdle); err != nil {
				return errs.New(errs.KindStoreOp, "reset agent status", true, err)
			}
		}

		m.log(ctx, sessionID, models.LogLevelInfo, "Session resumed", nil, nil)
		return nil
	})
}

// GetActiveSessionsWithProcessInfo lists non-terminal sessions with
// their tracked child PIDs filtered to those actually alive.
func (m *Manager) GetActiveSessionsWithProcessInfo(ctx context.Context) ([]ProcessInfo, error) {
	sessions, err := m.repos.Session().GetNonTerminal(ctx)
	if err != nil {
		return nil, errs.New(errs.KindStoreOp, "list non-terminal sessions", true, err)
	}
	out := make([]ProcessInfo, 0, len(sessions))
	for _, s := range sessions {
		alive := make([]int, 0)
		for _, pid := range decodePIDs(s.ChildPIDs) {
			if processAlive(pid) {
				alive = append(alive, pid)
			}
		}
		out = append(out, ProcessInfo{Session: s, AliveChildPIDs: alive})
	}
	return out, nil
}

// CleanupOrphanedProcesses stops any active/paused session whose
// parent process is no longer alive, returning the count transitioned
// (§4.3, §8 "cleanup pass will transition s to stopped").
func (m *Manager) CleanupOrphanedProcesses(ctx context.Context) (int, error) {
	sessions, err := m.repos.Session().GetNonTerminal(ctx)
	if err != nil {
		return 0, errs.New(errs.KindStoreOp, "list non-terminal sessions", true, err)
	}
	count := 0
	for _, s := range sessions {
		if processAlive(s.ParentPID) {
			continue
		}
		if err := m.StopSession(ctx, s.ID); err != nil {
			m.logger.WithError(err).WithField("session_id", s.ID).Warn("failed to stop orphaned session")
			continue
		}
		count++
	}
	return count, nil
}

// ArchiveSessions dumps completed sessions older than daysOld to disk
// and removes their row from the hot table. Returns 0 unsupported in
// in-memory mode, where there is no durable sessions directory to
// recover the dump from after restart (§4.3).
func (m *Manager) ArchiveSessions(ctx context.Context, daysOld int) (int, error) {
	if m.inMemory {
		return 0, nil
	}
	if daysOld <= 0 {
		daysOld = 30
	}
	cutoff := time.Now().AddDate(0, 0, -daysOld)

	var completed []models.Session
	if err := m.repos.Session().List(ctx, &completed, repositories.Filter{"status": models.SessionStatusCompleted}); err != nil {
		return 0, errs.New(errs.KindStoreOp, "list completed sessions", true, err)
	}

	if err := os.MkdirAll(m.archiveDir(), 0o755); err != nil {
		return 0, errs.New(errs.KindStoreOp, "create archive directory", false, err)
	}

	archived := 0
	for _, s := range completed {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		logs, _ := m.repos.SessionLog().ListBySession(ctx, s.ID, 0, 0)
		checkpoints, _ := m.repos.Checkpoint().ListBySession(ctx, s.ID, 0)
		dump, err := json.Marshal(map[string]interface{}{
			"session":     s,
			"logs":        logs,
			"checkpoints": checkpoints,
		})
		if err != nil {
			m.logger.WithError(err).WithField("session_id", s.ID).Warn("failed to marshal session archive")
			continue
		}
		path := filepath.Join(m.archiveDir(), s.ID+".json")
		if err := os.WriteFile(path, dump, 0o644); err != nil {
			m.logger.WithError(err).WithField("session_id", s.ID).Warn("failed to write session archive")
			continue
		}
		if err := m.repos.Session().Delete(ctx, s.ID, &models.Session{}); err != nil {
			m.logger.WithError(err).WithField("session_id", s.ID).Warn("failed to delete archived session")
			continue
		}
		archived++
	}
	return archived, nil
}

// GetSessionHistory returns a page of a session's append-only log rows,
// most recent first (supplemental read surface alongside §4.3).
func (m *Manager) GetSessionHistory(ctx context.Context, sessionID string, limit, offset int) ([]models.SessionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.repos.SessionLog().ListBySession(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, errs.New(errs.KindStoreOp, "list session logs", true, err)
	}
	return rows, nil
}

// LogEvent writes a session_logs row directly, for collaborators (such
// as the auto-save middleware) that need to record events this manager
// didn't itself generate.
func (m *Manager) LogEvent(ctx context.Context, sessionID string, level models.LogLevel, message string, agentID, data *string) {
	m.log(ctx, sessionID, level, message, agentID, data)
}

func (m *Manager) log(ctx context.Context, sessionID string, level models.LogLevel, message string, agentID, data *string) {
	entry := &models.SessionLog{
		ID:        models.NewID(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		AgentID:   agentID,
		Data:      data,
	}
	if err := m.repos.SessionLog().Create(ctx, entry); err != nil {
		m.logger.WithError(err).WithField("session_id", sessionID).Warn("failed to write session log")
	}
}
