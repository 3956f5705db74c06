// Package autosave implements the auto-save middleware (§4.4): it
// batches high-frequency state-change events into durable checkpoints
// without blocking whichever component reported the change, and
// drives the signal-triggered graceful shutdown sequence.
//
// The pending-change buffer and flush-on-trigger-or-timer shape
// follows the same structure as internal/memory's write-behind queue,
// generalized to carry statistics instead of raw rows, and the
// shutdown sequence mirrors the teacher's cmd/server/main.go signal
// handling (SIGINT/SIGTERM → bounded graceful Stop).
package autosave

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/session"
	"github.com/hivemind/coordinator/internal/store/models"
)

// ChangeType is the kind of state change recorded by the middleware.
type ChangeType string

const (
	ChangeTaskCreated      ChangeType = "task_created"
	ChangeTaskAssigned     ChangeType = "task_assigned"
	ChangeTaskCompleted    ChangeType = "task_completed"
	ChangeTaskFailed       ChangeType = "task_failed"
	ChangeAgentSpawned     ChangeType = "agent_spawned"
	ChangeAgentIdle        ChangeType = "agent_idle"
	ChangeMemoryUpdated    ChangeType = "memory_updated"
	ChangeConsensusReached ChangeType = "consensus_reached"
)

// immediateFlush are the change types that skip the periodic timer
// and flush as soon as they're recorded (§4.4).
var immediateFlush = map[ChangeType]bool{
	ChangeTaskCompleted:    true,
	ChangeAgentSpawned:     true,
	ChangeConsensusReached: true,
}

// Change is one pending state-change event.
type Change struct {
	Type      ChangeType
	Data      map[string]interface{}
	Timestamp time.Time
}

// Statistics summarizes a flush's accumulated changes (§4.4).
type Statistics struct {
	TasksProcessed       int
	TasksCompleted       int
	MemoryUpdates        int
	AgentActivities      int
	ConsensusDecisions   int
	CompletionPercentage float64
}

// ChildTerminator abstracts sending a signal to a supervised child
// process, so the shutdown sequence can drive it without depending on
// the OS directly (kept separate for testability).
type ChildTerminator func(pid int, graceful bool) error

// Config mirrors §4.4's configuration knobs.
type Config struct {
	SaveInterval time.Duration
	AutoStart    bool
}

// DefaultConfig matches §4.4's stated defaults.
var DefaultConfig = Config{SaveInterval: 30 * time.Second, AutoStart: true}

// Middleware batches Change events into periodic or trigger-driven
// checkpoints and installs the termination-signal shutdown sequence.
type Middleware struct {
	cfg       Config
	sessions  *session.Manager
	logger    *logrus.Logger
	sessionID string
	childPIDs func() []int
	terminate ChildTerminator

	mu       sync.Mutex
	pending  []Change
	stopped  bool
	stopOnce sync.Once
	timer    *time.Ticker
	cancel   context.CancelFunc
	flushSig chan struct{}
	done     chan struct{}
}

// New constructs the middleware for one session. childPIDs returns the
// session's current supervised PIDs at shutdown time; terminate sends a
// signal to one of them.
func New(cfg Config, sessions *session.Manager, logger *logrus.Logger, sessionID string, childPIDs func() []int, terminate ChildTerminator) *Middleware {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultConfig.SaveInterval
	}
	return &Middleware{
		cfg:       cfg,
		sessions:  sessions,
		logger:    logger,
		sessionID: sessionID,
		childPIDs: childPIDs,
		terminate: terminate,
		flushSig:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the periodic-flush loop (a no-op if !AutoStart) and
// installs the termination-signal handler.
func (m *Middleware) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.cfg.AutoStart {
		m.timer = time.NewTicker(m.cfg.SaveInterval)
		go m.loop(ctx)
	}

	go m.watchSignals(ctx)
}

func (m *Middleware) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.timer.C:
			m.flush(ctx, "auto-save")
		case <-m.flushSig:
			m.flush(ctx, "auto-save")
		}
	}
}

// RecordChange enqueues a state change. Changes in the immediate-flush
// set trigger a flush right away; everything else waits for the timer
// (§4.4 "Triggers for immediate flush").
func (m *Middleware) RecordChange(ctx context.Context, typ ChangeType, data map[string]interface{}) {
	m.mu.Lock()
	m.pending = append(m.pending, Change{Type: typ, Data: data, Timestamp: time.Now()})
	trigger := immediateFlush[typ]
	m.mu.Unlock()

	if trigger {
		select {
		case m.flushSig <- struct{}{}:
		default:
			m.flush(ctx, "auto-save")
		}
	}
}

// flush computes changesByType and statistics, writes a single
// checkpoint plus one session_logs row per change (§4.4).
func (m *Middleware) flush(ctx context.Context, label string) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	changesByType := make(map[ChangeType][]Change, len(batch))
	stats := Statistics{}
	for _, c := range batch {
		changesByType[c.Type] = append(changesByType[c.Type], c)
		switch c.Type {
		case ChangeTaskCreated, ChangeTaskAssigned, ChangeTaskCompleted, ChangeTaskFailed:
			stats.TasksProcessed++
			if c.Type == ChangeTaskCompleted {
				stats.TasksCompleted++
			}
		case ChangeMemoryUpdated:
			stats.MemoryUpdates++
		case ChangeAgentSpawned, ChangeAgentIdle:
			stats.AgentActivities++
		case ChangeConsensusReached:
			stats.ConsensusDecisions++
		}
	}
	if stats.TasksProcessed > 0 {
		stats.CompletionPercentage = roundPercent(float64(stats.TasksCompleted) / float64(stats.TasksProcessed) * 100)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"changes_by_type": changesByType,
		"statistics":      stats,
	})
	if err != nil {
		m.logger.WithError(err).Error("failed to marshal auto-save checkpoint payload")
		return
	}

	name := fmt.Sprintf("%s-%d", label, time.Now().UnixMilli())
	if err := m.sessions.SaveCheckpoint(ctx, m.sessionID, name, string(payload)); err != nil {
		m.logger.WithError(err).Error("auto-save checkpoint write failed")
		return
	}

	for _, c := range batch {
		data, _ := json.Marshal(c.Data)
		dataStr := string(data)
		m.sessions.LogEvent(ctx, m.sessionID, models.LogLevelInfo, string(c.Type), nil, &dataStr)
	}
}

func roundPercent(v float64) float64 {
	return float64(int(v + 0.5))
}

// watchSignals installs SIGINT/SIGTERM handlers implementing §4.4's
// five-step shutdown sequence. The middleware is the sole owner of
// these signals for the process: a caller that also wants to know when
// shutdown has happened (e.g. a CLI command waiting to exit) should
// block on Done() rather than installing its own signal.Notify, since
// Go delivers a caught signal to every registered channel and a second
// independent handler would race this one.
func (m *Middleware) watchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		signal.Stop(sigCh)
		return
	case <-sigCh:
		m.Shutdown(context.Background())
	}
}

// Shutdown runs the §4.4 termination sequence: stop the timer, flush
// once (guarded against re-entry), terminate children gracefully then
// forcefully, transition the session to stopped, and return so the
// caller can close the store and exit 0.
func (m *Middleware) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		defer close(m.done)

		if m.timer != nil {
			m.timer.Stop()
		}
		if m.cancel != nil {
			m.cancel()
		}

		m.flush(ctx, "auto-save-shutdown")

		if m.childPIDs != nil && m.terminate != nil {
			for _, pid := range m.childPIDs() {
				_ = m.terminate(pid, true)
			}
			time.Sleep(200 * time.Millisecond)
			for _, pid := range m.childPIDs() {
				_ = m.terminate(pid, false)
			}
		}

		if err := m.sessions.StopSession(ctx, m.sessionID); err != nil {
			m.logger.WithError(err).Warn("failed to stop session during shutdown")
		}

		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
	})
}

// Stopped reports whether Shutdown has already run.
func (m *Middleware) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Done returns a channel that's closed once Shutdown has completed,
// whether triggered by an OS signal caught in watchSignals or called
// directly. Callers that need to know when the termination sequence
// has finished (§4.4) should wait on this instead of installing their
// own signal handler.
func (m *Middleware) Done() <-chan struct{} {
	return m.done
}
