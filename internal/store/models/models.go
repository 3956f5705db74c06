// Package models holds the GORM row types for the hive-mind schema (§3).
package models

import (
	"time"

	"github.com/google/uuid"
)

// QueenType is the strategy policy a swarm's queen follows.
type QueenType string

const (
	QueenTypeStrategic QueenType = "strategic"
	QueenTypeTactical  QueenType = "tactical"
	QueenTypeAdaptive  QueenType = "adaptive"
)

// SwarmStatus mirrors the lifecycle a swarm moves through alongside its session.
type SwarmStatus string

const (
	SwarmStatusActive    SwarmStatus = "active"
	SwarmStatusPaused    SwarmStatus = "paused"
	SwarmStatusStopped   SwarmStatus = "stopped"
	SwarmStatusCompleted SwarmStatus = "completed"
)

// Topology describes how agents within a swarm are wired for messaging.
type Topology string

const (
	TopologyMesh         Topology = "mesh"
	TopologyHierarchical Topology = "hierarchical"
	TopologyRing         Topology = "ring"
	TopologyStar         Topology = "star"
)

// AgentType is the specialization of a worker (or the queen itself).
type AgentType string

const (
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeResearcher  AgentType = "researcher"
	AgentTypeCoder       AgentType = "coder"
	AgentTypeAnalyst     AgentType = "analyst"
	AgentTypeTester      AgentType = "tester"
	AgentTypeArchitect   AgentType = "architect"
	AgentTypeReviewer    AgentType = "reviewer"
	AgentTypeOptimizer   AgentType = "optimizer"
	AgentTypeDocumenter  AgentType = "documenter"
)

// AgentRole distinguishes the single queen from the worker pool.
type AgentRole string

const (
	AgentRoleQueen  AgentRole = "queen"
	AgentRoleWorker AgentRole = "worker"
)

// AgentStatus is the live state of an agent within its swarm.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusActive  AgentStatus = "active"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskComplexity buckets the estimated difficulty of a task.
type TaskComplexity string

const (
	ComplexityLow    TaskComplexity = "low"
	ComplexityMedium TaskComplexity = "medium"
	ComplexityHigh   TaskComplexity = "high"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusCompleted SessionStatus = "completed"
)

// LogLevel is the severity of a session log row.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// MemoryType classifies a memory entry for TTL and compression purposes.
type MemoryType string

const (
	MemoryTypeKnowledge MemoryType = "knowledge"
	MemoryTypeContext   MemoryType = "context"
	MemoryTypeTask      MemoryType = "task"
	MemoryTypeResult    MemoryType = "result"
	MemoryTypeError     MemoryType = "error"
	MemoryTypeMetric    MemoryType = "metric"
	MemoryTypeConsensus MemoryType = "consensus"
	MemoryTypeSystem    MemoryType = "system"
)

// DecisionStatus tracks a consensus vote in progress or settled.
type DecisionStatus string

const (
	DecisionStatusVoting    DecisionStatus = "voting"
	DecisionStatusCompleted DecisionStatus = "completed"
)

// ConsensusAlgo selects the vote-tallying rule used by the consensus engine.
type ConsensusAlgo string

const (
	ConsensusMajority  ConsensusAlgo = "majority"
	ConsensusWeighted  ConsensusAlgo = "weighted"
	ConsensusByzantine ConsensusAlgo = "byzantine"
)

// MessageType is the envelope kind carried over the agent bus.
type MessageType string

const (
	MessageTypeCommand   MessageType = "command"
	MessageTypeQuery     MessageType = "query"
	MessageTypeResponse  MessageType = "response"
	MessageTypeBroadcast MessageType = "broadcast"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeConsensus MessageType = "consensus"
	MessageTypeTask      MessageType = "task"
	MessageTypeResult    MessageType = "result"
	MessageTypeError     MessageType = "error"
	MessageTypeSync      MessageType = "sync"
)

// Protocol is the fan-out strategy for a message envelope.
type Protocol string

const (
	ProtocolDirect     Protocol = "direct"
	ProtocolBroadcast  Protocol = "broadcast"
	ProtocolMulticast  Protocol = "multicast"
	ProtocolGossip     Protocol = "gossip"
	ProtocolConsensus  Protocol = "consensus"
)

// Swarm is a group of agents working one objective (§3).
type Swarm struct {
	ID        string      `gorm:"type:text;primaryKey" json:"id"`
	Name      string      `gorm:"not null" json:"name"`
	Objective string      `gorm:"not null" json:"objective"`
	QueenType QueenType   `gorm:"not null" json:"queen_type"`
	Status    SwarmStatus `gorm:"not null;index" json:"status"`
	Topology  Topology    `gorm:"not null" json:"topology"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TableName pins the GORM table name explicitly, following the teacher's convention.
func (Swarm) TableName() string { return "swarms" }

// Agent is a queen or worker bound to a swarm.
type Agent struct {
	ID              string     `gorm:"type:text;primaryKey" json:"id"`
	SwarmID         string     `gorm:"not null;index" json:"swarm_id"`
	Name            string     `gorm:"not null" json:"name"`
	Type            AgentType  `gorm:"not null" json:"type"`
	Role            AgentRole  `gorm:"not null" json:"role"`
	Status          AgentStatus `gorm:"not null;index" json:"status"`
	Capabilities    string     `json:"capabilities"` // comma-separated set<string>
	AvgTaskTimeMs   float64    `gorm:"default:0" json:"avg_task_time_ms"`
	SuccessRate     float64    `gorm:"default:0.5" json:"success_rate"`
	TasksCompleted  int        `gorm:"default:0" json:"tasks_completed"`
	FailureCount    int        `gorm:"default:0" json:"failure_count"`
	CurrentTaskID   *string    `json:"current_task_id"`
	SpawnedAt       time.Time  `json:"spawned_at"`
	LastSeen        time.Time  `json:"last_seen"`
}

func (Agent) TableName() string { return "agents" }

// Task is a unit of work assigned to (at most) one agent at a time.
type Task struct {
	ID                string         `gorm:"type:text;primaryKey" json:"id"`
	SwarmID           string         `gorm:"not null;index" json:"swarm_id"`
	AssignedAgentID   *string        `gorm:"index" json:"assigned_agent_id"`
	Description       string         `gorm:"not null" json:"description"`
	Priority          int            `gorm:"not null;default:5" json:"priority"`
	Status            TaskStatus     `gorm:"not null;index" json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at"`
	RetryCount        int            `gorm:"default:0" json:"retry_count"`
	Complexity        TaskComplexity `json:"complexity"`
	EstimatedDuration int64          `json:"estimated_duration_ms"`
	Result            *string        `json:"result"`
	Error             *string        `json:"error"`
}

func (Task) TableName() string { return "tasks" }

// Session binds a swarm to a resumable, checkpointed run.
type Session struct {
	ID                   string        `gorm:"type:text;primaryKey" json:"id"`
	SwarmID              string        `gorm:"not null;index" json:"swarm_id"`
	SwarmName            string        `gorm:"not null" json:"swarm_name"`
	Objective            string        `gorm:"not null" json:"objective"`
	Status               SessionStatus `gorm:"not null;index" json:"status"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	PausedAt             *time.Time    `json:"paused_at"`
	ResumedAt            *time.Time    `json:"resumed_at"`
	CompletionPercentage float64       `gorm:"default:0" json:"completion_percentage"`
	CheckpointData       string        `json:"checkpoint_data"`
	Metadata             string        `json:"metadata"`
	ParentPID            int           `json:"parent_pid"`
	ChildPIDs            string        `json:"child_pids"` // comma-separated int set
}

func (Session) TableName() string { return "sessions" }

// Checkpoint is an append-only named snapshot of session state.
type Checkpoint struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	SessionID string    `gorm:"not null;index" json:"session_id"`
	Name      string    `gorm:"not null" json:"name"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

func (Checkpoint) TableName() string { return "session_checkpoints" }

// SessionLog is an append-only audit row for session transitions and activity.
type SessionLog struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	SessionID string    `gorm:"not null;index" json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `gorm:"not null" json:"level"`
	Message   string    `gorm:"not null" json:"message"`
	AgentID   *string   `json:"agent_id"`
	Data      *string   `json:"data"`
}

func (SessionLog) TableName() string { return "session_logs" }

// MemoryEntry is a namespaced, typed, TTL-aware key/value row (§3, §4.2).
type MemoryEntry struct {
	Namespace   string     `gorm:"type:text;primaryKey;column:namespace" json:"namespace"`
	Key         string     `gorm:"type:text;primaryKey;column:key" json:"key"`
	Value       []byte     `json:"value"`
	Type        MemoryType `gorm:"not null;index" json:"type"`
	Confidence  float64    `gorm:"default:1" json:"confidence"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AccessedAt  time.Time  `gorm:"index" json:"accessed_at"`
	AccessCount int64      `gorm:"default:0" json:"access_count"`
	Compressed  bool       `gorm:"default:false" json:"compressed"`
	SizeBytes   int64      `json:"size_bytes"`
	Version     int64      `gorm:"default:1" json:"version"`
}

func (MemoryEntry) TableName() string { return "memory_entries" }

// Decision is a consensus vote record (§3, §4.7).
type Decision struct {
	ID         string         `gorm:"type:text;primaryKey" json:"id"`
	SwarmID    string         `gorm:"not null;index" json:"swarm_id"`
	Topic      string         `gorm:"not null" json:"topic"`
	Options    string         `json:"options"` // JSON-encoded []string
	Votes      string         `json:"votes"`   // JSON-encoded map[string]string
	Algorithm  ConsensusAlgo  `gorm:"not null" json:"algorithm"`
	Confidence float64        `json:"confidence"`
	Result     *string        `json:"result"`
	Status     DecisionStatus `gorm:"not null" json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Decision) TableName() string { return "decisions" }

// NewID returns a fresh opaque string identifier. Entities use UUIDv4,
// stored as plain text since the schema is backend-agnostic (sqlite or
// in-memory fallback, §4.1).
func NewID() string {
	return uuid.New().String()
}
