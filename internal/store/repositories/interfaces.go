package repositories

import (
	"context"
	"time"

	"github.com/hivemind/coordinator/internal/store/models"
	"gorm.io/gorm"
)

// Pagination represents pagination parameters
type Pagination struct {
	Page     int    `json:"page" form:"page"`
	PageSize int    `json:"page_size" form:"page_size"`
	Sort     string `json:"sort" form:"sort"`
	Order    string `json:"order" form:"order"`
}

// PaginationResult represents paginated results
type PaginationResult struct {
	Data       interface{} `json:"data"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// Filter represents generic filtering options
type Filter map[string]interface{}

// TransactionManager manages database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	BeginTransaction(ctx context.Context) (context.Context, error)
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error
}

// CacheManager manages caching operations
type CacheManager interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, pattern string) error
	SetMany(ctx context.Context, items map[string]interface{}, expiration time.Duration) error
	GetMany(ctx context.Context, keys []string) (map[string]interface{}, error)
}

// BaseRepository defines common repository operations shared by every entity.
type BaseRepository interface {
	Create(ctx context.Context, entity interface{}) error
	GetByID(ctx context.Context, id string, entity interface{}) error
	Update(ctx context.Context, entity interface{}) error
	Delete(ctx context.Context, id string, entity interface{}) error
	List(ctx context.Context, entities interface{}, filters Filter) error
	ListWithPagination(ctx context.Context, entities interface{}, pagination Pagination, filters Filter) (*PaginationResult, error)
	Count(ctx context.Context, entity interface{}, filters Filter) (int64, error)
	Exists(ctx context.Context, id string, entity interface{}) (bool, error)
}

// SwarmRepository persists swarm rows.
type SwarmRepository interface {
	BaseRepository
	GetByStatus(ctx context.Context, status models.SwarmStatus) ([]models.Swarm, error)
	UpdateStatus(ctx context.Context, id string, status models.SwarmStatus) error
}

// AgentRepository persists agent rows.
type AgentRepository interface {
	BaseRepository
	GetBySwarm(ctx context.Context, swarmID string) ([]models.Agent, error)
	GetQueen(ctx context.Context, swarmID string) (*models.Agent, error)
	GetIdleBySwarm(ctx context.Context, swarmID string) ([]models.Agent, error)
	UpdateStatus(ctx context.Context, id string, status models.AgentStatus) error
}

// TaskRepository persists task rows.
type TaskRepository interface {
	BaseRepository
	GetBySwarm(ctx context.Context, swarmID string) ([]models.Task, error)
	GetPending(ctx context.Context, swarmID string) ([]models.Task, error)
	GetByStatus(ctx context.Context, swarmID string, status models.TaskStatus) ([]models.Task, error)
}

// SessionRepository persists session rows.
type SessionRepository interface {
	BaseRepository
	GetBySwarm(ctx context.Context, swarmID string) (*models.Session, error)
	GetNonTerminal(ctx context.Context) ([]models.Session, error)
}

// CheckpointRepository persists append-only checkpoints.
type CheckpointRepository interface {
	Create(ctx context.Context, cp *models.Checkpoint) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Checkpoint, error)
}

// SessionLogRepository persists append-only session log rows.
type SessionLogRepository interface {
	Create(ctx context.Context, entry *models.SessionLog) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]models.SessionLog, error)
}

// MemoryRepository persists collective-memory rows (§4.1 hot path).
type MemoryRepository interface {
	Upsert(ctx context.Context, entry *models.MemoryEntry) error
	Retrieve(ctx context.Context, namespace, key string) (*models.MemoryEntry, error)
	SearchLike(ctx context.Context, namespace, pattern string, limit int) ([]models.MemoryEntry, error)
	UpdateAccess(ctx context.Context, namespace, key string) error
	Delete(ctx context.Context, namespace, key string) error
	DeleteExpiredByType(ctx context.Context, memType models.MemoryType, olderThan time.Time) (int64, error)
	LeastRecentlyAccessed(ctx context.Context, limit int, excludeTypes []models.MemoryType) ([]models.MemoryEntry, error)
}

// DecisionRepository persists consensus decision rows.
type DecisionRepository interface {
	Create(ctx context.Context, d *models.Decision) error
	Update(ctx context.Context, d *models.Decision) error
	GetByID(ctx context.Context, id string) (*models.Decision, error)
}

// RepositoryManager wires every repository plus shared transaction/cache
// infrastructure, following the teacher's manager.go pattern.
type RepositoryManager interface {
	Swarm() SwarmRepository
	Agent() AgentRepository
	Task() TaskRepository
	Session() SessionRepository
	Checkpoint() CheckpointRepository
	SessionLog() SessionLogRepository
	Memory() MemoryRepository
	Decision() DecisionRepository

	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Health() error
	GetDB() *gorm.DB
	Close() error
}
