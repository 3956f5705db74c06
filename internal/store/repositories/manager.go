package repositories

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RepositoryManagerImpl wires every repository plus shared
// transaction/cache infrastructure, following the teacher's manager.go
// pattern but scoped to the hive-mind schema (§3).
type RepositoryManagerImpl struct {
	db                 *gorm.DB
	logger             *logrus.Logger
	cache              CacheManager
	transactionManager *TransactionManagerImpl

	swarmRepo      SwarmRepository
	agentRepo      AgentRepository
	taskRepo       TaskRepository
	sessionRepo    SessionRepository
	checkpointRepo CheckpointRepository
	sessionLogRepo SessionLogRepository
	memoryRepo     MemoryRepository
	decisionRepo   DecisionRepository
}

// NewRepositoryManager creates a repository manager bound to db.
func NewRepositoryManager(db *gorm.DB, logger *logrus.Logger, enableCache bool) RepositoryManager {
	var cache CacheManager
	if enableCache {
		cache = NewInMemoryCacheManager(logger)
	} else {
		cache = NewNoCacheManager()
	}

	rm := &RepositoryManagerImpl{
		db:                 db,
		logger:             logger,
		cache:              cache,
		transactionManager: NewTransactionManager(db, logger),
	}
	rm.initializeRepositories()
	return rm
}

func (rm *RepositoryManagerImpl) initializeRepositories() {
	rm.swarmRepo = NewSwarmRepository(rm.db, rm.logger, rm.cache)
	rm.agentRepo = NewAgentRepository(rm.db, rm.logger, rm.cache)
	rm.taskRepo = NewTaskRepository(rm.db, rm.logger, rm.cache)
	rm.sessionRepo = NewSessionRepository(rm.db, rm.logger, rm.cache)
	rm.checkpointRepo = NewCheckpointRepository(rm.db, rm.logger)
	rm.sessionLogRepo = NewSessionLogRepository(rm.db, rm.logger)
	rm.memoryRepo = NewMemoryRepository(rm.db, rm.logger)
	rm.decisionRepo = NewDecisionRepository(rm.db, rm.logger)
}

func (rm *RepositoryManagerImpl) Swarm() SwarmRepository           { return rm.swarmRepo }
func (rm *RepositoryManagerImpl) Agent() AgentRepository           { return rm.agentRepo }
func (rm *RepositoryManagerImpl) Task() TaskRepository             { return rm.taskRepo }
func (rm *RepositoryManagerImpl) Session() SessionRepository       { return rm.sessionRepo }
func (rm *RepositoryManagerImpl) Checkpoint() CheckpointRepository { return rm.checkpointRepo }
func (rm *RepositoryManagerImpl) SessionLog() SessionLogRepository { return rm.sessionLogRepo }
func (rm *RepositoryManagerImpl) Memory() MemoryRepository         { return rm.memoryRepo }
func (rm *RepositoryManagerImpl) Decision() DecisionRepository     { return rm.decisionRepo }

func (rm *RepositoryManagerImpl) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return rm.transactionManager.WithTransaction(ctx, fn)
}

func (rm *RepositoryManagerImpl) Health() error {
	sqlDB, err := rm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (rm *RepositoryManagerImpl) GetDB() *gorm.DB { return rm.db }

func (rm *RepositoryManagerImpl) Close() error {
	sqlDB, err := rm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}
