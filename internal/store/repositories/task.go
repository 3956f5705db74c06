package repositories

import (
	"context"
	"fmt"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TaskRepositoryImpl implements TaskRepository.
type TaskRepositoryImpl struct {
	*BaseRepositoryImpl
}

// NewTaskRepository creates a new task repository instance.
func NewTaskRepository(db *gorm.DB, logger *logrus.Logger, cache CacheManager) TaskRepository {
	return &TaskRepositoryImpl{BaseRepositoryImpl: NewBaseRepository(db, logger, cache)}
}

// GetBySwarm retrieves every task belonging to a swarm, newest first.
func (r *TaskRepositoryImpl) GetBySwarm(ctx context.Context, swarmID string) ([]models.Task, error) {
	db := r.getDB(ctx)
	var tasks []models.Task
	if err := db.Where("swarm_id = ?", swarmID).Order("created_at desc").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to get tasks by swarm: %w", err)
	}
	return tasks, nil
}

// GetPending retrieves tasks awaiting assignment for a swarm, highest
// priority first (§4.6 assignment is opportunistic, not reserved).
func (r *TaskRepositoryImpl) GetPending(ctx context.Context, swarmID string) ([]models.Task, error) {
	return r.GetByStatus(ctx, swarmID, models.TaskStatusPending)
}

// GetByStatus retrieves tasks in a given status for a swarm.
func (r *TaskRepositoryImpl) GetByStatus(ctx context.Context, swarmID string, status models.TaskStatus) ([]models.Task, error) {
	db := r.getDB(ctx)
	var tasks []models.Task
	err := db.Where("swarm_id = ? AND status = ?", swarmID, status).
		Order("priority desc, created_at asc").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get tasks by status: %w", err)
	}
	return tasks, nil
}
