package repositories

import (
	"context"
	"fmt"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AgentRepositoryImpl implements AgentRepository
type AgentRepositoryImpl struct {
	*BaseRepositoryImpl
}

// NewAgentRepository creates a new agent repository instance
func NewAgentRepository(db *gorm.DB, logger *logrus.Logger, cache CacheManager) AgentRepository {
	return &AgentRepositoryImpl{BaseRepositoryImpl: NewBaseRepository(db, logger, cache)}
}

// GetBySwarm retrieves every agent belonging to a swarm.
func (r *AgentRepositoryImpl) GetBySwarm(ctx context.Context, swarmID string) ([]models.Agent, error) {
	db := r.getDB(ctx)
	var agents []models.Agent
	if err := db.Where("swarm_id = ?", swarmID).Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to get agents by swarm: %w", err)
	}
	return agents, nil
}

// GetQueen retrieves the single queen agent for a swarm.
func (r *AgentRepositoryImpl) GetQueen(ctx context.Context, swarmID string) (*models.Agent, error) {
	db := r.getDB(ctx)
	var agent models.Agent
	err := db.Where("swarm_id = ? AND role = ?", swarmID, models.AgentRoleQueen).First(&agent).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("no queen found for swarm %s", swarmID)
		}
		return nil, fmt.Errorf("failed to get queen: %w", err)
	}
	return &agent, nil
}

// GetIdleBySwarm retrieves candidate workers for assignment (§4.6 step 1).
func (r *AgentRepositoryImpl) GetIdleBySwarm(ctx context.Context, swarmID string) ([]models.Agent, error) {
	db := r.getDB(ctx)
	var agents []models.Agent
	err := db.Where("swarm_id = ? AND status = ? AND role = ?", swarmID, models.AgentStatusIdle, models.AgentRoleWorker).
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get idle agents: %w", err)
	}
	return agents, nil
}

// UpdateStatus transitions an agent's status field.
func (r *AgentRepositoryImpl) UpdateStatus(ctx context.Context, id string, status models.AgentStatus) error {
	db := r.getDB(ctx)
	if err := db.Model(&models.Agent{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return nil
}
