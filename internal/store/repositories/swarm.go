package repositories

import (
	"context"
	"fmt"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SwarmRepositoryImpl implements SwarmRepository.
type SwarmRepositoryImpl struct {
	*BaseRepositoryImpl
}

// NewSwarmRepository creates a new swarm repository instance
func NewSwarmRepository(db *gorm.DB, logger *logrus.Logger, cache CacheManager) SwarmRepository {
	return &SwarmRepositoryImpl{BaseRepositoryImpl: NewBaseRepository(db, logger, cache)}
}

// GetByStatus retrieves swarms with a given status
func (r *SwarmRepositoryImpl) GetByStatus(ctx context.Context, status models.SwarmStatus) ([]models.Swarm, error) {
	db := r.getDB(ctx)
	var swarms []models.Swarm
	if err := db.Where("status = ?", status).Find(&swarms).Error; err != nil {
		return nil, fmt.Errorf("failed to get swarms by status: %w", err)
	}
	return swarms, nil
}

// UpdateStatus transitions a swarm's status field.
func (r *SwarmRepositoryImpl) UpdateStatus(ctx context.Context, id string, status models.SwarmStatus) error {
	db := r.getDB(ctx)
	if err := db.Model(&models.Swarm{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update swarm status: %w", err)
	}
	return nil
}
