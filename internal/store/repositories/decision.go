package repositories

import (
	"context"
	"fmt"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DecisionRepositoryImpl implements DecisionRepository (§4.7 consensus
// decision records).
type DecisionRepositoryImpl struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewDecisionRepository creates a new decision repository instance.
func NewDecisionRepository(db *gorm.DB, logger *logrus.Logger) DecisionRepository {
	return &DecisionRepositoryImpl{db: db, logger: logger}
}

func (r *DecisionRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db
}

// Create records a new decision row (status=voting).
func (r *DecisionRepositoryImpl) Create(ctx context.Context, d *models.Decision) error {
	if err := r.getDB(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to create decision: %w", err)
	}
	return nil
}

// Update persists a settled decision (votes, result, confidence, status).
func (r *DecisionRepositoryImpl) Update(ctx context.Context, d *models.Decision) error {
	if err := r.getDB(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("failed to update decision: %w", err)
	}
	return nil
}

// GetByID retrieves a decision by id.
func (r *DecisionRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Decision, error) {
	var d models.Decision
	if err := r.getDB(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("decision %s not found", id)
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return &d, nil
}
