package repositories

import (
	"context"
	"fmt"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CheckpointRepositoryImpl implements CheckpointRepository. Checkpoints
// are append-only (§3); there is no Update or Delete here by design.
type CheckpointRepositoryImpl struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewCheckpointRepository creates a new checkpoint repository instance.
func NewCheckpointRepository(db *gorm.DB, logger *logrus.Logger) CheckpointRepository {
	return &CheckpointRepositoryImpl{db: db, logger: logger}
}

func (r *CheckpointRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db
}

// Create appends a checkpoint row.
func (r *CheckpointRepositoryImpl) Create(ctx context.Context, cp *models.Checkpoint) error {
	if err := r.getDB(ctx).Create(cp).Error; err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

// ListBySession returns the most recent checkpoints for a session.
func (r *CheckpointRepositoryImpl) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Checkpoint, error) {
	var cps []models.Checkpoint
	q := r.getDB(ctx).Where("session_id = ?", sessionID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&cps).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return cps, nil
}
