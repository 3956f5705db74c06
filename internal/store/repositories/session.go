package repositories

import (
	"context"
	"fmt"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SessionRepositoryImpl implements SessionRepository.
type SessionRepositoryImpl struct {
	*BaseRepositoryImpl
}

// NewSessionRepository creates a new session repository instance.
func NewSessionRepository(db *gorm.DB, logger *logrus.Logger, cache CacheManager) SessionRepository {
	return &SessionRepositoryImpl{BaseRepositoryImpl: NewBaseRepository(db, logger, cache)}
}

// GetBySwarm returns the session bound to a swarm, if any.
func (r *SessionRepositoryImpl) GetBySwarm(ctx context.Context, swarmID string) (*models.Session, error) {
	db := r.getDB(ctx)
	var s models.Session
	if err := db.Where("swarm_id = ?", swarmID).First(&s).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("no session for swarm %s", swarmID)
		}
		return nil, fmt.Errorf("failed to get session by swarm: %w", err)
	}
	return &s, nil
}

// GetNonTerminal returns every session whose status is active or paused
// (§6.2 "sessions" command surface).
func (r *SessionRepositoryImpl) GetNonTerminal(ctx context.Context) ([]models.Session, error) {
	db := r.getDB(ctx)
	var sessions []models.Session
	err := db.Where("status IN ?", []models.SessionStatus{models.SessionStatusActive, models.SessionStatusPaused}).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get non-terminal sessions: %w", err)
	}
	return sessions, nil
}
