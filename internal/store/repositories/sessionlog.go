package repositories

import (
	"context"
	"fmt"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SessionLogRepositoryImpl implements SessionLogRepository. Logs are
// append-only (§3, §4.3 "every transition writes a session_logs row").
type SessionLogRepositoryImpl struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewSessionLogRepository creates a new session log repository instance.
func NewSessionLogRepository(db *gorm.DB, logger *logrus.Logger) SessionLogRepository {
	return &SessionLogRepositoryImpl{db: db, logger: logger}
}

func (r *SessionLogRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db
}

// Create appends a log row.
func (r *SessionLogRepositoryImpl) Create(ctx context.Context, entry *models.SessionLog) error {
	if err := r.getDB(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create session log: %w", err)
	}
	return nil
}

// ListBySession returns a page of logs for a session, newest first.
func (r *SessionLogRepositoryImpl) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]models.SessionLog, error) {
	var logs []models.SessionLog
	q := r.getDB(ctx).Where("session_id = ?", sessionID).Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	return logs, nil
}
