package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MemoryRepositoryImpl implements MemoryRepository, the hot-path
// persistence operations behind the collective memory cache (§4.1, §4.2).
type MemoryRepositoryImpl struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewMemoryRepository creates a new memory repository instance.
func NewMemoryRepository(db *gorm.DB, logger *logrus.Logger) MemoryRepository {
	return &MemoryRepositoryImpl{db: db, logger: logger}
}

func (r *MemoryRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db
}

// Upsert writes or replaces the row for (namespace,key), storing the
// version the caller set on entry.
func (r *MemoryRepositoryImpl) Upsert(ctx context.Context, entry *models.MemoryEntry) error {
	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "namespace"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value", "type", "confidence", "updated_at", "accessed_at",
			"access_count", "compressed", "size_bytes", "version",
		}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to upsert memory entry: %w", err)
	}
	return nil
}

// Retrieve returns the current row for (namespace,key), or nil if absent.
func (r *MemoryRepositoryImpl) Retrieve(ctx context.Context, namespace, key string) (*models.MemoryEntry, error) {
	var e models.MemoryEntry
	err := r.getDB(ctx).Where("namespace = ? AND key = ?", namespace, key).First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to retrieve memory entry: %w", err)
	}
	return &e, nil
}

// SearchLike substring-matches a pattern against key, value, or type,
// ordered by (access_count desc, confidence desc) as §4.2 specifies.
func (r *MemoryRepositoryImpl) SearchLike(ctx context.Context, namespace, pattern string, limit int) ([]models.MemoryEntry, error) {
	var entries []models.MemoryEntry
	like := "%" + pattern + "%"
	q := r.getDB(ctx).Where(
		"namespace = ? AND (key LIKE ? OR value LIKE ? OR type LIKE ?)",
		namespace, like, like, like,
	).Order("access_count desc, confidence desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to search memory entries: %w", err)
	}
	return entries, nil
}

// UpdateAccess bumps accessed_at and access_count for a key.
func (r *MemoryRepositoryImpl) UpdateAccess(ctx context.Context, namespace, key string) error {
	err := r.getDB(ctx).Model(&models.MemoryEntry{}).
		Where("namespace = ? AND key = ?", namespace, key).
		Updates(map[string]interface{}{
			"accessed_at":  time.Now(),
			"access_count": gorm.Expr("access_count + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update memory access: %w", err)
	}
	return nil
}

// Delete removes a single (namespace,key) row.
func (r *MemoryRepositoryImpl) Delete(ctx context.Context, namespace, key string) error {
	err := r.getDB(ctx).Where("namespace = ? AND key = ?", namespace, key).Delete(&models.MemoryEntry{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete memory entry: %w", err)
	}
	return nil
}

// DeleteExpiredByType deletes every row of memType whose accessed_at
// predates olderThan (§4.2 GC sweep). Returns the row count removed.
func (r *MemoryRepositoryImpl) DeleteExpiredByType(ctx context.Context, memType models.MemoryType, olderThan time.Time) (int64, error) {
	res := r.getDB(ctx).Where("type = ? AND accessed_at < ?", memType, olderThan).Delete(&models.MemoryEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired memory entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// LeastRecentlyAccessed returns candidate eviction rows ordered by
// (accessed_at asc, access_count asc), excluding the given types
// (§4.2 memory-pressure eviction excludes system/consensus).
func (r *MemoryRepositoryImpl) LeastRecentlyAccessed(ctx context.Context, limit int, excludeTypes []models.MemoryType) ([]models.MemoryEntry, error) {
	var entries []models.MemoryEntry
	q := r.getDB(ctx).Order("accessed_at asc, access_count asc")
	if len(excludeTypes) > 0 {
		q = q.Where("type NOT IN ?", excludeTypes)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list least-recently-accessed memory entries: %w", err)
	}
	return entries, nil
}
