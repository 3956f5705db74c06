package memory

import (
	"context"
	"time"

	"github.com/hivemind/coordinator/internal/store/models"
)

// excludedFromPressureEviction are memory types the GC/pressure sweeps
// never touch (§4.2 "excluding type ∈ {system,consensus}").
var excludedFromPressureEviction = []models.MemoryType{
	models.MemoryTypeSystem,
	models.MemoryTypeConsensus,
}

// gcLoop deletes entries whose type has a TTL and whose accessed_at is
// older than that TTL, every 5 minutes (§4.2 GC).
func (s *Store) gcLoop(ctx context.Context) {
	interval := s.cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runGC(ctx)
		}
	}
}

func (s *Store) runGC(ctx context.Context) {
	for typ, ttl := range ttlByType {
		cutoff := time.Now().Add(-ttl)
		n, err := s.repo.DeleteExpiredByType(ctx, typ, cutoff)
		if err != nil {
			s.logger.WithError(err).WithField("type", typ).Warn("memory GC sweep failed")
			continue
		}
		if n > 0 {
			s.logger.WithFields(map[string]interface{}{"type": typ, "count": n}).Debug("memory GC evicted expired entries")
		}
	}
}

// pressureLoop periodically sums the stored size_bytes of every row not
// excluded from pressure eviction, compares it against maxMemoryMB, and
// evicts the oldest-by-access rows when over budget (§4.2 "Memory
// pressure").
func (s *Store) pressureLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPressureEviction(ctx)
		}
	}
}

func (s *Store) runPressureEviction(ctx context.Context) {
	maxBytes := int64(s.cfg.MaxMemoryMB) * 1024 * 1024
	var total int64
	rows, err := s.repo.LeastRecentlyAccessed(ctx, 0, excludedFromPressureEviction)
	if err != nil {
		s.logger.WithError(err).Warn("failed to assess memory pressure")
		return
	}
	for _, r := range rows {
		total += r.SizeBytes
	}
	if total <= maxBytes {
		return
	}

	victims, err := s.repo.LeastRecentlyAccessed(ctx, 100, excludedFromPressureEviction)
	if err != nil {
		s.logger.WithError(err).Warn("failed to select memory pressure eviction candidates")
		return
	}
	evicted := 0
	for _, v := range victims {
		if _, next, ok := s.PredictNextAccess(v.Namespace, v.Key); ok && time.Until(next) < s.cfg.FlushInterval {
			continue // due for access again shortly, spare it this round
		}
		if err := s.repo.Delete(ctx, v.Namespace, v.Key); err != nil {
			s.logger.WithError(err).WithField("key", v.Key).Warn("failed to evict memory entry under pressure")
			continue
		}
		s.cache.evict(v.Namespace, v.Key)
		evicted++
	}
	s.logger.WithField("count", evicted).Info("evicted memory entries under memory pressure")
}
