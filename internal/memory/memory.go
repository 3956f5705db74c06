// Package memory implements the collective memory (§4.2): a namespaced,
// TTL- and type-aware key/value store with an LRU+memory-bounded cache,
// write-behind persistence, and co-access/temporal pattern detection.
//
// The cache and write-behind queue generalize the teacher's
// repositories.InMemoryCacheManager (time-based eviction only) to the
// dual-bound, batched-flush shape §4.2 specifies.
package memory

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/config"
	"github.com/hivemind/coordinator/internal/errs"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

// ttlByType is the TTL table from §3. Absent entries never expire.
var ttlByType = map[models.MemoryType]time.Duration{
	models.MemoryTypeContext: time.Hour,
	models.MemoryTypeTask:    30 * time.Minute,
	models.MemoryTypeMetric:  time.Hour,
	models.MemoryTypeError:   24 * time.Hour,
}

// compressibleTypes permits compression per §4.2 ("task/result/metric").
var compressibleTypes = map[models.MemoryType]bool{
	models.MemoryTypeTask:   true,
	models.MemoryTypeResult: true,
	models.MemoryTypeMetric: true,
}

// StoreOptions mirrors the metadata a caller passes to Store().
type StoreOptions struct {
	Confidence float64
	CreatedBy  string
}

// SearchOptions governs Search().
type SearchOptions struct {
	Type          models.MemoryType
	MinConfidence float64
	Limit         int
}

// SearchResult is a single row surfaced by Search().
type SearchResult struct {
	Key        string
	Type       models.MemoryType
	Confidence float64
	AccessedAt time.Time
}

// ShareOptions governs Share().
type ShareOptions struct {
	InheritTTL bool
}

// Store is the collective memory component (§4.2). One Store instance
// typically backs one swarm's namespace, but namespaces are just strings
// so a single instance may serve many swarms.
type Store struct {
	repo    repositories.MemoryRepository
	logger  *logrus.Logger
	errh    *errs.Handler
	cfg      config.MemoryConfig
	cache    *lruCache
	patterns *patternTracker
	wb       *writeBehindQueue
	redis    *RedisCacheBackend

	mu sync.Mutex
}

// New constructs a collective memory Store. If cfg.RedisAddr is set and
// reachable, every Store call mirrors its value to it as a secondary read tier; a
// dial failure just leaves the in-memory-only path active (the sqlite
// store under repo always remains the source of truth).
func New(repo repositories.MemoryRepository, logger *logrus.Logger, cfg config.MemoryConfig) *Store {
	s := &Store{
		repo:     repo,
		logger:   logger,
		errh:     errs.NewHandler(logger),
		cfg:      cfg,
		cache:    newLRUCache(cfg.MaxEntries, cfg.MaxMemoryMB),
		patterns: newPatternTracker(),
	}
	s.wb = newWriteBehindQueue(repo, logger, cfg.FlushInterval, cfg.FlushHighWaterMark)

	if cfg.RedisAddr != "" {
		if backend, err := NewRedisCacheBackend(cfg.RedisAddr, logger); err != nil {
			logger.WithError(err).Warn("redis cache backend unavailable, using in-memory cache only")
		} else {
			s.redis = backend
		}
	}

	return s
}

// Start launches the write-behind flush timer and maintenance loops.
// Cancel ctx to stop all of them (§9 "every long wait carries a
// cancellation context bound to its owning session").
func (s *Store) Start(ctx context.Context) {
	s.wb.start(ctx)
	go s.gcLoop(ctx)
	go s.pressureLoop(ctx)
}

// Store serializes value, optionally compresses it, and writes it into
// both the cache and the write-behind queue (§4.2 store()).
func (s *Store) Store(ctx context.Context, namespace, key string, value []byte, typ models.MemoryType, opts StoreOptions) (id string, size int, err error) {
	confidence := opts.Confidence
	if confidence == 0 {
		confidence = 1
	}

	compressed := false
	payload := value
	if len(value) > s.cfg.CompressionThresholdB && compressibleTypes[typ] {
		if gz, gzErr := gzipCompress(value); gzErr == nil {
			payload = gz
			compressed = true
		}
	}

	now := time.Now()
	entry := &models.MemoryEntry{
		Namespace:   namespace,
		Key:         key,
		Value:       payload,
		Type:        typ,
		Confidence:  confidence,
		CreatedBy:   opts.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		AccessedAt:  now,
		AccessCount: 0,
		Compressed:  compressed,
		SizeBytes:   int64(len(payload)),
		Version:     1,
	}

	if existing := s.cache.peek(namespace, key); existing != nil {
		entry.Version = existing.Version + 1
		entry.AccessCount = existing.AccessCount
	}

	estimatedSize := len(payload) * 2 // §4.2: "size estimated from serialized byte length × 2"
	s.cache.put(namespace, key, &cachedValue{
		Value:       value, // cache keeps the uncompressed original
		Entry:       *entry,
		SizeEstimate: estimatedSize,
	})

	s.wb.enqueue(ctx, entry)
	s.patterns.recordAccess(namespace, key, now)
	if s.redis != nil {
		s.redis.Mirror(ctx, namespace, key, value, ttlByType[typ])
	}

	return fmt.Sprintf("%s/%s", namespace, key), len(payload), nil
}

// Retrieve returns the current value for (namespace,key), or nil if
// absent or expired. A cache hit returns the cached value and updates
// the stored row's access time and count in the background; on a miss
// a value mirrored in Redis is returned if present, otherwise the row
// is loaded from the store, decompressed, and put back in the cache
// (§4.2 retrieve()).
func (s *Store) Retrieve(ctx context.Context, namespace, key string) ([]byte, error) {
	if cv := s.cache.get(namespace, key); cv != nil {
		if s.expired(&cv.Entry) {
			s.cache.evict(namespace, key)
			_ = s.repo.Delete(ctx, namespace, key)
			return nil, nil
		}
		s.patterns.recordAccess(namespace, key, time.Now())
		go s.bestEffortUpdateAccess(namespace, key)
		return cv.Value, nil
	}

	if s.redis != nil {
		if val, ok := s.redis.Get(ctx, namespace, key); ok {
			s.patterns.recordAccess(namespace, key, time.Now())
			return val, nil
		}
	}

	entry, err := s.repo.Retrieve(ctx, namespace, key)
	if err != nil {
		return nil, errs.New(errs.KindStoreOp, "retrieve memory entry", true, err)
	}
	if entry == nil {
		return nil, nil
	}
	if s.expired(entry) {
		_ = s.repo.Delete(ctx, namespace, key)
		return nil, nil
	}

	value := entry.Value
	if entry.Compressed {
		decompressed, dErr := gzipDecompress(value)
		if dErr != nil {
			return nil, errs.New(errs.KindStoreOp, "decompress memory entry", false, dErr)
		}
		value = decompressed
	}

	entry.AccessedAt = time.Now()
	entry.AccessCount++
	s.cache.put(namespace, key, &cachedValue{
		Value:        value,
		Entry:        *entry,
		SizeEstimate: len(value) * 2,
	})
	s.patterns.recordAccess(namespace, key, entry.AccessedAt)
	go s.bestEffortUpdateAccess(namespace, key)

	return value, nil
}

func (s *Store) bestEffortUpdateAccess(namespace, key string) {
	if err := s.repo.UpdateAccess(context.Background(), namespace, key); err != nil {
		s.logger.WithError(err).Debug("failed to persist memory access update")
	}
}

func (s *Store) expired(e *models.MemoryEntry) bool {
	ttl, ok := ttlByType[e.Type]
	if !ok {
		return false
	}
	return time.Since(e.AccessedAt) > ttl
}

// Search performs a substring match across key, value, and type fields,
// ordered by (access_count desc, confidence desc) per §4.2.
func (s *Store) Search(ctx context.Context, namespace, pattern string, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.repo.SearchLike(ctx, namespace, pattern, limit*2)
	if err != nil {
		return nil, errs.New(errs.KindStoreOp, "search memory entries", true, err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, r := range rows {
		if opts.Type != "" && r.Type != opts.Type {
			continue
		}
		if r.Confidence < opts.MinConfidence {
			continue
		}
		results = append(results, SearchResult{
			Key:        r.Key,
			Type:       r.Type,
			Confidence: r.Confidence,
			AccessedAt: r.AccessedAt,
		})
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Related returns keys whose accessed_at lies within 1ms of this key's
// accessed_at (§4.2 related()). If nothing falls inside that window it
// falls back to the pattern tracker's learned co-access graph (keys
// whose accesses cluster together often enough, over a longer horizon,
// to have crossed the 0.7 confidence threshold).
func (s *Store) Related(ctx context.Context, namespace, key string, limit int) ([]string, error) {
	if keys := s.patterns.withinOneMillisecond(namespace, key, limit); len(keys) > 0 {
		return keys, nil
	}
	return s.patterns.related(namespace, key, limit), nil
}

// PredictNextAccess surfaces the temporal pattern detector's forecast
// for (namespace,key), if the key has a regular enough access rhythm
// (§4.2(b)). Callers use this to decide whether a key is worth keeping
// warm; runPressureEviction uses it to spare hot keys from eviction.
func (s *Store) PredictNextAccess(namespace, key string) (confidence float64, nextAccess time.Time, ok bool) {
	pred, ok := s.patterns.detectTemporal(namespace, key)
	if !ok {
		return 0, time.Time{}, false
	}
	return pred.Confidence, pred.NextAccess, true
}

// Share copies each key into the "shared" namespace under the key
// "<fromAgent>:<key>", keeping the source entry's type and recording
// fromAgent as the copy's creator (§4.2 share()). No tags and no link
// back to the source entry are written, the copy gets the TTL of its
// type, and toAgent and opts are not used.
func (s *Store) Share(ctx context.Context, fromAgent, toAgent string, keys []string, namespace string, opts ShareOptions) error {
	for _, key := range keys {
		value, err := s.Retrieve(ctx, namespace, key)
		if err != nil {
			return err
		}
		if value == nil {
			continue
		}
		entry, err := s.repo.Retrieve(ctx, namespace, key)
		if err != nil {
			return err
		}
		typ := models.MemoryTypeKnowledge
		if entry != nil {
			typ = entry.Type
		}
		if _, _, err := s.Store(ctx, "shared", fmt.Sprintf("%s:%s", fromAgent, key), value, typ, StoreOptions{
			Confidence: 1,
			CreatedBy:  fromAgent,
		}); err != nil {
			return err
		}
	}
	return nil
}

// gzipCompress/gzipDecompress back the §4.2 compression policy. The
// teacher's stack has no compression library to ground this on, so it
// uses the standard library (see DESIGN.md).
func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
