package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

// cachedValue is one LRU entry: the decompressed value plus a snapshot
// of the durable row it mirrors.
type cachedValue struct {
	Value        []byte
	Entry        models.MemoryEntry
	SizeEstimate int
}

type cacheKey struct{ namespace, key string }

// lruCache is the dual-bound cache from §4.2: evicts on maxEntries AND
// maxMemoryMB, whichever is hit first. Generalizes the teacher's
// repositories.InMemoryCacheManager (time-only eviction) with a real LRU
// list.
type lruCache struct {
	mu          sync.Mutex
	items       map[cacheKey]*list.Element
	order       *list.List // front = most recently used
	maxEntries  int
	maxBytes    int
	usedBytes   int
}

type lruElem struct {
	key   cacheKey
	value *cachedValue
}

func newLRUCache(maxEntries, maxMemoryMB int) *lruCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if maxMemoryMB <= 0 {
		maxMemoryMB = 50
	}
	return &lruCache{
		items:      make(map[cacheKey]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxMemoryMB * 1024 * 1024,
	}
}

func (c *lruCache) put(namespace, key string, cv *cachedValue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{namespace, key}
	if el, ok := c.items[k]; ok {
		old := el.Value.(*lruElem)
		c.usedBytes -= old.SizeEstimate()
		el.Value = &lruElem{key: k, value: cv}
		c.order.MoveToFront(el)
		c.usedBytes += cv.SizeEstimate
	} else {
		el := c.order.PushFront(&lruElem{key: k, value: cv})
		c.items[k] = el
		c.usedBytes += cv.SizeEstimate
	}

	c.evictLocked()
}

func (e *lruElem) SizeEstimate() int { return e.value.SizeEstimate }

func (c *lruCache) evictLocked() {
	for (len(c.items) > c.maxEntries || c.usedBytes > c.maxBytes) && c.order.Len() > 0 {
		back := c.order.Back()
		if back == nil {
			return
		}
		el := back.Value.(*lruElem)
		c.order.Remove(back)
		delete(c.items, el.key)
		c.usedBytes -= el.SizeEstimate()
	}
}

func (c *lruCache) get(namespace, key string) *cachedValue {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{namespace, key}
	el, ok := c.items[k]
	if !ok {
		return nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruElem).value
}

// peek reads without affecting recency, used to carry version/access
// counters forward on re-store.
func (c *lruCache) peek(namespace, key string) *models.MemoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{namespace, key}
	el, ok := c.items[k]
	if !ok {
		return nil
	}
	entry := el.Value.(*lruElem).value.Entry
	return &entry
}

func (c *lruCache) evict(namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{namespace, key}
	el, ok := c.items[k]
	if !ok {
		return
	}
	c.order.Remove(el)
	delete(c.items, k)
	c.usedBytes -= el.Value.(*lruElem).SizeEstimate()
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// writeBehindQueue batches persistence so the cache's hot path never
// blocks on the store (§4.2). Flush triggers on a periodic timer or a
// buffer high-water mark, whichever comes first.
type writeBehindQueue struct {
	mu          sync.Mutex
	pending     []*models.MemoryEntry
	repo        repositories.MemoryRepository
	logger      *logrus.Logger
	interval    time.Duration
	highWater   int
	flushSignal chan struct{}
}

func newWriteBehindQueue(repo repositories.MemoryRepository, logger *logrus.Logger, interval time.Duration, highWater int) *writeBehindQueue {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if highWater <= 0 {
		highWater = 50
	}
	return &writeBehindQueue{
		repo:        repo,
		logger:      logger,
		interval:    interval,
		highWater:   highWater,
		flushSignal: make(chan struct{}, 1),
	}
}

func (q *writeBehindQueue) enqueue(ctx context.Context, entry *models.MemoryEntry) {
	q.mu.Lock()
	q.pending = append(q.pending, entry)
	trip := len(q.pending) >= q.highWater
	q.mu.Unlock()

	if trip {
		select {
		case q.flushSignal <- struct{}{}:
		default:
		}
	}
}

func (q *writeBehindQueue) start(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				q.flush(context.Background())
				return
			case <-ticker.C:
				q.flush(ctx)
			case <-q.flushSignal:
				q.flush(ctx)
			}
		}
	}()
}

func (q *writeBehindQueue) flush(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, entry := range batch {
		if err := q.repo.Upsert(ctx, entry); err != nil {
			q.logger.WithError(err).WithField("key", entry.Key).Warn("write-behind flush failed for memory entry")
		}
	}
}
