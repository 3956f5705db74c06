package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/coordinator/internal/config"
	database "github.com/hivemind/coordinator/internal/store"
	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

func testStore(t *testing.T, cfg config.MemoryConfig) (*Store, repositories.MemoryRepository) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(logDiscard{})

	db, err := database.Open("file::memory:?cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := repositories.NewRepositoryManager(db.DB, logger, false)
	return New(repos.Memory(), logger, cfg), repos.Memory()
}

func TestStoreRetrieve_RoundTripsVerbatim(t *testing.T) {
	s, _ := testStore(t, config.MemoryConfig{})
	ctx := context.Background()

	id, size, err := s.Store(ctx, "swarm-1", "ctx", []byte("hello world"), models.MemoryTypeKnowledge, StoreOptions{CreatedBy: "queen"})
	require.NoError(t, err)
	require.Equal(t, "swarm-1/ctx", id)
	require.Equal(t, len("hello world"), size)

	got, err := s.Retrieve(ctx, "swarm-1", "ctx")
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestRetrieve_MissingKeyReturnsNil(t *testing.T) {
	s, _ := testStore(t, config.MemoryConfig{})
	got, err := s.Retrieve(context.Background(), "ns", "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

// TestTTLEviction_ContextTypeExpiresAfterOneHour covers §8 scenario 6:
// store a context-typed entry, simulate an hour elapsing since its last
// access, and confirm retrieve both returns null and deletes the row.
func TestTTLEviction_ContextTypeExpiresAfterOneHour(t *testing.T) {
	s, repo := testStore(t, config.MemoryConfig{})
	ctx := context.Background()

	_, _, err := s.Store(ctx, "swarm-1", "ctx", []byte("x"), models.MemoryTypeContext, StoreOptions{})
	require.NoError(t, err)

	// flush the write-behind queue synchronously so the row lands in the
	// store, then evict the fresh cache entry and backdate the durable
	// row's accessed_at to simulate 3601s elapsing.
	s.wb.flush(ctx)
	s.cache.evict("swarm-1", "ctx")

	entry, err := repo.Retrieve(ctx, "swarm-1", "ctx")
	require.NoError(t, err)
	require.NotNil(t, entry)
	entry.AccessedAt = time.Now().Add(-(time.Hour + time.Second))
	require.NoError(t, repo.Upsert(ctx, entry))

	got, err := s.Retrieve(ctx, "swarm-1", "ctx")
	require.NoError(t, err)
	require.Nil(t, got)

	results, err := s.Search(ctx, "swarm-1", "ctx", SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestStore_CompressesLargeCompressibleTypesOnly(t *testing.T) {
	s, repo := testStore(t, config.MemoryConfig{CompressionThresholdB: 8})
	ctx := context.Background()

	big := make([]byte, 64)
	for i := range big {
		big[i] = 'a'
	}

	_, _, err := s.Store(ctx, "ns", "result-key", big, models.MemoryTypeResult, StoreOptions{})
	require.NoError(t, err)
	s.wb.flush(ctx)
	row, err := repo.Retrieve(ctx, "ns", "result-key")
	require.NoError(t, err)
	require.True(t, row.Compressed)

	_, _, err = s.Store(ctx, "ns", "knowledge-key", big, models.MemoryTypeKnowledge, StoreOptions{})
	require.NoError(t, err)
	s.wb.flush(ctx)
	row2, err := repo.Retrieve(ctx, "ns", "knowledge-key")
	require.NoError(t, err)
	require.False(t, row2.Compressed, "knowledge is not in the compressible-type set")

	// Round trip still returns the original bytes regardless of compression.
	got, err := s.Retrieve(ctx, "ns", "result-key")
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestCache_EvictsLRUBeyondMaxEntries(t *testing.T) {
	s, _ := testStore(t, config.MemoryConfig{MaxEntries: 2})
	ctx := context.Background()

	_, _, err := s.Store(ctx, "ns", "k1", []byte("a"), models.MemoryTypeKnowledge, StoreOptions{})
	require.NoError(t, err)
	_, _, err = s.Store(ctx, "ns", "k2", []byte("b"), models.MemoryTypeKnowledge, StoreOptions{})
	require.NoError(t, err)
	_, _, err = s.Store(ctx, "ns", "k3", []byte("c"), models.MemoryTypeKnowledge, StoreOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, s.cache.size())
	require.Nil(t, s.cache.peek("ns", "k1"), "k1 should have been evicted as least-recently-used")
	require.NotNil(t, s.cache.peek("ns", "k3"))
}

func TestShare_CopiesIntoSharedNamespace(t *testing.T) {
	s, _ := testStore(t, config.MemoryConfig{})
	ctx := context.Background()

	_, _, err := s.Store(ctx, "swarm-1", "finding", []byte("insight"), models.MemoryTypeKnowledge, StoreOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Share(ctx, "agent-a", "agent-b", []string{"finding"}, "swarm-1", ShareOptions{}))

	got, err := s.Retrieve(ctx, "shared", "agent-a:finding")
	require.NoError(t, err)
	require.Equal(t, []byte("insight"), got)
}

// TestRelated_ReturnsKeysWithinOneMillisecond covers §4.2 related()'s
// literal contract: two keys accessed within 1ms of each other must be
// related even with no accumulated co-access history.
func TestRelated_ReturnsKeysWithinOneMillisecond(t *testing.T) {
	s, _ := testStore(t, config.MemoryConfig{})
	base := time.Now()
	s.patterns.recordAccess("ns", "a", base)
	s.patterns.recordAccess("ns", "b", base.Add(500*time.Microsecond))
	s.patterns.recordAccess("ns", "c", base.Add(5*time.Millisecond)) // outside the 1ms window

	keys, err := s.Related(context.Background(), "ns", "a", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)
}

// TestRelated_FallsBackToCoAccessPatternOutsideOneMillisecond covers
// the documented fallback: once no access lands inside the 1ms window,
// Related() answers from the longer-horizon co-access heuristic instead.
func TestRelated_FallsBackToCoAccessPatternOutsideOneMillisecond(t *testing.T) {
	s, _ := testStore(t, config.MemoryConfig{})
	base := time.Now()
	for i := 0; i < 8; i++ {
		t1 := base.Add(time.Duration(i) * 10 * time.Millisecond)
		t2 := t1.Add(5 * time.Millisecond) // > 1ms apart: the direct window never fires
		s.patterns.recordAccess("ns", "x", t1)
		s.patterns.recordAccess("ns", "y", t2)
	}

	keys, err := s.Related(context.Background(), "ns", "x", 10)
	require.NoError(t, err)
	require.Contains(t, keys, "y")
}
