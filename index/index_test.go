package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlabs-mydc/sifs/entry"
	"github.com/nextlabs-mydc/sifs/fileprov"
	"github.com/nextlabs-mydc/sifs/internal/dirlock"
)

func testConfig(t *testing.T, dir string, cacheSegments, minNode, maxNode int) Config {
	t.Helper()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	dataProvider := fileprov.New(dataDir, "data.", 16)
	t.Cleanup(dataProvider.Stop)
	return Config{
		IndexDir:         filepath.Join(dir, "index"),
		CacheSegments:    cacheSegments,
		MinNodeSize:      minNode,
		MaxNodeSize:      maxNode,
		DataFileProvider: dataProvider,
	}
}

func startIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	idx, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, idx.Start())
	return idx
}

func await(t *testing.T, req *Request) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	value, err := req.Await(ctx)
	require.NoError(t, err)
	return value
}

func TestUpdateMoveDropScenario(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 2, 64, 1024)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	key := []byte{0x01}

	overwritten := await(t, idx.HandleRequest(NewUpdateRequest(0, key, 10, 0, 1)))
	require.Equal(t, false, overwritten)
	require.Equal(t, uint64(1), idx.ApproximateSize([]int{0, 1}))

	pos, err := idx.GetPosition(0, key)
	require.NoError(t, err)
	require.Equal(t, &EntryPosition{File: 10, Offset: 0}, pos)

	overwritten = await(t, idx.HandleRequest(NewUpdateRequest(0, key, 10, 200, 2)))
	require.Equal(t, true, overwritten)

	// the move raced with the second update, so prev no longer matches
	await(t, idx.HandleRequest(NewMovedRequest(0, key, 10, 0, 11, 0, 3)))
	pos, err = idx.GetPosition(0, key)
	require.NoError(t, err)
	require.Equal(t, &EntryPosition{File: 10, Offset: 200}, pos)
	require.Equal(t, uint64(1), idx.ApproximateSize([]int{0, 1}))

	await(t, idx.HandleRequest(NewDroppedRequest(0, key, 10, 200)))
	pos, err = idx.GetPosition(0, key)
	require.NoError(t, err)
	require.Nil(t, pos)
	require.Equal(t, uint64(0), idx.ApproximateSize([]int{0, 1}))
}

func TestMovedAppliesWhenPrevMatches(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 2, 64, 1024)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	key := []byte{0x02}
	await(t, idx.HandleRequest(NewUpdateRequest(0, key, 10, 0, 1)))
	await(t, idx.HandleRequest(NewMovedRequest(0, key, 10, 0, 11, 64, 2)))

	pos, err := idx.GetPosition(0, key)
	require.NoError(t, err)
	require.Equal(t, &EntryPosition{File: 11, Offset: 64}, pos)
	require.Equal(t, uint64(1), idx.ApproximateSize([]int{0, 1}))
}

func TestTombstoneVisibility(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 2, 64, 1024)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	key := []byte("user:1")
	_, err := entry.AppendEntry(cfg.DataFileProvider, 10, 0, key, []byte("v1"), 1, -1)
	require.NoError(t, err)
	_, err = entry.AppendEntry(cfg.DataFileProvider, 10, 100, key, []byte("v2"), 2, -1)
	require.NoError(t, err)

	await(t, idx.HandleRequest(NewUpdateRequest(0, key, 10, 0, 1)))
	await(t, idx.HandleRequest(NewUpdateRequest(0, key, 10, 100, 2)))

	record, err := idx.GetRecord(0, key)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, []byte("v2"), record.Value)

	await(t, idx.HandleRequest(NewDroppedRequest(0, key, 10, 100)))

	record, err = idx.GetRecord(0, key)
	require.NoError(t, err)
	require.Nil(t, record)

	// the last known location survives under the tombstone until
	// compaction reclaims the records
	record, err = idx.GetRecordEvenIfExpired(0, key)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, []byte("v2"), record.Value)
}

type fixedTime struct{ now int64 }

func (f *fixedTime) Now() int64 { return f.now }

func TestExpiredRecordVisibility(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 1, 64, 1024)
	clock := &fixedTime{now: 1000}
	cfg.TimeService = clock
	idx := startIndex(t, cfg)
	defer idx.Stop()

	key := []byte("session")
	_, err := entry.AppendEntry(cfg.DataFileProvider, 0, 0, key, []byte("token"), 1, 2000)
	require.NoError(t, err)
	await(t, idx.HandleRequest(NewUpdateRequest(0, key, 0, 0, 1)))

	record, err := idx.GetRecord(0, key)
	require.NoError(t, err)
	require.NotNil(t, record)

	clock.now = 3000
	record, err = idx.GetRecord(0, key)
	require.NoError(t, err)
	require.Nil(t, record)

	record, err = idx.GetRecordEvenIfExpired(0, key)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, []byte("token"), record.Value)
}

func TestGetInfoIncludesTombstones(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 1, 64, 1024)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	key := []byte{0x05}
	await(t, idx.HandleRequest(NewUpdateRequest(0, key, 4, 40, 1)))
	info, err := idx.GetInfo(0, key)
	require.NoError(t, err)
	require.Equal(t, &EntryInfo{File: 4, Offset: 40, NumRecords: 1, SeqID: 1}, info)

	await(t, idx.HandleRequest(NewDroppedRequest(0, key, 4, 40)))
	info, err = idx.GetInfo(0, key)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Negative(t, info.Offset)
}

func TestGracefulRestartIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 8, 64, 1024)

	idx := startIndex(t, cfg)
	require.False(t, idx.Load(), "fresh directory has no persisted state")
	require.NoError(t, idx.Reset())

	const keys = 10000
	var requests []*Request
	for i := 0; i < keys; i++ {
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key, uint64(i))
		req := NewUpdateRequest(i%8, key, int32(i%5), int64(i)*32, uint64(i+1))
		requests = append(requests, idx.HandleRequest(req))
	}
	for _, req := range requests {
		await(t, req)
	}
	require.Equal(t, uint64(keys), idx.ApproximateSize([]int{0, 1, 2, 3, 4, 5, 6, 7}))
	require.NoError(t, idx.Stop())

	restarted := startIndex(t, cfg)
	defer restarted.Stop()
	require.True(t, restarted.Load())
	require.Equal(t, uint64(keys), restarted.ApproximateSize([]int{0, 1, 2, 3, 4, 5, 6, 7}))

	for i := 0; i < keys; i++ {
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key, uint64(i))
		pos, err := restarted.GetPosition(i%8, key)
		require.NoError(t, err)
		require.NotNil(t, pos, "key %d lost across restart", i)
		require.Equal(t, int32(i%5), pos.File)
		require.Equal(t, int64(i)*32, pos.Offset)
	}

	maxSeq, err := restarted.GetMaxSeqID()
	require.NoError(t, err)
	require.Equal(t, uint64(keys), maxSeq)
}

func TestDirtyRestartDetection(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 4, 64, 1024)

	idx := startIndex(t, cfg)
	require.False(t, idx.Load())
	require.NoError(t, idx.Reset())

	var requests []*Request
	for i := 0; i < 1000; i++ {
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key, uint64(i))
		requests = append(requests, idx.HandleRequest(NewUpdateRequest(i%4, key, 1, int64(i), uint64(i+1))))
	}
	for _, req := range requests {
		await(t, req)
	}

	// the process dies here: no Stop, no sidecars, magic stays DIRTY
	dirlock.Unlock(idx.dirLock)
	idx.dirLock = nil

	restarted := startIndex(t, cfg)
	defer restarted.Stop()
	require.False(t, restarted.Load())

	for i := 0; i < 4; i++ {
		header := make([]byte, 4)
		f, err := os.Open(filepath.Join(cfg.IndexDir, fmt.Sprintf("index.%d", i)))
		require.NoError(t, err)
		_, err = f.ReadAt(header, 0)
		require.NoError(t, err)
		f.Close()
		require.Equal(t, dirtyMagic, binary.BigEndian.Uint32(header), "segment %d not marked dirty", i)
	}
}

func TestLoadRejectsSegmentCountMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 2, 64, 1024)

	idx := startIndex(t, cfg)
	await(t, idx.HandleRequest(NewUpdateRequest(0, []byte{1}, 1, 0, 1)))
	require.NoError(t, idx.Stop())

	cfg.CacheSegments = 3
	restarted := startIndex(t, cfg)
	defer restarted.Stop()
	require.False(t, restarted.Load(), "stored segment count differs from configuration")
}

func TestClearResetsSegment(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 2, 64, 1024)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	var requests []*Request
	for i := 0; i < 1000; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))
		requests = append(requests, idx.HandleRequest(NewUpdateRequest(0, key, 1, int64(i), uint64(i+1))))
	}
	for _, req := range requests {
		await(t, req)
	}
	require.Equal(t, uint64(1000), idx.ApproximateSize([]int{0}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, idx.Clear(ctx))

	info, err := os.Stat(filepath.Join(cfg.IndexDir, "index.0"))
	require.NoError(t, err)
	require.Equal(t, int64(indexFileHeaderSize), info.Size())
	require.Equal(t, uint64(0), idx.ApproximateSize([]int{0, 1}))

	pos, err := idx.GetPosition(0, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	require.Nil(t, pos)

	await(t, idx.HandleRequest(NewUpdateRequest(0, []byte("after"), 2, 16, 2000)))
	pos, err = idx.GetPosition(0, []byte("after"))
	require.NoError(t, err)
	require.Equal(t, &EntryPosition{File: 2, Offset: 16}, pos)
}

// checkTree walks every reachable node, validating the size bounds and
// summing the on-disk slot bytes.
func checkTree(s *Segment, n *node, isRoot bool, liveBytes *int64) error {
	*liveBytes += int64(n.space.Length)
	length := n.encodedLength()
	if length > s.index.maxNodeSize {
		return fmt.Errorf("node at %d is %d bytes, above max %d", n.space.Offset, length, s.index.maxNodeSize)
	}
	if !isRoot && length < s.index.minNodeSize {
		return fmt.Errorf("node at %d is %d bytes, below min %d", n.space.Offset, length, s.index.minNodeSize)
	}
	if n.leaf {
		return nil
	}
	for _, childSpace := range n.children {
		child, err := s.readNode(childSpace)
		if err != nil {
			return err
		}
		if err := checkTree(s, child, false, liveBytes); err != nil {
			return err
		}
	}
	return nil
}

// verifySegmentInvariants gathers the applier-private accounting on the
// applier goroutine itself and asserts it afterwards.
func verifySegmentInvariants(t *testing.T, idx *Index, cacheSegment int) {
	t.Helper()
	s := idx.segment(cacheSegment)
	var walkErr error
	var liveBytes, freeBytes, fileSize int64
	req := syncRequest(cacheSegment, func() {
		walkErr = checkTree(s, s.currentRoot(), true, &liveBytes)
		freeBytes = s.freeBlocks.totalBytes()
		fileSize = s.indexFileSize
	})
	s.enqueue(req)
	await(t, req)
	require.NoError(t, walkErr)
	require.Equal(t, fileSize, int64(indexFileHeaderSize)+liveBytes+freeBytes,
		"index file size must equal header + live nodes + free blocks")
}

func TestSplitMergeBoundsAndFreeSpaceAccounting(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 1, 64, 512)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	const keys = 2000
	var requests []*Request
	for i := 0; i < keys; i++ {
		requests = append(requests, idx.HandleRequest(
			NewUpdateRequest(0, testKey(i), 1, int64(i)*8, uint64(i+1))))
	}
	for _, req := range requests {
		await(t, req)
	}
	verifySegmentInvariants(t, idx, 0)

	// overwrite a slice of the keys to churn slots through the catalog
	requests = requests[:0]
	for i := 0; i < keys; i += 3 {
		requests = append(requests, idx.HandleRequest(
			NewUpdateRequest(0, testKey(i), 2, int64(i)*8, uint64(keys+i+1))))
	}
	for _, req := range requests {
		await(t, req)
	}
	verifySegmentInvariants(t, idx, 0)

	// drop everything; the first drop tombstones, the second reclaims
	requests = requests[:0]
	for round := 0; round < 2; round++ {
		for i := 0; i < keys; i++ {
			requests = append(requests, idx.HandleRequest(
				NewDroppedRequest(0, testKey(i), -1, -1)))
		}
	}
	for _, req := range requests {
		await(t, req)
	}
	verifySegmentInvariants(t, idx, 0)

	root := idx.segment(0).currentRoot()
	require.True(t, root.leaf)
	require.Empty(t, root.entries, "the emptied tree collapses back to a single leaf")
}

func TestSizeCounterMatchesLiveEntries(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 2, 64, 512)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	var requests []*Request
	for i := 0; i < 500; i++ {
		requests = append(requests, idx.HandleRequest(
			NewUpdateRequest(i%2, testKey(i), 1, int64(i)*8, uint64(i+1))))
	}
	// tombstone every fourth key
	for i := 0; i < 500; i += 4 {
		requests = append(requests, idx.HandleRequest(
			NewUpdateRequest(i%2, testKey(i), -1, -1, uint64(1000+i))))
	}
	for _, req := range requests {
		await(t, req)
	}

	for cacheSegment := 0; cacheSegment < 2; cacheSegment++ {
		live := 0
		require.NoError(t, idx.Publish([]int{cacheSegment}, false, func(*PublishedEntry) error {
			live++
			return nil
		}))
		require.Equal(t, uint64(live), idx.ApproximateSize([]int{cacheSegment}))
	}
}

func TestApproximateSizeSaturates(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 2, 64, 512)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	idx.sizePerSegment[0].Store(1 << 62)
	idx.sizePerSegment[1].Store(1 << 62)
	require.Equal(t, uint64(1)<<63, idx.ApproximateSize([]int{0})+idx.ApproximateSize([]int{1}))
	require.Equal(t, ^uint64(0), idx.ApproximateSize([]int{0, 1}))
}

func TestPublishStreamsEntriesInKeyOrder(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 1, 64, 512)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	var requests []*Request
	for i := 0; i < 300; i++ {
		offset, err := entry.AppendEntry(cfg.DataFileProvider, 0, int64(i)*64, testKey(i), testKey(i), uint64(i+1), -1)
		require.NoError(t, err)
		require.LessOrEqual(t, offset, int64(i+1)*64)
		requests = append(requests, idx.HandleRequest(
			NewUpdateRequest(0, testKey(i), 0, int64(i)*64, uint64(i+1))))
	}
	for _, req := range requests {
		await(t, req)
	}

	var published []*PublishedEntry
	require.NoError(t, idx.Publish([]int{0}, true, func(e *PublishedEntry) error {
		published = append(published, e)
		return nil
	}))
	require.Len(t, published, 300)
	for i, e := range published {
		require.Equal(t, testKey(i), e.Key)
		require.Equal(t, testKey(i), e.Record.Value)
		require.Equal(t, uint64(i+1), e.SeqID)
	}
}

func TestRemoveSegmentsInstallsSentinel(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 4, 64, 512)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	await(t, idx.HandleRequest(NewUpdateRequest(1, []byte{1}, 1, 0, 1)))
	idx.RemoveSegments([]int{1})

	_, err := os.Stat(filepath.Join(cfg.IndexDir, "index.1"))
	require.True(t, os.IsNotExist(err), "removed segment's file must be deleted")

	// requests to the retired segment complete as no-ops
	await(t, idx.HandleRequest(NewUpdateRequest(1, []byte{2}, 1, 0, 2)))
	pos, err := idx.GetPosition(1, []byte{2})
	require.NoError(t, err)
	require.Nil(t, pos)

	// reinstalling brings a fresh segment up
	idx.AddSegments([]int{1})
	await(t, idx.HandleRequest(NewUpdateRequest(1, []byte{3}, 1, 8, 3)))
	pos, err = idx.GetPosition(1, []byte{3})
	require.NoError(t, err)
	require.Equal(t, &EntryPosition{File: 1, Offset: 8}, pos)
}

func TestEnsureRunOnLastRunsActionOnce(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 4, 64, 512)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	var mu sync.Mutex
	runs := 0
	done := make(chan struct{})
	idx.EnsureRunOnLast(func() {
		mu.Lock()
		runs++
		mu.Unlock()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("action never ran")
	}
	mu.Lock()
	require.Equal(t, 1, runs)
	mu.Unlock()
}

type recordingCompactor struct {
	mu       sync.Mutex
	stats    map[int32]CompactorStats
	released []int32
	added    map[int32]CompactorStats
}

func newRecordingCompactor() *recordingCompactor {
	return &recordingCompactor{
		stats: make(map[int32]CompactorStats),
		added: make(map[int32]CompactorStats),
	}
}

func (c *recordingCompactor) AddFreeFile(file int32, total int32, free int32, nextExpirationTime int64, _ bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CompactorStats{Total: total, Free: free, NextExpirationTime: nextExpirationTime}
	c.added[file] = stats
	c.stats[file] = stats
	return true
}

func (c *recordingCompactor) ReleaseStats(file int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, file)
	c.released = append(c.released, file)
}

func (c *recordingCompactor) GetFileStats() map[int32]CompactorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[int32]CompactorStats, len(c.stats))
	for file, stats := range c.stats {
		snapshot[file] = stats
	}
	return snapshot
}

func TestStatsSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 2, 64, 512)
	compactor := newRecordingCompactor()
	cfg.Compactor = compactor
	compactor.stats[3] = CompactorStats{Total: 4096, Free: 128, NextExpirationTime: -1}
	compactor.stats[4] = CompactorStats{Total: 8192, Free: 0, NextExpirationTime: 999}

	idx := startIndex(t, cfg)
	await(t, idx.HandleRequest(NewUpdateRequest(0, []byte{1}, 3, 0, 1)))
	require.NoError(t, idx.Stop())

	restartedCompactor := newRecordingCompactor()
	cfg.Compactor = restartedCompactor
	restarted := startIndex(t, cfg)
	defer restarted.Stop()
	require.True(t, restarted.Load())
	require.Equal(t, CompactorStats{Total: 4096, Free: 128, NextExpirationTime: -1}, restartedCompactor.added[3])
	require.Equal(t, CompactorStats{Total: 8192, Free: 0, NextExpirationTime: 999}, restartedCompactor.added[4])

	// the sidecar is consumed on load; its absence marks a crash dirty
	_, err := os.Stat(filepath.Join(cfg.IndexDir, indexStatsFileName))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteFileAsyncReleasesStats(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 2, 64, 512)
	compactor := newRecordingCompactor()
	cfg.Compactor = compactor
	idx := startIndex(t, cfg)
	defer idx.Stop()

	compactor.AddFreeFile(9, 100, 100, -1, false)
	released := make(chan struct{})
	go func() {
		for {
			compactor.mu.Lock()
			n := len(compactor.released)
			compactor.mu.Unlock()
			if n > 0 {
				close(released)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	idx.DeleteFileAsync(9)
	select {
	case <-released:
	case <-time.After(10 * time.Second):
		t.Fatal("stats never released")
	}
}

func TestTemporaryTableRemovalIsConditional(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 1, 64, 512)
	table := NewMemoryTemporaryTable(1)
	cfg.TemporaryTable = table
	idx := startIndex(t, cfg)
	defer idx.Stop()

	key := []byte("staged")
	// the staging entry already points at a newer write
	table.Set(0, key, 2, 999)
	await(t, idx.HandleRequest(NewUpdateRequest(0, key, 1, 0, 1)))
	_, _, ok := table.Get(0, key)
	require.True(t, ok, "a newer staged write must not be shadowed")

	table.Set(0, key, 1, 64)
	await(t, idx.HandleRequest(NewUpdateRequest(0, key, 1, 64, 2)))
	_, _, ok = table.Get(0, key)
	require.False(t, ok, "the indexed write is removed from staging")
}

func TestStopCompletesLateRequestsExceptionally(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 1, 64, 512)
	idx := startIndex(t, cfg)
	require.NoError(t, idx.Stop())

	req := idx.HandleRequest(NewUpdateRequest(0, []byte{1}, 1, 0, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := req.Await(ctx)
	require.ErrorIs(t, err, ErrStopped)
}

func TestDirectoryLockPreventsSecondIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 1, 64, 512)
	idx := startIndex(t, cfg)
	defer idx.Stop()

	second, err := New(cfg)
	require.NoError(t, err)
	require.Error(t, second.Start(), "the index directory is exclusively locked")
}
