// Package index keeps entry positions of an append-only key/value
// store persisted across restarts. It consists of a number of
// segments, one per cache segment of the upper layer; writes to each
// segment are applied by a single goroutine, so having multiple
// segments spreads the load between them, while readers traverse an
// immutable snapshot of each segment's tree.
package index

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/nextlabs-mydc/sifs/entry"
	"github.com/nextlabs-mydc/sifs/fileprov"
	"github.com/nextlabs-mydc/sifs/internal/dirlock"
)

// ErrStopped is returned for requests enqueued after the index (or a
// segment's queue) was closed.
var ErrStopped = errors.New("index: stopped")

// EntryPosition is the data-file location of a key.
type EntryPosition struct {
	File   int32
	Offset int64
}

// EntryInfo is the position plus the record count the compactor needs.
type EntryInfo struct {
	File       int32
	Offset     int64
	NumRecords uint32
	SeqID      uint64
}

// PublishedEntry is one live leaf entry streamed by Publish.
type PublishedEntry struct {
	CacheSegment int
	Key          []byte
	File         int32
	Offset       int64
	NumRecords   uint32
	SeqID        uint64
	// Record is filled only when values are loaded.
	Record *entry.Record
}

// Index fans requests out over its segments and owns the graceful
// shutdown sidecars.
type Index struct {
	indexDir      string
	cacheSegments int
	minNodeSize   int
	maxNodeSize   int

	dataFileProvider   *fileprov.Provider
	indexFileProvider  *fileprov.Provider
	compactor          Compactor
	temporaryTable     TemporaryTable
	timeService        TimeService
	nonBlockingManager NonBlockingManager
	logger             *slog.Logger

	// lock guards the segments slice; every per-key operation takes it
	// in read mode to pin a consistent snapshot
	lock     sync.RWMutex
	segments []*Segment

	sizePerSegment []atomic.Int64

	nodeCache *ristretto.Cache[uint64, *node]
	workers   chan struct{}

	emptySegment *Segment
	dirLock      *os.File
}

// New builds an Index from the configuration. Call Start before
// submitting requests and Load to restore persisted state.
func New(cfg Config) (*Index, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.IndexDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "index: create index directory")
	}

	nodeCache, err := ristretto.NewCache(&ristretto.Config[uint64, *node]{
		NumCounters: max(cfg.NodeCacheSize/int64(cfg.MaxNodeSize)*10, 1000),
		MaxCost:     cfg.NodeCacheSize,
		BufferItems: 64,
		OnEvict: func(*ristretto.Item[*node]) {
			metricsNodeCacheEvict.Inc()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "index: node cache")
	}

	// updates run on a bounded pool sized from the segment count
	concurrency := max(cfg.CacheSegments>>4, 1)

	idx := &Index{
		indexDir:           cfg.IndexDir,
		cacheSegments:      cfg.CacheSegments,
		minNodeSize:        cfg.MinNodeSize,
		maxNodeSize:        cfg.MaxNodeSize,
		dataFileProvider:   cfg.DataFileProvider,
		indexFileProvider:  fileprov.New(cfg.IndexDir, indexFilePrefix, cfg.MaxOpenFiles),
		compactor:          cfg.Compactor,
		temporaryTable:     cfg.TemporaryTable,
		timeService:        cfg.TimeService,
		nonBlockingManager: cfg.NonBlockingManager,
		logger:             cfg.Logger,
		segments:           make([]*Segment, cfg.CacheSegments),
		sizePerSegment:     make([]atomic.Int64, cfg.CacheSegments),
		nodeCache:          nodeCache,
		workers:            make(chan struct{}, concurrency),
	}
	idx.emptySegment = newSegment(idx, -1, cfg.TemporaryTable)
	return idx, nil
}

func (idx *Index) acquireWorker() { idx.workers <- struct{}{} }
func (idx *Index) releaseWorker() { <-idx.workers }

func (idx *Index) nodeCacheKey(s *Segment, offset int64) (uint64, bool) {
	if s.id < 0 || offset < 0 || offset >= 1<<32 {
		return 0, false
	}
	gen := uint64(uint16(s.cacheGen.Load()))
	return uint64(s.id+1)<<48 | gen<<32 | uint64(uint32(offset)), true
}

func (idx *Index) cacheNode(s *Segment, n *node) {
	if key, ok := idx.nodeCacheKey(s, n.space.Offset); ok {
		idx.nodeCache.Set(key, n, int64(n.space.Length))
	}
}

func (idx *Index) cachedNode(s *Segment, offset int64) (*node, bool) {
	key, ok := idx.nodeCacheKey(s, offset)
	if !ok {
		return nil, false
	}
	return idx.nodeCache.Get(key)
}

func (idx *Index) dropCachedNode(s *Segment, offset int64) {
	if key, ok := idx.nodeCacheKey(s, offset); ok {
		idx.nodeCache.Del(key)
	}
}

func (idx *Index) readRecord(file int32, offset int64, key []byte) (*entry.Record, error) {
	if idx.dataFileProvider == nil {
		return nil, errors.New("index: no data file provider configured")
	}
	return entry.ReadRecord(idx.dataFileProvider, file, offset, key)
}

// Start locks the index directory and brings every configured segment
// up.
func (idx *Index) Start() error {
	lockFile, err := dirlock.Lock(idx.indexDir)
	if err != nil {
		return err
	}
	idx.dirLock = lockFile
	ids := make([]int, idx.cacheSegments)
	for i := range ids {
		ids[i] = i
	}
	idx.AddSegments(ids)
	return nil
}

// AddSegments installs a fresh segment and queue for every id not
// already live; existing segments are untouched.
func (idx *Index) AddSegments(ids []int) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	for _, i := range ids {
		if i < 0 || i >= len(idx.segments) {
			continue
		}
		if s := idx.segments[i]; s != nil && s.id >= 0 {
			continue
		}
		s := newSegment(idx, i, idx.temporaryTable)
		idx.segments[i] = s
		go s.run()
		metricsLiveSegments.Inc()
	}
}

// RemoveSegments swaps the segments out for the retired sentinel,
// drains their queues and deletes the backing files.
func (idx *Index) RemoveSegments(ids []int) {
	var removed []*Segment
	idx.lock.Lock()
	for _, i := range ids {
		if i < 0 || i >= len(idx.segments) {
			continue
		}
		s := idx.segments[i]
		if s == nil || s.id < 0 {
			continue
		}
		idx.segments[i] = idx.emptySegment
		removed = append(removed, s)
	}
	idx.lock.Unlock()
	for _, s := range removed {
		s.closeQueue()
	}
	for _, s := range removed {
		<-s.done
		if s.err != nil {
			idx.logger.Error("removed segment finished with error", "segment", s.id, "err", s.err)
		}
		s.delete()
		metricsLiveSegments.Dec()
	}
}

func (idx *Index) segment(cacheSegment int) *Segment {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	s := idx.segments[cacheSegment]
	if s == nil {
		return idx.emptySegment
	}
	return s
}

// HandleRequest enqueues the request to its segment's applier and
// returns it for completion tracking.
func (idx *Index) HandleRequest(req *Request) *Request {
	idx.segment(req.cacheSegment).enqueue(req)
	return req
}

// GetPosition returns the live data-file position for key, nil when
// the key is absent or tombstoned.
func (idx *Index) GetPosition(cacheSegment int, key []byte) (*EntryPosition, error) {
	e, err := idx.segment(cacheSegment).lookupEntry(key)
	if err != nil || e == nil || e.tombstone() {
		return nil, err
	}
	return &EntryPosition{File: e.file, Offset: e.offset}, nil
}

// GetRecord materializes the record for key, nil when absent,
// tombstoned or expired.
func (idx *Index) GetRecord(cacheSegment int, key []byte) (*entry.Record, error) {
	e, err := idx.segment(cacheSegment).lookupEntry(key)
	if err != nil || e == nil || e.tombstone() {
		return nil, err
	}
	record, err := idx.readRecord(e.file, e.offset, key)
	if err != nil {
		return nil, err
	}
	if record.Header.Expired(idx.timeService.Now()) {
		return nil, nil
	}
	return record, nil
}

// GetRecordEvenIfExpired materializes the record for key ignoring
// expiration. For a tombstoned key the last known location is used
// while it is still recoverable.
func (idx *Index) GetRecordEvenIfExpired(cacheSegment int, key []byte) (*entry.Record, error) {
	e, err := idx.segment(cacheSegment).lookupEntry(key)
	if err != nil || e == nil {
		return nil, err
	}
	file, offset, ok := e.lastLocation()
	if !ok {
		return nil, nil
	}
	return idx.readRecord(file, offset, key)
}

// GetInfo returns the raw leaf values for key, including tombstones;
// the compactor matches records against them.
func (idx *Index) GetInfo(cacheSegment int, key []byte) (*EntryInfo, error) {
	e, err := idx.segment(cacheSegment).lookupEntry(key)
	if err != nil || e == nil {
		return nil, err
	}
	return &EntryInfo{File: e.file, Offset: e.offset, NumRecords: e.numRecords, SeqID: e.seqID}, nil
}

// Clear broadcasts CLEAR to every live segment, awaits completion and
// zeroes the per-segment counters.
func (idx *Index) Clear(ctx context.Context) error {
	idx.logger.Debug("clearing index")
	var requests []*Request
	idx.lock.Lock()
	for i, s := range idx.segments {
		if s == nil || s.id < 0 {
			continue
		}
		req := clearRequest(i)
		s.enqueue(req)
		requests = append(requests, req)
	}
	for i := range idx.sizePerSegment {
		idx.sizePerSegment[i].Store(0)
	}
	idx.lock.Unlock()
	for _, req := range requests {
		if _, err := req.Await(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnsureRunOnLast broadcasts a barrier to every segment; the action
// runs exactly once, after the last segment processed it.
func (idx *Index) EnsureRunOnLast(action func()) {
	idx.lock.RLock()
	segments := make([]*Segment, len(idx.segments))
	copy(segments, idx.segments)
	idx.lock.RUnlock()
	var count atomic.Int32
	count.Store(int32(len(segments)))
	for i, s := range segments {
		req := syncRequest(i, func() {
			if count.Add(-1) == 0 {
				action()
			}
		})
		if s == nil {
			s = idx.emptySegment
		}
		s.enqueue(req)
	}
}

// DeleteFileAsync removes a data file once every segment has processed
// all requests enqueued so far, so no index lookup can reach an
// outdated value.
func (idx *Index) DeleteFileAsync(fileID int32) {
	idx.EnsureRunOnLast(func() {
		if idx.dataFileProvider != nil {
			if err := idx.dataFileProvider.DeleteFile(fileID); err != nil {
				idx.logger.Warn("cannot delete data file", "file", fileID, "err", err)
			}
		}
		idx.compactor.ReleaseStats(fileID)
	})
}

// ApproximateSize sums the live-entry counters of the given cache
// segments, saturating at the maximum on overflow.
func (idx *Index) ApproximateSize(cacheSegments []int) uint64 {
	var size int64
	for _, cacheSegment := range cacheSegments {
		size += idx.sizePerSegment[cacheSegment].Load()
		if size < 0 {
			return math.MaxUint64
		}
	}
	return uint64(size)
}

// GetMaxSeqID scans every segment for the highest stored sequence id.
func (idx *Index) GetMaxSeqID() (uint64, error) {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	var maxSeq uint64
	for _, s := range idx.segments {
		if s == nil || s.id < 0 {
			continue
		}
		segMax, err := s.calculateMaxSeqID()
		if err != nil {
			return 0, err
		}
		if segMax > maxSeq {
			maxSeq = segMax
		}
	}
	return maxSeq, nil
}

// Publish streams every live entry of the given cache segments.
// loadValues additionally materializes the records, skipping expired
// ones.
func (idx *Index) Publish(cacheSegments []int, loadValues bool, fn func(*PublishedEntry) error) error {
	for _, cacheSegment := range cacheSegments {
		if err := idx.segment(cacheSegment).publish(loadValues, fn); err != nil {
			return err
		}
	}
	return nil
}

// Reset wipes every segment; the caller replays data files afterwards.
func (idx *Index) Reset() error {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	for _, s := range idx.segments {
		if s == nil || s.id < 0 {
			continue
		}
		if err := s.reset(); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains every segment, persists the graceful state and writes
// the shutdown sidecars. Their absence at next startup means a dirty
// index.
func (idx *Index) Stop() error {
	idx.lock.Lock()
	segments := make([]*Segment, len(idx.segments))
	copy(segments, idx.segments)
	idx.lock.Unlock()

	for _, s := range segments {
		if s != nil && s.id >= 0 {
			s.closeQueue()
		}
	}
	var firstErr error
	for _, s := range segments {
		if s == nil || s.id < 0 {
			continue
		}
		<-s.done
		if s.err != nil && firstErr == nil {
			firstErr = s.err
		}
	}
	idx.indexFileProvider.Stop()

	if err := idx.writeIndexCountFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := idx.writeStatsFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	dirlock.Unlock(idx.dirLock)
	idx.dirLock = nil
	return firstErr
}

// Load restores the persisted index. It returns true only when both
// sidecars are present and consistent and every segment's file proves
// a graceful shutdown; any other observed state means the caller must
// rebuild from the data files.
func (idx *Index) Load() bool {
	if !idx.checkForExistingIndexSizeFile() {
		return false
	}
	if !idx.loadStatsFile() {
		return false
	}
	idx.lock.RLock()
	segments := make([]*Segment, len(idx.segments))
	copy(segments, idx.segments)
	idx.lock.RUnlock()
	for _, s := range segments {
		if s == nil || s.id < 0 {
			continue
		}
		loaded, err := s.load()
		if err != nil {
			idx.logger.Warn("loading index segment failed, assuming dirty", "segment", s.id, "err", err)
			return false
		}
		if !loaded {
			return false
		}
	}
	return true
}

// checkForExistingIndexSizeFile restores the per-segment counters from
// the index-count sidecar. The file is deleted either way; its absence
// at the next startup marks the index dirty.
func (idx *Index) checkForExistingIndexSizeFile() bool {
	path := filepath.Join(idx.indexDir, indexCountFileName)
	valid := false
	f, err := os.Open(path)
	if err == nil {
		reader := bufio.NewReader(f)
		count, err := binary.ReadUvarint(reader)
		if err == nil && int(count) == idx.cacheSegments {
			valid = true
			for i := 0; i < idx.cacheSegments; i++ {
				value, err := binary.ReadUvarint(reader)
				if err != nil || value > math.MaxInt64 {
					idx.logger.Debug("invalid segment size in index-count, assuming dirty")
					valid = false
					break
				}
				idx.sizePerSegment[i].Store(int64(value))
			}
			if valid {
				if _, err := reader.ReadByte(); err != io.EOF {
					idx.logger.Debug("index-count has trailing bytes, assuming a different format")
					valid = false
				}
			}
		} else if err == nil {
			idx.logger.Debug("index-count segment count does not match configuration",
				"stored", count, "configured", idx.cacheSegments)
		}
		f.Close()
	}
	// delete so the file only ever reflects a clean shutdown
	os.Remove(path)
	return valid
}

func (idx *Index) writeIndexCountFile() error {
	path := filepath.Join(idx.indexDir, indexCountFileName)
	buf := binary.AppendUvarint(nil, uint64(idx.cacheSegments))
	for i := 0; i < idx.cacheSegments; i++ {
		size := idx.sizePerSegment[i].Load()
		if size < 0 {
			size = 0
		}
		buf = binary.AppendUvarint(buf, uint64(size))
	}
	return os.WriteFile(path, buf, 0o644)
}

// loadStatsFile feeds the compactor the per-data-file statistics
// persisted at the previous stop, deleting the file afterwards.
func (idx *Index) loadStatsFile() bool {
	path := filepath.Join(idx.indexDir, indexStatsFileName)
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer os.Remove(path)
	defer f.Close()
	reader := bufio.NewReader(f)
	record := make([]byte, 20)
	for {
		_, err := io.ReadFull(reader, record)
		if err == io.EOF {
			return true
		}
		if err != nil {
			idx.logger.Debug("truncated index.stats, assuming dirty", "err", err)
			return false
		}
		file := int32(binary.BigEndian.Uint32(record[0:4]))
		total := int32(binary.BigEndian.Uint32(record[4:8]))
		free := int32(binary.BigEndian.Uint32(record[8:12]))
		expiration := int64(binary.BigEndian.Uint64(record[12:20]))
		if !idx.compactor.AddFreeFile(file, total, free, expiration, false) {
			idx.logger.Debug("compactor rejected free file", "file", file)
			return false
		}
	}
}

func (idx *Index) writeStatsFile() error {
	path := filepath.Join(idx.indexDir, indexStatsFileName)
	var buf []byte
	for file, stats := range idx.compactor.GetFileStats() {
		total := stats.Total
		if total == -1 && idx.dataFileProvider != nil {
			if size, err := idx.dataFileProvider.GetFileSize(file); err == nil {
				total = int32(size)
			}
		}
		record := make([]byte, 20)
		binary.BigEndian.PutUint32(record[0:4], uint32(file))
		binary.BigEndian.PutUint32(record[4:8], uint32(total))
		binary.BigEndian.PutUint32(record[8:12], uint32(stats.Free))
		binary.BigEndian.PutUint64(record[12:20], uint64(stats.NextExpirationTime))
		buf = append(buf, record...)
	}
	return os.WriteFile(path, buf, 0o644)
}
