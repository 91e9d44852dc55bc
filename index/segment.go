package index

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/nextlabs-mydc/sifs/fileprov"
)

// requestQueueSize bounds the per-segment request channel.
const requestQueueSize = 1024

// Segment owns one index file, one root pointer and one free-block
// catalog. A single applier goroutine drains its request queue;
// freeBlocks, indexFileSize and degraded are applier-private.
type Segment struct {
	index          *Index
	id             int
	temporaryTable TemporaryTable
	logger         *slog.Logger

	queueMu sync.Mutex
	queue   chan *Request
	closed  bool

	rootLock sync.RWMutex
	root     *node

	cacheGen atomic.Uint32

	freeBlocks    freeBlockCatalog
	indexFileSize int64
	degraded      error

	done chan struct{}
	err  error
}

func newSegment(index *Index, id int, temporaryTable TemporaryTable) *Segment {
	s := &Segment{
		index:          index,
		id:             id,
		temporaryTable: temporaryTable,
		logger:         index.logger,
		root:           emptyLeafNode(),
		freeBlocks:     newFreeBlockCatalog(),
		indexFileSize:  indexFileHeaderSize,
		done:           make(chan struct{}),
	}
	if id >= 0 {
		s.queue = make(chan *Request, requestQueueSize)
	} else {
		// the retired-segment sentinel never runs an applier
		close(s.done)
	}
	return s
}

// ID returns the cache segment this index segment serves, -1 for the
// retired sentinel.
func (s *Segment) ID() int { return s.id }

func (s *Segment) currentRoot() *node {
	s.rootLock.RLock()
	root := s.root
	s.rootLock.RUnlock()
	return root
}

func (s *Segment) setRoot(root *node) {
	s.rootLock.Lock()
	s.root = root
	s.rootLock.Unlock()
}

// enqueue hands a request to the applier. The retired sentinel
// completes everything as a no-op, running sync barriers inline so a
// broadcast still converges.
func (s *Segment) enqueue(req *Request) {
	if s.id < 0 {
		if req.typ == RequestSync && req.sync != nil {
			req.sync()
		}
		s.index.nonBlockingManager.Complete(req, nil)
		return
	}
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		s.index.nonBlockingManager.CompleteExceptionally(req, ErrStopped)
		return
	}
	s.queue <- req
	s.queueMu.Unlock()
}

func (s *Segment) closeQueue() {
	s.queueMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.queueMu.Unlock()
}

// run drains the queue until end-of-stream, then persists the graceful
// shutdown state.
func (s *Segment) run() {
	for req := range s.queue {
		s.index.acquireWorker()
		s.accept(req)
		s.index.releaseWorker()
	}
	err := s.flushGraceful()
	if err != nil {
		s.logger.Error("writing graceful index state failed", "segment", s.id, "err", err)
	}
	s.err = err
	close(s.done)
}

func (s *Segment) accept(req *Request) {
	if s.logger.Enabled(nil, slog.LevelDebug) {
		s.logger.Debug("indexing", "segment", s.id, "request", req.String())
	}
	metricsRequests.WithLabelValues(req.typ.String()).Inc()

	var hook overwriteHook
	var change recordChange
	switch req.typ {
	case RequestClear:
		if err := s.clear(); err != nil {
			s.index.nonBlockingManager.CompleteExceptionally(req, err)
			return
		}
		s.index.nonBlockingManager.Complete(req, nil)
		return
	case RequestSync:
		if req.sync != nil {
			req.sync()
		}
		s.index.nonBlockingManager.Complete(req, nil)
		return
	case RequestMoved:
		change, hook = recordMove, hookMoved
	case RequestUpdate:
		change, hook = recordIncrease, hookUpdate
	case RequestDropped:
		change, hook = recordDecrease, hookDropped
	case RequestFoundOld:
		change, hook = recordIncreaseForOld, hookNoop
	default:
		s.index.nonBlockingManager.CompleteExceptionally(req,
			errors.Wrapf(ErrIllegalState, "unknown request type %d", int(req.typ)))
		return
	}

	if s.degraded != nil {
		s.index.nonBlockingManager.CompleteExceptionally(req, s.degraded)
		return
	}
	if err := s.setPosition(req, hook, change); err != nil {
		if !errors.Is(err, ErrIllegalState) {
			s.degraded = errors.Wrapf(err, "index: segment %d degraded", s.id)
			s.logger.Error("index update failed, segment degraded", "segment", s.id, "err", err)
		}
		s.index.nonBlockingManager.CompleteExceptionally(req, err)
		return
	}
	s.temporaryTable.RemoveConditionally(req.cacheSegment, req.key, req.file, req.offset)
	if req.typ != RequestUpdate {
		// UPDATE completed inside the overwrite hook, carrying the
		// overwritten flag
		s.index.nonBlockingManager.Complete(req, nil)
	}
}

type pathElem struct {
	n   *node
	idx int
}

// setPosition is the only tree mutator. It descends to the covering
// leaf, folds the request in, rewrites the changed nodes into fresh
// slots and publishes the new root. Old slots are freed afterwards, so
// a reader that pinned the previous root still finds its nodes until
// the applier reuses them.
func (s *Segment) setPosition(req *Request, hook overwriteHook, change recordChange) error {
	var path []pathElem
	n := s.currentRoot()
	for !n.leaf {
		idx := n.childIndex(req.key)
		path = append(path, pathElem{n, idx})
		child, err := s.readNode(n.children[idx])
		if err != nil {
			return err
		}
		n = child
	}

	idx, found := n.findEntry(req.key)
	prevFile, prevOffset := int32(-1), int64(-1)
	if found {
		prevFile, prevOffset = n.entries[idx].file, n.entries[idx].offset
	}
	if !hook.check(req, prevFile, prevOffset) {
		hook.setOverwritten(s.index, req, false, -1, -1)
		return nil
	}
	newEntries, changed := applyLeafChange(n.entries, idx, found, req, change)
	if !changed {
		hook.setOverwritten(s.index, req, false, -1, -1)
		return nil
	}

	var freed []IndexSpace
	if n.space.stored() {
		freed = append(freed, n.space)
	}
	replacement := &node{leaf: true, entries: newEntries}
	var current []*node
	var seps [][]byte
	if replacement.encodedLength() > s.index.maxNodeSize {
		current, seps = splitLeafEntries(newEntries, s.index.maxNodeSize)
	} else {
		current = []*node{replacement}
	}

	newRoot, err := s.propagate(path, current, seps, &freed)
	if err != nil {
		return err
	}
	s.setRoot(newRoot)
	for _, space := range freed {
		s.freeIndexSpace(space)
	}
	hook.setOverwritten(s.index, req, found, prevFile, prevOffset)
	return nil
}

// propagate rewrites the ancestors of the replaced leaf bottom-up,
// splitting oversized nodes and rebalancing undersized ones, and
// returns the new root.
func (s *Segment) propagate(path []pathElem, current []*node, seps [][]byte, freed *[]IndexSpace) (*node, error) {
	minSize, maxSize := s.index.minNodeSize, s.index.maxNodeSize
	for level := len(path) - 1; level >= 0; level-- {
		parent := path[level].n
		start, removed := path[level].idx, 1
		if len(current) == 1 && current[0].encodedLength() < minSize {
			nodes, nseps, nstart, nremoved, err := s.rebalance(parent, path[level].idx, current[0], freed)
			if err != nil {
				return nil, err
			}
			if nodes != nil {
				current, seps, start, removed = nodes, nseps, nstart, nremoved
			}
		}
		spaces, err := s.storeNodes(current)
		if err != nil {
			return nil, err
		}
		rebuilt := rebuildParent(parent, start, removed, spaces, seps)
		if parent.space.stored() {
			*freed = append(*freed, parent.space)
		}
		if rebuilt.encodedLength() > maxSize {
			current, seps = splitInnerNode(rebuilt.keys, rebuilt.children, maxSize)
		} else {
			current, seps = []*node{rebuilt}, nil
		}
	}
	// cascading splits of the old root grow the tree by one level
	for len(current) > 1 {
		spaces, err := s.storeNodes(current)
		if err != nil {
			return nil, err
		}
		rootNode := &node{keys: seps, children: spaces}
		if rootNode.encodedLength() > s.index.maxNodeSize {
			current, seps = splitInnerNode(rootNode.keys, rootNode.children, s.index.maxNodeSize)
		} else {
			current, seps = []*node{rootNode}, nil
		}
	}
	root := current[0]
	if !root.leaf && len(root.children) == 1 {
		// an inner root left with a single child collapses into it
		return s.readNode(root.children[0])
	}
	if err := s.storeNode(root); err != nil {
		return nil, err
	}
	return root, nil
}

// rebuildParent produces the parent's new version with children
// [start, start+removed) replaced by childSpaces, separated by seps.
func rebuildParent(parent *node, start, removed int, childSpaces []IndexSpace, seps [][]byte) *node {
	children := make([]IndexSpace, 0, len(parent.children)-removed+len(childSpaces))
	children = append(children, parent.children[:start]...)
	children = append(children, childSpaces...)
	children = append(children, parent.children[start+removed:]...)
	keys := make([][]byte, 0, len(children)-1)
	keys = append(keys, parent.keys[:start]...)
	keys = append(keys, seps...)
	keys = append(keys, parent.keys[start+removed-1:]...)
	return &node{keys: keys, children: children}
}

// rebalance merges an undersized child with its left sibling, then the
// right one; when both merges would overflow, entries are
// redistributed across the boundary instead. Returns nil nodes when
// the parent offers no sibling.
func (s *Segment) rebalance(parent *node, idx int, child *node, freed *[]IndexSpace) ([]*node, [][]byte, int, int, error) {
	maxSize := s.index.maxNodeSize
	var order []int
	if idx > 0 {
		order = append(order, idx-1)
	}
	if idx < len(parent.children)-1 {
		order = append(order, idx+1)
	}
	if len(order) == 0 {
		return nil, nil, 0, 0, nil
	}

	siblings := make(map[int]*node, len(order))
	for _, sibIdx := range order {
		sibling, err := s.readNode(parent.children[sibIdx])
		if err != nil {
			return nil, nil, 0, 0, err
		}
		siblings[sibIdx] = sibling
	}

	mergedLength := func(sibIdx int) int {
		sibling := siblings[sibIdx]
		length := child.encodedLength() + sibling.encodedLength() - nodeHeaderSize
		if !child.leaf {
			length += keyHeaderSize + len(parent.keys[min(idx, sibIdx)])
		}
		return length
	}

	for _, sibIdx := range order {
		if mergedLength(sibIdx) > maxSize {
			continue
		}
		left, right := child, siblings[sibIdx]
		if sibIdx < idx {
			left, right = right, left
		}
		var merged *node
		if child.leaf {
			entries := make([]leafEntry, 0, len(left.entries)+len(right.entries))
			entries = append(entries, left.entries...)
			entries = append(entries, right.entries...)
			merged = &node{leaf: true, entries: entries}
		} else {
			keys := make([][]byte, 0, len(left.keys)+1+len(right.keys))
			keys = append(keys, left.keys...)
			keys = append(keys, parent.keys[min(idx, sibIdx)])
			keys = append(keys, right.keys...)
			children := make([]IndexSpace, 0, len(left.children)+len(right.children))
			children = append(children, left.children...)
			children = append(children, right.children...)
			merged = &node{keys: keys, children: children}
		}
		*freed = append(*freed, siblings[sibIdx].space)
		return []*node{merged}, nil, min(idx, sibIdx), 2, nil
	}

	// both merges would overflow: move entries across the closest
	// boundary until the sizes even out
	sibIdx := order[0]
	sibling := siblings[sibIdx]
	left, right := child, sibling
	if sibIdx < idx {
		left, right = right, left
	}
	var nodes []*node
	var seps [][]byte
	if child.leaf {
		entries := make([]leafEntry, 0, len(left.entries)+len(right.entries))
		entries = append(entries, left.entries...)
		entries = append(entries, right.entries...)
		nodes, seps = splitLeafBalanced(entries)
	} else {
		keys := make([][]byte, 0, len(left.keys)+1+len(right.keys))
		keys = append(keys, left.keys...)
		keys = append(keys, parent.keys[min(idx, sibIdx)])
		keys = append(keys, right.keys...)
		children := make([]IndexSpace, 0, len(left.children)+len(right.children))
		children = append(children, left.children...)
		children = append(children, right.children...)
		nodes, seps = splitInnerBalanced(keys, children)
	}
	*freed = append(*freed, sibling.space)
	return nodes, seps, min(idx, sibIdx), 2, nil
}

func (s *Segment) storeNodes(nodes []*node) ([]IndexSpace, error) {
	spaces := make([]IndexSpace, len(nodes))
	for i, n := range nodes {
		if err := s.storeNode(n); err != nil {
			return nil, err
		}
		spaces[i] = n.space
	}
	return spaces, nil
}

func (s *Segment) storeNode(n *node) error {
	data := n.serialize()
	if len(data) > int(^uint16(0)) {
		return errors.Wrapf(ErrIllegalState, "node of %d bytes exceeds the length limit", len(data))
	}
	space := s.allocateIndexSpace(uint16(len(data)))
	handle, err := s.indexFile()
	if err != nil {
		return err
	}
	defer handle.Close()
	if err := handle.WriteAt(data, space.Offset); err != nil {
		return err
	}
	n.space = space
	s.index.cacheNode(s, n)
	metricsNodesWritten.Inc()
	return nil
}

// allocateIndexSpace reuses a hole from the catalog when one of a
// close-enough length exists, otherwise extends the file.
func (s *Segment) allocateIndexSpace(length uint16) IndexSpace {
	if space, ok := s.freeBlocks.takeCeiling(length); ok {
		return space
	}
	space := IndexSpace{Offset: s.indexFileSize, Length: length}
	s.indexFileSize += int64(length)
	return space
}

// freeIndexSpace retires a slot. A slot at the tail shrinks the file
// instead of joining the catalog.
func (s *Segment) freeIndexSpace(space IndexSpace) {
	if space.Length == 0 {
		return
	}
	s.index.dropCachedNode(s, space.Offset)
	if space.Offset+int64(space.Length) < s.indexFileSize {
		s.freeBlocks.add(space)
		return
	}
	s.indexFileSize = space.Offset
	handle, err := s.indexFile()
	if err != nil {
		s.logger.Warn("cannot truncate index file", "segment", s.id, "err", err)
		return
	}
	defer handle.Close()
	if err := handle.Truncate(s.indexFileSize); err != nil {
		s.logger.Warn("cannot truncate index file", "segment", s.id, "err", err)
	}
}

func (s *Segment) indexFile() (*fileprov.Handle, error) {
	return s.index.indexFileProvider.GetFile(int32(s.id))
}

// readNode materializes the node stored in the given slot, via the
// shared node cache.
func (s *Segment) readNode(space IndexSpace) (*node, error) {
	if !space.stored() {
		return nil, errors.Wrap(ErrIllegalState, "dangling child pointer")
	}
	if n, ok := s.index.cachedNode(s, space.Offset); ok {
		metricsNodeCacheHit.Inc()
		return n, nil
	}
	metricsNodeCacheMiss.Inc()
	handle, err := s.indexFile()
	if err != nil {
		return nil, err
	}
	defer handle.Close()
	buf := make([]byte, space.Length)
	if err := handle.ReadAt(buf, space.Offset); err != nil {
		if errors.Is(err, fileprov.ErrShortRead) {
			return nil, errors.Wrapf(ErrCorruptNode, "node at %d:%d past end of file", s.id, space.Offset)
		}
		return nil, err
	}
	n, err := parseNode(buf, space)
	if err != nil {
		return nil, err
	}
	s.index.cacheNode(s, n)
	return n, nil
}

// lookupEntry finds the leaf entry for key in the published tree. The
// root is pinned under a brief read lock; the descent itself runs
// lock-free over immutable nodes.
func (s *Segment) lookupEntry(key []byte) (*leafEntry, error) {
	n := s.currentRoot()
	for !n.leaf {
		child, err := s.readNode(n.children[n.childIndex(key)])
		if err != nil {
			return nil, err
		}
		n = child
	}
	if idx, found := n.findEntry(key); found {
		e := n.entries[idx]
		return &e, nil
	}
	return nil, nil
}

// clear resets the segment to an empty tree and truncates the file
// back to its header.
func (s *Segment) clear() error {
	s.setRoot(emptyLeafNode())
	s.cacheGen.Add(1)
	s.freeBlocks.clear()
	s.indexFileSize = indexFileHeaderSize
	s.degraded = nil
	s.index.sizePerSegment[s.id].Store(0)
	handle, err := s.indexFile()
	if err != nil {
		return err
	}
	defer handle.Close()
	return handle.Truncate(indexFileHeaderSize)
}

// load installs the persisted tree when the header proves a graceful
// shutdown with a matching segment count; any other state resets the
// segment. Either way the magic is flipped to DIRTY until the next
// graceful stop.
func (s *Segment) load() (bool, error) {
	handle, err := s.indexFile()
	if err != nil {
		return false, err
	}
	defer handle.Close()

	loaded := s.tryLoad(handle)
	if !loaded {
		if err := handle.Truncate(0); err != nil {
			return false, err
		}
		s.setRoot(emptyLeafNode())
		s.cacheGen.Add(1)
		s.freeBlocks.clear()
		s.indexFileSize = indexFileHeaderSize
	}
	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], dirtyMagic)
	if err := handle.WriteAt(magic[:], 0); err != nil {
		return false, err
	}
	return loaded, nil
}

func (s *Segment) tryLoad(handle *fileprov.Handle) bool {
	size, err := handle.Size()
	if err != nil || size < indexFileHeaderSize {
		return false
	}
	header := make([]byte, indexFileHeaderSize)
	if err := handle.ReadAt(header, 0); err != nil {
		return false
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	segmentCount := int(binary.BigEndian.Uint32(header[4:8]))
	if magic != gracefullyMagic || segmentCount != s.temporaryTable.GetSegmentMax() {
		return false
	}
	rootSpace := IndexSpace{
		Offset: int64(binary.BigEndian.Uint64(header[8:16])),
		Length: binary.BigEndian.Uint16(header[16:18]),
	}
	freeBlocksOffset := int64(binary.BigEndian.Uint64(header[18:26]))

	s.cacheGen.Add(1)
	root, err := s.readNode(rootSpace)
	if err != nil {
		s.logger.Warn("cannot load index root, resetting segment", "segment", s.id, "err", err)
		return false
	}
	if err := s.freeBlocks.load(handle, freeBlocksOffset); err != nil {
		s.logger.Warn("cannot load free blocks, resetting segment", "segment", s.id, "err", err)
		return false
	}
	s.setRoot(root)
	s.indexFileSize = freeBlocksOffset
	return true
}

// reset wipes the segment without caring about prior content; the
// upper layer replays data files afterwards.
func (s *Segment) reset() error {
	handle, err := s.indexFile()
	if err != nil {
		return err
	}
	defer handle.Close()
	if err := handle.Truncate(0); err != nil {
		return err
	}
	s.setRoot(emptyLeafNode())
	s.cacheGen.Add(1)
	s.freeBlocks.clear()
	s.indexFileSize = indexFileHeaderSize
	s.degraded = nil
	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], dirtyMagic)
	return handle.WriteAt(magic[:], 0)
}

// flushGraceful persists the root, the free-block catalog and the
// header, then flips the magic to GRACEFULLY. Runs once, after the
// queue drained.
func (s *Segment) flushGraceful() error {
	root := s.currentRoot()
	if root.space.stored() {
		s.freeIndexSpace(root.space)
		clone := *root
		clone.space = IndexSpace{}
		root = &clone
	}
	if err := s.storeNode(root); err != nil {
		return err
	}

	handle, err := s.indexFile()
	if err != nil {
		return err
	}
	defer handle.Close()

	freeBlocksOffset := s.indexFileSize
	if err := handle.WriteAt(s.freeBlocks.serialize(), freeBlocksOffset); err != nil {
		return err
	}

	header := make([]byte, indexFileHeaderSize-4)
	binary.BigEndian.PutUint32(header[0:4], uint32(s.index.cacheSegments))
	binary.BigEndian.PutUint64(header[4:12], uint64(root.space.Offset))
	binary.BigEndian.PutUint16(header[12:14], root.space.Length)
	binary.BigEndian.PutUint64(header[14:22], uint64(freeBlocksOffset))
	binary.BigEndian.PutUint64(header[22:30], uint64(s.index.sizePerSegment[s.id].Load()))
	if err := handle.WriteAt(header, 4); err != nil {
		return err
	}

	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], gracefullyMagic)
	if err := handle.WriteAt(magic[:], 0); err != nil {
		return err
	}
	return handle.Force(true)
}

func (s *Segment) delete() {
	// the retired sentinel has no backing file
	if s.id >= 0 {
		if err := s.index.indexFileProvider.DeleteFile(int32(s.id)); err != nil {
			s.logger.Warn("cannot delete index file", "segment", s.id, "err", err)
		}
	}
}

// calculateMaxSeqID scans every leaf for the highest sequence id; used
// at startup to re-seed the write sequence.
func (s *Segment) calculateMaxSeqID() (uint64, error) {
	return s.maxSeqIDUnder(s.currentRoot())
}

func (s *Segment) maxSeqIDUnder(n *node) (uint64, error) {
	if n.leaf {
		var maxSeq uint64
		for i := range n.entries {
			if n.entries[i].seqID > maxSeq {
				maxSeq = n.entries[i].seqID
			}
		}
		return maxSeq, nil
	}
	var maxSeq uint64
	for _, childSpace := range n.children {
		child, err := s.readNode(childSpace)
		if err != nil {
			return 0, err
		}
		childMax, err := s.maxSeqIDUnder(child)
		if err != nil {
			return 0, err
		}
		if childMax > maxSeq {
			maxSeq = childMax
		}
	}
	return maxSeq, nil
}

// publish streams every live leaf entry of the segment in key order.
func (s *Segment) publish(loadValues bool, fn func(*PublishedEntry) error) error {
	return s.publishNode(s.currentRoot(), loadValues, fn)
}

func (s *Segment) publishNode(n *node, loadValues bool, fn func(*PublishedEntry) error) error {
	if !n.leaf {
		for _, childSpace := range n.children {
			child, err := s.readNode(childSpace)
			if err != nil {
				return err
			}
			if err := s.publishNode(child, loadValues, fn); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range n.entries {
		e := &n.entries[i]
		if e.offset < 0 {
			continue
		}
		published := &PublishedEntry{
			CacheSegment: s.id,
			Key:          e.key,
			File:         e.file,
			Offset:       e.offset,
			NumRecords:   e.numRecords,
			SeqID:        e.seqID,
		}
		if loadValues {
			record, err := s.index.readRecord(e.file, e.offset, e.key)
			if err != nil {
				return err
			}
			if record.Header.Expired(s.index.timeService.Now()) {
				continue
			}
			published.Record = record
		}
		if err := fn(published); err != nil {
			return err
		}
	}
	return nil
}
