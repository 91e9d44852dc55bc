package index

import "sync"

// MemoryTemporaryTable is a striped in-memory TemporaryTable. The
// store writes entries as soon as a record hits the log; the index
// applier removes them once the tree covers the write.
type MemoryTemporaryTable struct {
	segmentMax int
	stripes    []tempStripe
}

type tempStripe struct {
	mu      sync.Mutex
	entries map[string]tempEntry
}

type tempEntry struct {
	file   int32
	offset int64
}

// NewMemoryTemporaryTable creates a table striped per cache segment.
func NewMemoryTemporaryTable(cacheSegments int) *MemoryTemporaryTable {
	t := &MemoryTemporaryTable{
		segmentMax: cacheSegments,
		stripes:    make([]tempStripe, cacheSegments),
	}
	for i := range t.stripes {
		t.stripes[i].entries = make(map[string]tempEntry)
	}
	return t
}

func (t *MemoryTemporaryTable) stripe(cacheSegment int) *tempStripe {
	return &t.stripes[cacheSegment%len(t.stripes)]
}

// Set records the freshest location for key.
func (t *MemoryTemporaryTable) Set(cacheSegment int, key []byte, file int32, offset int64) {
	s := t.stripe(cacheSegment)
	s.mu.Lock()
	s.entries[string(key)] = tempEntry{file: file, offset: offset}
	s.mu.Unlock()
}

// Get returns the staged location for key, if any.
func (t *MemoryTemporaryTable) Get(cacheSegment int, key []byte) (file int32, offset int64, ok bool) {
	s := t.stripe(cacheSegment)
	s.mu.Lock()
	e, ok := s.entries[string(key)]
	s.mu.Unlock()
	return e.file, e.offset, ok
}

// RemoveConditionally drops the staged entry only while it still
// points at (file, offset).
func (t *MemoryTemporaryTable) RemoveConditionally(cacheSegment int, key []byte, file int32, offset int64) {
	s := t.stripe(cacheSegment)
	s.mu.Lock()
	if e, ok := s.entries[string(key)]; ok && e.file == file && e.offset == offset {
		delete(s.entries, string(key))
	}
	s.mu.Unlock()
}

// GetSegmentMax returns the cache segment count the table was sized
// for.
func (t *MemoryTemporaryTable) GetSegmentMax() int { return t.segmentMax }
