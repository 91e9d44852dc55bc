package index

import (
	"context"
	"fmt"
	"sync"
)

// RequestType discriminates the mutations and barriers a segment
// applier understands.
type RequestType int

const (
	// RequestUpdate records a new write for a key.
	RequestUpdate RequestType = iota
	// RequestMoved records that the compactor relocated a record.
	RequestMoved
	// RequestDropped marks a key deleted; the data-file records stay
	// until compaction reclaims them.
	RequestDropped
	// RequestFoundOld is a bookkeeping-only insertion observed while
	// replaying data files.
	RequestFoundOld
	// RequestClear resets a segment to an empty tree.
	RequestClear
	// RequestSync runs an attached action on the applier goroutine.
	RequestSync
)

func (t RequestType) String() string {
	switch t {
	case RequestUpdate:
		return "UPDATE"
	case RequestMoved:
		return "MOVED"
	case RequestDropped:
		return "DROPPED"
	case RequestFoundOld:
		return "FOUND_OLD"
	case RequestClear:
		return "CLEAR"
	case RequestSync:
		return "SYNC_REQUEST"
	default:
		return fmt.Sprintf("RequestType(%d)", int(t))
	}
}

// Request is a mutation or barrier descriptor plus its completion
// future. Mutations carry the key, the new entry location and, where
// the type needs it, the previous location.
type Request struct {
	typ          RequestType
	cacheSegment int
	key          []byte

	file       int32
	offset     int64
	numRecords uint32
	seqID      uint64

	prevFile   int32
	prevOffset int64

	sync func() // RequestSync only

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newRequest(typ RequestType, cacheSegment int) *Request {
	return &Request{
		typ:          typ,
		cacheSegment: cacheSegment,
		done:         make(chan struct{}),
	}
}

// NewUpdateRequest describes a fresh write of key at (file, offset).
// A negative file/offset pair records a logical removal.
func NewUpdateRequest(cacheSegment int, key []byte, file int32, offset int64, seqID uint64) *Request {
	r := newRequest(RequestUpdate, cacheSegment)
	r.key = key
	r.file = file
	r.offset = offset
	r.numRecords = 1
	r.seqID = seqID
	return r
}

// NewMovedRequest describes a record relocation from prev to the new
// location. The move only applies while the index still points at prev.
func NewMovedRequest(cacheSegment int, key []byte, prevFile int32, prevOffset int64, file int32, offset int64, seqID uint64) *Request {
	r := newRequest(RequestMoved, cacheSegment)
	r.key = key
	r.prevFile = prevFile
	r.prevOffset = prevOffset
	r.file = file
	r.offset = offset
	r.numRecords = 1
	r.seqID = seqID
	return r
}

// NewDroppedRequest tombstones a key. The per-segment size counter is
// adjusted only when the index still points at prev.
func NewDroppedRequest(cacheSegment int, key []byte, prevFile int32, prevOffset int64) *Request {
	r := newRequest(RequestDropped, cacheSegment)
	r.key = key
	r.prevFile = prevFile
	r.prevOffset = prevOffset
	r.file = -1
	r.offset = -1
	return r
}

// NewFoundOldRequest records an older data-file record discovered
// during replay; it adjusts record counts without disturbing a newer
// entry.
func NewFoundOldRequest(cacheSegment int, key []byte, file int32, offset int64, numRecords uint32, seqID uint64) *Request {
	r := newRequest(RequestFoundOld, cacheSegment)
	r.key = key
	r.file = file
	r.offset = offset
	if numRecords == 0 {
		numRecords = 1
	}
	r.numRecords = numRecords
	r.seqID = seqID
	return r
}

func clearRequest(cacheSegment int) *Request {
	return newRequest(RequestClear, cacheSegment)
}

func syncRequest(cacheSegment int, action func()) *Request {
	r := newRequest(RequestSync, cacheSegment)
	r.sync = action
	return r
}

// Type returns the request type.
func (r *Request) Type() RequestType { return r.typ }

// CacheSegment returns the cache segment the request is routed to.
func (r *Request) CacheSegment() int { return r.cacheSegment }

func (r *Request) complete(value any, err error) {
	r.once.Do(func() {
		r.value = value
		r.err = err
		close(r.done)
	})
}

// Await blocks until the request completed or the context is done. For
// UPDATE requests the value is the overwritten boolean.
func (r *Request) Await(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the completion signal without blocking.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) String() string {
	return fmt.Sprintf("%s{seg=%d key=%x file=%d offset=%d prev=%d:%d seq=%d}",
		r.typ, r.cacheSegment, r.key, r.file, r.offset, r.prevFile, r.prevOffset, r.seqID)
}
