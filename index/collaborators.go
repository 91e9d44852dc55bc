package index

import "time"

// CompactorStats is the per-data-file bookkeeping the compactor keeps
// and the index persists across a graceful restart.
type CompactorStats struct {
	// Total is the file length in bytes, -1 when not yet known.
	Total int32
	// Free counts the bytes no longer referenced by the index.
	Free int32
	// NextExpirationTime is the soonest expiry of any record in the
	// file, -1 when none expires.
	NextExpirationTime int64
}

// Compactor receives free-space statistics for data files. Only the
// calls the index core makes are declared here.
type Compactor interface {
	// AddFreeFile registers a data file's statistics during load.
	// Returning false rejects the statistics and forces a rebuild.
	AddFreeFile(file int32, total int32, free int32, nextExpirationTime int64, immediate bool) bool
	// ReleaseStats discards statistics after a data file was deleted.
	ReleaseStats(file int32)
	// GetFileStats snapshots all per-file statistics during stop.
	GetFileStats() map[int32]CompactorStats
}

// TemporaryTable is the in-memory staging area for writes that have
// not been indexed yet. The index removes entries once they are
// durable in the tree.
type TemporaryTable interface {
	// RemoveConditionally drops the staging entry for key only while it
	// still points at (file, offset), so a concurrent later write is
	// not shadowed.
	RemoveConditionally(cacheSegment int, key []byte, file int32, offset int64)
	// GetSegmentMax returns the cache segment count the table was
	// sized for; load uses it to validate persisted headers.
	GetSegmentMax() int
}

// TimeService supplies the wall clock used for expiration checks.
type TimeService interface {
	// Now returns the current time in milliseconds.
	Now() int64
}

// NonBlockingManager completes request futures away from the applier
// goroutine so user continuations cannot stall it.
type NonBlockingManager interface {
	Complete(request *Request, value any)
	CompleteExceptionally(request *Request, err error)
}

// DefaultTimeService reads the system wall clock.
type DefaultTimeService struct{}

// Now returns the current wall-clock time in milliseconds.
func (DefaultTimeService) Now() int64 { return time.Now().UnixMilli() }

// GoroutineNonBlockingManager hands each completion to its own
// goroutine.
type GoroutineNonBlockingManager struct{}

// Complete completes the request with a value.
func (GoroutineNonBlockingManager) Complete(request *Request, value any) {
	go request.complete(value, nil)
}

// CompleteExceptionally completes the request with an error.
func (GoroutineNonBlockingManager) CompleteExceptionally(request *Request, err error) {
	go request.complete(nil, err)
}

// noopCompactor is installed when no compactor collaborator is
// configured.
type noopCompactor struct{}

func (noopCompactor) AddFreeFile(int32, int32, int32, int64, bool) bool { return true }
func (noopCompactor) ReleaseStats(int32)                               {}
func (noopCompactor) GetFileStats() map[int32]CompactorStats           { return nil }
