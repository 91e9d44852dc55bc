package index

// overwriteHook is the per-request-type strategy for guarding a
// mutation and folding its outcome into the per-segment size counter.
// These are three fixed behaviors plus a no-op, so a tagged constant is
// enough.
type overwriteHook int

const (
	hookNoop overwriteHook = iota
	hookMoved
	hookUpdate
	hookDropped
)

// check gates the mutation. Only a move is conditional: it applies
// only while the index still points at the location the compactor
// copied from.
func (h overwriteHook) check(req *Request, oldFile int32, oldOffset int64) bool {
	if h == hookMoved {
		return oldFile == req.prevFile && oldOffset == req.prevOffset
	}
	return true
}

// setOverwritten runs after the mutation outcome is known. prevFile
// and prevOffset are the leaf values before the mutation, -1/-1 when
// the key was absent or the mutation was not applied.
func (h overwriteHook) setOverwritten(idx *Index, req *Request, overwritten bool, prevFile int32, prevOffset int64) {
	switch h {
	case hookMoved:
		if overwritten && req.offset < 0 && req.prevOffset >= 0 {
			idx.sizePerSegment[req.cacheSegment].Add(-1)
		}
	case hookUpdate:
		if req.offset >= 0 && prevOffset < 0 {
			idx.sizePerSegment[req.cacheSegment].Add(1)
		} else if req.offset < 0 && prevOffset >= 0 {
			idx.sizePerSegment[req.cacheSegment].Add(-1)
		}
		// the caller observes the counter and the staging removal once
		// the request completes
		idx.temporaryTable.RemoveConditionally(req.cacheSegment, req.key, req.file, req.offset)
		idx.nonBlockingManager.Complete(req, overwritten)
	case hookDropped:
		if req.prevFile == prevFile && req.prevOffset == prevOffset {
			idx.sizePerSegment[req.cacheSegment].Add(-1)
		}
	}
}
