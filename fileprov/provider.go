// Package fileprov maintains a bounded pool of open file handles over
// numbered files in a single directory. Files are named <prefix><id>;
// at most maxOpenFiles descriptors are kept open and older ones are
// closed transparently once their last borrower releases them.
package fileprov

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrShortRead is returned by Handle.ReadAt when EOF is reached before
// the buffer is filled. Load code uses it to detect truncated files.
var ErrShortRead = errors.New("fileprov: not fully read")

// ErrStopped is returned once the provider has been stopped.
var ErrStopped = errors.New("fileprov: provider stopped")

// Provider hands out reference-counted handles to numbered files.
type Provider struct {
	dir          string
	prefix       string
	maxOpenFiles int

	mu      sync.Mutex
	open    map[int32]*Handle
	lru     *list.List // *Handle, most recently used in front
	stopped bool
}

// New creates a provider over dir. Files are created lazily on first
// access. maxOpenFiles must be at least 1.
func New(dir, prefix string, maxOpenFiles int) *Provider {
	if maxOpenFiles < 1 {
		maxOpenFiles = 1
	}
	return &Provider{
		dir:          dir,
		prefix:       prefix,
		maxOpenFiles: maxOpenFiles,
		open:         make(map[int32]*Handle),
		lru:          list.New(),
	}
}

func (p *Provider) path(id int32) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s%d", p.prefix, id))
}

// GetFile returns a handle for the given file id, opening (and
// creating) the file if needed. The caller must Close the handle when
// done with it.
func (p *Provider) GetFile(id int32) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}
	if h, ok := p.open[id]; ok {
		h.refs++
		p.lru.MoveToFront(h.elem)
		return h, nil
	}
	if err := p.evictLocked(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p.path(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "fileprov: open %s%d", p.prefix, id)
	}
	h := &Handle{provider: p, id: id, file: f, refs: 1}
	h.elem = p.lru.PushFront(h)
	p.open[id] = h
	return h, nil
}

// GetFileIfOpen returns a handle only when the file is already in the
// pool, nil otherwise.
func (p *Provider) GetFileIfOpen(id int32) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.open[id]
	if !ok || p.stopped {
		return nil
	}
	h.refs++
	p.lru.MoveToFront(h.elem)
	return h
}

// evictLocked closes idle handles until the pool is under its limit.
// Handles still borrowed are skipped and stay in the pool.
func (p *Provider) evictLocked() error {
	for len(p.open) >= p.maxOpenFiles {
		evicted := false
		for e := p.lru.Back(); e != nil; e = e.Prev() {
			h := e.Value.(*Handle)
			if h.refs > 0 {
				continue
			}
			p.dropLocked(h)
			if err := h.file.Close(); err != nil {
				return errors.Wrap(err, "fileprov: evict")
			}
			evicted = true
			break
		}
		if !evicted {
			// every handle is borrowed; allow a temporary overshoot
			return nil
		}
	}
	return nil
}

func (p *Provider) dropLocked(h *Handle) {
	delete(p.open, h.id)
	p.lru.Remove(h.elem)
	h.dropped = true
}

// DeleteFile removes the file from disk. An open handle is dropped
// from the pool; borrowers keep a valid descriptor until they release
// it.
func (p *Provider) DeleteFile(id int32) error {
	p.mu.Lock()
	if h, ok := p.open[id]; ok {
		p.dropLocked(h)
		if h.refs == 0 {
			_ = h.file.Close()
		}
	}
	p.mu.Unlock()
	if err := os.Remove(p.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "fileprov: delete %s%d", p.prefix, id)
	}
	return nil
}

// GetFileSize returns the size of the file, or an error when it does
// not exist.
func (p *Provider) GetFileSize(id int32) (int64, error) {
	if h := p.GetFileIfOpen(id); h != nil {
		defer h.Close()
		return h.Size()
	}
	info, err := os.Stat(p.path(id))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Stop closes every idle handle and refuses further opens. Borrowed
// handles close when released.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for e := p.lru.Front(); e != nil; {
		next := e.Next()
		h := e.Value.(*Handle)
		p.dropLocked(h)
		if h.refs == 0 {
			_ = h.file.Close()
		}
		e = next
	}
}
