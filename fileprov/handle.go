package fileprov

import (
	"container/list"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Handle is a borrowed, reference-counted descriptor for one numbered
// file. It stays valid until Close even if the pool evicts or deletes
// the file meanwhile.
type Handle struct {
	provider *Provider
	id       int32
	file     *os.File
	elem     *list.Element
	refs     int
	dropped  bool
}

// ID returns the numeric file id.
func (h *Handle) ID() int32 { return h.id }

// ReadAt fills buf completely from the given offset. A read that hits
// EOF before buf is full returns ErrShortRead.
func (h *Handle) ReadAt(buf []byte, offset int64) error {
	read := 0
	for read < len(buf) {
		n, err := h.file.ReadAt(buf[read:], offset+int64(read))
		read += n
		if err == io.EOF {
			if read < len(buf) {
				return ErrShortRead
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteAt writes buf completely at the given offset, looping over
// partial writes.
func (h *Handle) WriteAt(buf []byte, offset int64) error {
	written := 0
	for written < len(buf) {
		n, err := h.file.WriteAt(buf[written:], offset+int64(written))
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

// Truncate resizes the file.
func (h *Handle) Truncate(size int64) error {
	return h.file.Truncate(size)
}

// Force flushes the file to stable storage. When metadata is false the
// data-only variant is used where the platform has one.
func (h *Handle) Force(metadata bool) error {
	return h.force(metadata)
}

// Size returns the current file size.
func (h *Handle) Size() (int64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close releases the borrow. The descriptor is closed once the handle
// has both been dropped from the pool and fully released.
func (h *Handle) Close() error {
	p := h.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.refs <= 0 {
		return errors.New("fileprov: handle released twice")
	}
	h.refs--
	if h.refs == 0 && h.dropped {
		return h.file.Close()
	}
	return nil
}
