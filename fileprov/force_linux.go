//go:build linux

package fileprov

import "golang.org/x/sys/unix"

func (h *Handle) force(metadata bool) error {
	if metadata {
		return h.file.Sync()
	}
	return unix.Fdatasync(int(h.file.Fd()))
}
