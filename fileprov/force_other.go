//go:build !linux

package fileprov

func (h *Handle) force(metadata bool) error {
	_ = metadata
	return h.file.Sync()
}
