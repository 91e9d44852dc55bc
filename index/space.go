package index

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/nextlabs-mydc/sifs/fileprov"
)

// IndexSpace is an offset-length slot inside a segment's index file.
type IndexSpace struct {
	Offset int64
	Length uint16
}

// stored reports whether the space points at an on-disk slot. A fresh
// empty root has no slot until it is first written.
func (s IndexSpace) stored() bool { return s.Length > 0 }

// freeBlockCatalog is a length-keyed ordered multi-map of reusable
// holes inside one index file. It is applier-private; no locking.
type freeBlockCatalog struct {
	byLength map[uint16][]IndexSpace
	lengths  []uint16 // sorted ascending, keys of byLength
}

func newFreeBlockCatalog() freeBlockCatalog {
	return freeBlockCatalog{byLength: make(map[uint16][]IndexSpace)}
}

func (c *freeBlockCatalog) clear() {
	c.byLength = make(map[uint16][]IndexSpace)
	c.lengths = c.lengths[:0]
}

// takeCeiling pops a slot of the smallest length >= requested, unless
// reuse would waste more than a quarter of the requested length.
func (c *freeBlockCatalog) takeCeiling(length uint16) (IndexSpace, bool) {
	i := sort.Search(len(c.lengths), func(i int) bool { return c.lengths[i] >= length })
	if i == len(c.lengths) {
		return IndexSpace{}, false
	}
	spaceLength := c.lengths[i]
	// only use the slot if it is at most 25% larger, to limit fragmentation
	if spaceLength > length+length/4 {
		return IndexSpace{}, false
	}
	list := c.byLength[spaceLength]
	space := list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(c.byLength, spaceLength)
		c.lengths = append(c.lengths[:i], c.lengths[i+1:]...)
	} else {
		c.byLength[spaceLength] = list
	}
	return space, true
}

func (c *freeBlockCatalog) add(space IndexSpace) {
	if _, ok := c.byLength[space.Length]; !ok {
		i := sort.Search(len(c.lengths), func(i int) bool { return c.lengths[i] >= space.Length })
		c.lengths = append(c.lengths, 0)
		copy(c.lengths[i+1:], c.lengths[i:])
		c.lengths[i] = space.Length
	}
	c.byLength[space.Length] = append(c.byLength[space.Length], space)
}

// totalBytes sums the lengths of every free slot.
func (c *freeBlockCatalog) totalBytes() int64 {
	var total int64
	for length, list := range c.byLength {
		total += int64(length) * int64(len(list))
	}
	return total
}

// serialize writes the catalog in its persistent form:
// count:u32 { length:u32 count:u32 (offset:u64 length:u16)xcount }...
// The group length is written as 4 bytes even though slot lengths are
// 16-bit; existing files use that layout.
func (c *freeBlockCatalog) serialize() []byte {
	buf := make([]byte, 4, 4+len(c.lengths)*8)
	binary.BigEndian.PutUint32(buf, uint32(len(c.lengths)))
	for _, length := range c.lengths {
		list := c.byLength[length]
		group := make([]byte, 8+10*len(list))
		binary.BigEndian.PutUint32(group[0:4], uint32(length))
		binary.BigEndian.PutUint32(group[4:8], uint32(len(list)))
		pos := 8
		for _, space := range list {
			binary.BigEndian.PutUint64(group[pos:], uint64(space.Offset))
			binary.BigEndian.PutUint16(group[pos+8:], space.Length)
			pos += 10
		}
		buf = append(buf, group...)
	}
	return buf
}

// load restores the catalog from its persistent form starting at the
// given offset of the index file.
func (c *freeBlockCatalog) load(handle *fileprov.Handle, offset int64) error {
	c.clear()
	header := make([]byte, 4)
	if err := handle.ReadAt(header, offset); err != nil {
		return errors.Wrap(err, "free block catalog header")
	}
	offset += 4
	numLists := binary.BigEndian.Uint32(header)
	group := make([]byte, 8)
	for i := uint32(0); i < numLists; i++ {
		if err := handle.ReadAt(group[:8], offset); err != nil {
			return errors.Wrap(err, "free block group header")
		}
		offset += 8
		blockLength := binary.BigEndian.Uint32(group[0:4])
		listSize := binary.BigEndian.Uint32(group[4:8])
		if blockLength > maxNodeSizeLimit {
			return errors.Newf("free block length %d out of range", blockLength)
		}
		if listSize == 0 {
			// empty groups only add lookup cost, drop them
			continue
		}
		required := 10 * int(listSize)
		if cap(group) < required {
			group = make([]byte, required)
		}
		if err := handle.ReadAt(group[:required], offset); err != nil {
			return errors.Wrap(err, "free block group")
		}
		offset += int64(required)
		for j := 0; j < int(listSize); j++ {
			c.add(IndexSpace{
				Offset: int64(binary.BigEndian.Uint64(group[j*10:])),
				Length: binary.BigEndian.Uint16(group[j*10+8:]),
			})
		}
	}
	return nil
}
