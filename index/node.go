package index

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/nextlabs-mydc/sifs/pkg/utils"
)

// ErrIllegalState reports a broken applier invariant; the offending
// request fails but the segment keeps running.
var ErrIllegalState = errors.New("index: illegal state")

// ErrCorruptNode reports an index file node that cannot be decoded.
var ErrCorruptNode = errors.New("index: corrupt node")

const (
	nodeFlagLeaf = byte(1)

	// flags:u8 | numKeys:u16
	nodeHeaderSize = 3
	// key prefix: len:u16 + bytes
	keyHeaderSize = 2
	// child pointer: offset:u64 | length:u16
	childPointerSize = 10
	// leaf payload: file:i32 | offset:i64 | numRecords:u32 | seqId:u64
	leafPayloadSize = 24
)

// leafEntry is one (key, location) tuple of a leaf node. A negative
// file/offset pair is a tombstone; dropped entries keep their last
// location bitwise-complemented so expired reads can still surface it.
type leafEntry struct {
	key        []byte
	file       int32
	offset     int64
	numRecords uint32
	seqID      uint64
}

func (e *leafEntry) tombstone() bool { return e.offset < 0 }

// lastLocation decodes the entry location, undoing the tombstone
// complement when needed. ok is false when no location is recoverable,
// which happens for keys that were never indexed with a live record.
func (e *leafEntry) lastLocation() (int32, int64, bool) {
	if e.offset >= 0 {
		return e.file, e.offset, true
	}
	if e.file == -1 && e.offset == -1 {
		return 0, 0, false
	}
	return ^e.file, ^e.offset, true
}

// node is one immutable B+tree node. Inner nodes carry numKeys
// separator prefixes and numKeys+1 child slots; leaves carry numKeys
// entries. A node is never modified after it is stored; every mutation
// produces fresh nodes and retires the old slots to the free catalog.
type node struct {
	leaf     bool
	space    IndexSpace   // on-disk slot; zero until stored
	keys     [][]byte     // inner separators
	children []IndexSpace // inner child slots
	entries  []leafEntry  // leaf entries
}

func emptyLeafNode() *node {
	return &node{leaf: true}
}

// childIndex returns the child covering key: the number of separators
// <= key, so children between K_i and K_{i+1} cover [K_i, K_{i+1}).
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

// findEntry locates key in a leaf.
func (n *node) findEntry(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	if i < len(n.entries) && bytes.Equal(n.entries[i].key, key) {
		return i, true
	}
	return i, false
}

func (n *node) encodedLength() int {
	length := nodeHeaderSize
	if n.leaf {
		for i := range n.entries {
			length += keyHeaderSize + len(n.entries[i].key) + leafPayloadSize
		}
		return length
	}
	for _, key := range n.keys {
		length += keyHeaderSize + len(key)
	}
	return length + childPointerSize*len(n.children)
}

func (n *node) serialize() []byte {
	buf := make([]byte, 0, n.encodedLength())
	var flags byte
	var numKeys int
	if n.leaf {
		flags = nodeFlagLeaf
		numKeys = len(n.entries)
	} else {
		numKeys = len(n.keys)
		utils.Assert(len(n.children) == numKeys+1, "inner node has numKeys+1 children")
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(numKeys))
	if n.leaf {
		for i := range n.entries {
			e := &n.entries[i]
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.key)))
			buf = append(buf, e.key...)
			buf = binary.BigEndian.AppendUint32(buf, uint32(e.file))
			buf = binary.BigEndian.AppendUint64(buf, uint64(e.offset))
			buf = binary.BigEndian.AppendUint32(buf, e.numRecords)
			buf = binary.BigEndian.AppendUint64(buf, e.seqID)
		}
		return buf
	}
	for _, key := range n.keys {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(key)))
		buf = append(buf, key...)
	}
	for _, child := range n.children {
		buf = binary.BigEndian.AppendUint64(buf, uint64(child.Offset))
		buf = binary.BigEndian.AppendUint16(buf, child.Length)
	}
	return buf
}

func parseNode(data []byte, space IndexSpace) (*node, error) {
	if len(data) < nodeHeaderSize {
		return nil, errors.Wrapf(ErrCorruptNode, "node at %d too short", space.Offset)
	}
	leaf := data[0]&nodeFlagLeaf != 0
	numKeys := int(binary.BigEndian.Uint16(data[1:3]))
	pos := nodeHeaderSize
	n := &node{leaf: leaf, space: space}
	if leaf {
		n.entries = make([]leafEntry, 0, numKeys)
		for i := 0; i < numKeys; i++ {
			if pos+keyHeaderSize > len(data) {
				return nil, errors.Wrapf(ErrCorruptNode, "leaf at %d truncated", space.Offset)
			}
			keyLen := int(binary.BigEndian.Uint16(data[pos:]))
			pos += keyHeaderSize
			if pos+keyLen+leafPayloadSize > len(data) {
				return nil, errors.Wrapf(ErrCorruptNode, "leaf at %d truncated", space.Offset)
			}
			key := make([]byte, keyLen)
			copy(key, data[pos:pos+keyLen])
			pos += keyLen
			n.entries = append(n.entries, leafEntry{
				key:        key,
				file:       int32(binary.BigEndian.Uint32(data[pos:])),
				offset:     int64(binary.BigEndian.Uint64(data[pos+4:])),
				numRecords: binary.BigEndian.Uint32(data[pos+12:]),
				seqID:      binary.BigEndian.Uint64(data[pos+16:]),
			})
			pos += leafPayloadSize
		}
		return n, nil
	}
	n.keys = make([][]byte, 0, numKeys)
	for i := 0; i < numKeys; i++ {
		if pos+keyHeaderSize > len(data) {
			return nil, errors.Wrapf(ErrCorruptNode, "inner at %d truncated", space.Offset)
		}
		keyLen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += keyHeaderSize
		if pos+keyLen > len(data) {
			return nil, errors.Wrapf(ErrCorruptNode, "inner at %d truncated", space.Offset)
		}
		key := make([]byte, keyLen)
		copy(key, data[pos:pos+keyLen])
		pos += keyLen
		n.keys = append(n.keys, key)
	}
	n.children = make([]IndexSpace, 0, numKeys+1)
	for i := 0; i <= numKeys; i++ {
		if pos+childPointerSize > len(data) {
			return nil, errors.Wrapf(ErrCorruptNode, "inner at %d truncated", space.Offset)
		}
		n.children = append(n.children, IndexSpace{
			Offset: int64(binary.BigEndian.Uint64(data[pos:])),
			Length: binary.BigEndian.Uint16(data[pos+8:]),
		})
		pos += childPointerSize
	}
	return n, nil
}

// recordChange selects how setPosition folds a request into the leaf.
type recordChange int

const (
	recordIncrease recordChange = iota
	recordIncreaseForOld
	recordDecrease
	recordMove
)

// applyLeafChange computes the new entry list of a leaf. Returns the
// updated entries and whether the leaf actually changed.
func applyLeafChange(entries []leafEntry, idx int, found bool, req *Request, change recordChange) ([]leafEntry, bool) {
	switch change {
	case recordIncrease, recordIncreaseForOld:
		if found {
			updated := entries[idx]
			updated.numRecords++
			// a stale write (lower seqId) only contributes to the
			// record count; the newer location stays
			if change == recordIncrease && req.seqID >= updated.seqID {
				if req.offset < 0 {
					// a removal keeps the last location recoverable
					// under the tombstone complement
					if updated.offset >= 0 {
						updated.file = ^updated.file
						updated.offset = ^updated.offset
					}
				} else {
					updated.file = req.file
					updated.offset = req.offset
				}
				updated.seqID = req.seqID
			}
			return replaceEntry(entries, idx, updated), true
		}
		inserted := leafEntry{
			key:        req.key,
			file:       req.file,
			offset:     req.offset,
			numRecords: req.numRecords,
			seqID:      req.seqID,
		}
		return insertEntry(entries, idx, inserted), true

	case recordMove:
		if !found {
			if req.offset < 0 {
				return entries, false
			}
			inserted := leafEntry{
				key:        req.key,
				file:       req.file,
				offset:     req.offset,
				numRecords: req.numRecords,
				seqID:      req.seqID,
			}
			return insertEntry(entries, idx, inserted), true
		}
		updated := entries[idx]
		if req.offset < 0 {
			// the compactor dropped the record instead of moving it;
			// keep the last location recoverable under the tombstone
			if updated.offset >= 0 {
				updated.file = ^updated.file
				updated.offset = ^updated.offset
			}
		} else {
			updated.file = req.file
			updated.offset = req.offset
		}
		if req.seqID > updated.seqID {
			updated.seqID = req.seqID
		}
		return replaceEntry(entries, idx, updated), true

	case recordDecrease:
		if !found {
			return entries, false
		}
		updated := entries[idx]
		if updated.offset < 0 {
			// already tombstoned: compaction is reclaiming the
			// remaining records, the entry goes with the last one
			if updated.numRecords <= 1 {
				result := make([]leafEntry, 0, len(entries)-1)
				result = append(result, entries[:idx]...)
				result = append(result, entries[idx+1:]...)
				return result, true
			}
			updated.numRecords--
			return replaceEntry(entries, idx, updated), true
		}
		if updated.numRecords > 0 {
			updated.numRecords--
		}
		updated.file = ^updated.file
		updated.offset = ^updated.offset
		return replaceEntry(entries, idx, updated), true
	}
	return entries, false
}

func replaceEntry(entries []leafEntry, idx int, e leafEntry) []leafEntry {
	result := make([]leafEntry, len(entries))
	copy(result, entries)
	result[idx] = e
	return result
}

func insertEntry(entries []leafEntry, idx int, e leafEntry) []leafEntry {
	result := make([]leafEntry, 0, len(entries)+1)
	result = append(result, entries[:idx]...)
	result = append(result, e)
	result = append(result, entries[idx:]...)
	return result
}

// splitLeafEntries packs entries greedily into nodes no longer than
// maxSize: the split prefix is the longest one that still fits.
func splitLeafEntries(entries []leafEntry, maxSize int) ([]*node, [][]byte) {
	var nodes []*node
	var seps [][]byte
	start := 0
	size := nodeHeaderSize
	for i := range entries {
		entrySize := keyHeaderSize + len(entries[i].key) + leafPayloadSize
		if i > start && size+entrySize > maxSize {
			nodes = append(nodes, &node{leaf: true, entries: entries[start:i:i]})
			seps = append(seps, entries[i].key)
			start = i
			size = nodeHeaderSize
		}
		size += entrySize
	}
	nodes = append(nodes, &node{leaf: true, entries: entries[start:]})
	if len(nodes) == 1 {
		return nodes, nil
	}
	return nodes, seps[:len(nodes)-1]
}

// splitInnerNode packs children greedily into inner nodes no longer
// than maxSize; the separator between two result nodes moves up to the
// parent.
func splitInnerNode(keys [][]byte, children []IndexSpace, maxSize int) ([]*node, [][]byte) {
	var nodes []*node
	var seps [][]byte
	startChild := 0
	size := nodeHeaderSize + childPointerSize
	for i := 1; i < len(children); i++ {
		sep := keys[i-1]
		add := childPointerSize + keyHeaderSize + len(sep)
		if i > startChild+1 && size+add > maxSize {
			nodes = append(nodes, &node{
				keys:     keys[startChild : i-1 : i-1],
				children: children[startChild:i:i],
			})
			seps = append(seps, sep)
			startChild = i
			size = nodeHeaderSize + childPointerSize
			continue
		}
		size += add
	}
	nodes = append(nodes, &node{
		keys:     keys[startChild:],
		children: children[startChild:],
	})
	if len(nodes) == 1 {
		return nodes, nil
	}
	return nodes, seps[:len(nodes)-1]
}

// splitLeafBalanced splits entries near the byte midpoint; used when a
// merge would overflow and the entries are redistributed instead.
func splitLeafBalanced(entries []leafEntry) ([]*node, [][]byte) {
	total := nodeHeaderSize
	for i := range entries {
		total += keyHeaderSize + len(entries[i].key) + leafPayloadSize
	}
	half := total / 2
	size := nodeHeaderSize
	split := 1
	for i := range entries {
		entrySize := keyHeaderSize + len(entries[i].key) + leafPayloadSize
		// cut before the entry whose middle lies past the midpoint
		if i > 0 && size+entrySize/2 > half {
			split = i
			break
		}
		size += entrySize
		split = i + 1
	}
	if split >= len(entries) {
		split = len(entries) - 1
	}
	left := &node{leaf: true, entries: entries[:split:split]}
	right := &node{leaf: true, entries: entries[split:]}
	return []*node{left, right}, [][]byte{right.entries[0].key}
}

// splitInnerBalanced splits an overfull merged inner node near its
// byte midpoint, pushing the boundary separator up.
func splitInnerBalanced(keys [][]byte, children []IndexSpace) ([]*node, [][]byte) {
	total := nodeHeaderSize + childPointerSize*len(children)
	for _, key := range keys {
		total += keyHeaderSize + len(key)
	}
	half := total / 2
	size := nodeHeaderSize + childPointerSize
	split := 1
	for i := 1; i < len(children); i++ {
		add := childPointerSize + keyHeaderSize + len(keys[i-1])
		if i > 1 && size+add > half {
			split = i
			break
		}
		size += add
		split = i + 1
	}
	if split >= len(children) {
		split = len(children) - 1
	}
	left := &node{keys: keys[: split-1 : split-1], children: children[:split:split]}
	right := &node{keys: keys[split:], children: children[split:]}
	return []*node{left, right}, [][]byte{keys[split-1]}
}
