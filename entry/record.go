// Package entry defines the record layout of the append-only data
// files that the index points into. A record is a fixed header followed
// by the key bytes and, unless the record is a tombstone, the value
// bytes.
package entry

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/nextlabs-mydc/sifs/fileprov"
)

// Header layout, big-endian:
// | keyLen | valueLen | seqId | expiryTime |
// |   2B   |    4B    |  8B   |     8B     |
// valueLen < 0 marks a tombstone record; expiryTime < 0 means the
// record never expires.
const HeaderSize = 2 + 4 + 8 + 8

// ErrCorruptRecord is returned when a record cannot be decoded.
var ErrCorruptRecord = errors.New("entry: corrupt record")

// Header describes one data-file record.
type Header struct {
	KeyLen     uint16
	ValueLen   int32
	SeqID      uint64
	ExpiryTime int64
}

// Tombstone reports whether the record carries no value.
func (h *Header) Tombstone() bool { return h.ValueLen < 0 }

// TotalLength is the full on-disk length of the record.
func (h *Header) TotalLength() int64 {
	length := int64(HeaderSize) + int64(h.KeyLen)
	if h.ValueLen > 0 {
		length += int64(h.ValueLen)
	}
	return length
}

// Expired reports whether the record is expired at the given time.
func (h *Header) Expired(now int64) bool {
	return h.ExpiryTime >= 0 && h.ExpiryTime <= now
}

// Record is a fully materialized data-file record.
type Record struct {
	Header Header
	Key    []byte
	Value  []byte // nil for tombstones
}

func decodeHeader(buf []byte) Header {
	return Header{
		KeyLen:     binary.BigEndian.Uint16(buf[0:2]),
		ValueLen:   int32(binary.BigEndian.Uint32(buf[2:6])),
		SeqID:      binary.BigEndian.Uint64(buf[6:14]),
		ExpiryTime: int64(binary.BigEndian.Uint64(buf[14:22])),
	}
}

func encodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.KeyLen)
	binary.BigEndian.PutUint32(buf[2:6], uint32(h.ValueLen))
	binary.BigEndian.PutUint64(buf[6:14], h.SeqID)
	binary.BigEndian.PutUint64(buf[14:22], uint64(h.ExpiryTime))
	return buf
}

// ReadHeader reads just the record header at the given position.
func ReadHeader(provider *fileprov.Provider, file int32, offset int64) (Header, error) {
	handle, err := provider.GetFile(file)
	if err != nil {
		return Header{}, err
	}
	defer handle.Close()
	buf := make([]byte, HeaderSize)
	if err := handle.ReadAt(buf, offset); err != nil {
		return Header{}, err
	}
	return decodeHeader(buf), nil
}

// ReadRecord materializes the record at the given position. The stored
// key must equal the expected key when expectedKey is non-nil;
// a mismatch means the index points at a foreign record.
func ReadRecord(provider *fileprov.Provider, file int32, offset int64, expectedKey []byte) (*Record, error) {
	handle, err := provider.GetFile(file)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	buf := make([]byte, HeaderSize)
	if err := handle.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	header := decodeHeader(buf)

	key := make([]byte, header.KeyLen)
	if err := handle.ReadAt(key, offset+HeaderSize); err != nil {
		return nil, err
	}
	if expectedKey != nil && !bytes.Equal(key, expectedKey) {
		return nil, errors.Wrapf(ErrCorruptRecord, "key mismatch at %d:%d", file, offset)
	}

	record := &Record{Header: header, Key: key}
	if header.ValueLen > 0 {
		value := make([]byte, header.ValueLen)
		if err := handle.ReadAt(value, offset+HeaderSize+int64(header.KeyLen)); err != nil {
			return nil, err
		}
		record.Value = value
	}
	return record, nil
}

// AppendEntry writes a record at the given offset of a data file and
// returns the offset just past it. A nil value writes a tombstone.
func AppendEntry(provider *fileprov.Provider, file int32, offset int64, key, value []byte, seqID uint64, expiryTime int64) (int64, error) {
	header := Header{
		KeyLen:     uint16(len(key)),
		SeqID:      seqID,
		ExpiryTime: expiryTime,
	}
	if value == nil {
		header.ValueLen = -1
	} else {
		header.ValueLen = int32(len(value))
	}

	handle, err := provider.GetFile(file)
	if err != nil {
		return 0, err
	}
	defer handle.Close()

	buf := encodeHeader(&header)
	buf = append(buf, key...)
	buf = append(buf, value...)
	if err := handle.WriteAt(buf, offset); err != nil {
		return 0, err
	}
	return offset + int64(len(buf)), nil
}
