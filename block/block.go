// Package block implements DataBlock (spec.md §3/§4.C1): a fixed-capacity
// byte buffer with independent write and read cursors, plus POD and
// length-prefixed string helpers, and the pool types blocks are recycled
// through.
package block

import (
	"encoding/binary"

	"github.com/ground-x/blmsg/errs"
)

// DefaultCapacity is DataBlock's default capacity when none is given.
const DefaultCapacity = 1 << 20 // 1 MiB

// DataBlock is a fixed-capacity byte buffer with sequential write (size)
// and read (offset1) cursors. Invariant: 0 <= offset1 <= size <= capacity.
type DataBlock struct {
	buf     []byte
	size    int
	offset1 int
}

// New allocates a DataBlock with the given capacity. capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *DataBlock {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &DataBlock{buf: make([]byte, capacity)}
}

// Capacity returns the block's fixed capacity.
func (b *DataBlock) Capacity() int { return len(b.buf) }

// Size returns the current write cursor (number of bytes written).
func (b *DataBlock) Size() int { return b.size }

// Offset returns the current read cursor.
func (b *DataBlock) Offset() int { return b.offset1 }

// Remaining returns the number of unread bytes (size - offset1).
func (b *DataBlock) Remaining() int { return b.size - b.offset1 }

// Reset clears both cursors, making the block ready for reuse. Pool
// acquisition must leave offset1=0, size=0 per spec.md §3.
func (b *DataBlock) Reset() {
	b.size = 0
	b.offset1 = 0
}

// Bytes returns the written-but-unread slice [offset1:size).
func (b *DataBlock) Bytes() []byte {
	return b.buf[b.offset1:b.size]
}

// Write appends p to the block, advancing the write cursor. Fails with
// ArgumentError if p would not fit within capacity.
func (b *DataBlock) Write(p []byte) error {
	if b.size+len(p) > len(b.buf) {
		return errs.New(errs.CodeArgumentError, "block: write of %d bytes exceeds capacity %d (size=%d)", len(p), len(b.buf), b.size)
	}
	n := copy(b.buf[b.size:], p)
	b.size += n
	return nil
}

// Read copies exactly len(p) bytes into p, advancing the read cursor, and
// returns the number of bytes read. Fails with ArgumentError, reading
// nothing, if p is larger than what remains.
func (b *DataBlock) Read(p []byte) (int, error) {
	if len(p) > b.Remaining() {
		return 0, errs.New(errs.CodeArgumentError, "block: read of %d bytes exceeds remaining %d", len(p), b.Remaining())
	}
	n := copy(p, b.buf[b.offset1:b.offset1+len(p)])
	b.offset1 += n
	return n, nil
}

// WriteUint32 writes v big-endian.
func (b *DataBlock) WriteUint32(v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return b.Write(tmp[:])
}

// ReadUint32 reads a big-endian uint32.
func (b *DataBlock) ReadUint32() (uint32, error) {
	var tmp [4]byte
	if _, err := b.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

// WriteUint64 writes v big-endian.
func (b *DataBlock) WriteUint64(v uint64) error {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return b.Write(tmp[:])
}

// ReadUint64 reads a big-endian uint64.
func (b *DataBlock) ReadUint64() (uint64, error) {
	var tmp [8]byte
	if _, err := b.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

// WriteString writes a uint32-length-prefixed UTF-8 string.
func (b *DataBlock) WriteString(s string) error {
	if err := b.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	return b.Write([]byte(s))
}

// ReadString reads a uint32-length-prefixed UTF-8 string.
func (b *DataBlock) ReadString() (string, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return "", err
	}
	p := make([]byte, n)
	if _, err := b.Read(p); err != nil {
		return "", err
	}
	return string(p), nil
}

// Copy returns a new DataBlock with identical capacity, size, offset1 and
// byte-exact contents (spec.md §8 round-trip property).
func (b *DataBlock) Copy() *DataBlock {
	out := &DataBlock{
		buf:     make([]byte, len(b.buf)),
		size:    b.size,
		offset1: b.offset1,
	}
	copy(out.buf, b.buf)
	return out
}
