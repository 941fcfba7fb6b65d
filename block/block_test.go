package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(64)
	assert.NoError(t, b.WriteUint32(0xdeadbeef))
	assert.NoError(t, b.WriteUint64(123456789))
	assert.NoError(t, b.WriteString("hello"))

	v32, err := b.ReadUint32()
	assert.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v32)

	v64, err := b.ReadUint64()
	assert.NoError(t, err)
	assert.Equal(t, uint64(123456789), v64)

	s, err := b.ReadString()
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)

	assert.Equal(t, b.Offset(), b.Size())
}

func TestWriteBeyondCapacityFails(t *testing.T) {
	b := New(4)
	err := b.Write([]byte("12345"))
	assert.Error(t, err)
}

func TestReadBeyondSizeFails(t *testing.T) {
	b := New(16)
	assert.NoError(t, b.Write([]byte("ab")))
	_, err := b.Read(make([]byte, 10))
	assert.Error(t, err)
}

func TestCopyIsByteExact(t *testing.T) {
	b := New(16)
	assert.NoError(t, b.Write([]byte("xyz")))
	_, _ = b.Read(make([]byte, 1))

	c := b.Copy()
	assert.Equal(t, b.Size(), c.Size())
	assert.Equal(t, b.Offset(), c.Offset())
	assert.Equal(t, b.Bytes(), c.Bytes())
}

func TestPoolTryGetAllocatesWhenEmpty(t *testing.T) {
	p := NewPool(32)
	_, ok := p.TryGet()
	assert.False(t, ok)

	got := p.Get()
	assert.Equal(t, 32, got.Capacity())
}

func TestPoolReusesReturnedBlocks(t *testing.T) {
	p := NewPool(32)
	b := p.Get()
	assert.NoError(t, b.Write([]byte("data")))
	p.Put(b)

	reused, ok := p.TryGet()
	assert.True(t, ok)
	assert.Same(t, b, reused)
	assert.Equal(t, 0, reused.Size())
	assert.Equal(t, 0, reused.Offset())
}

func TestPoolDoubleFreePanics(t *testing.T) {
	p := NewPool(32)
	b := p.Get()
	p.Put(b)
	assert.Panics(t, func() { p.Put(b) })
}

func TestTaggedPoolSizesByTag(t *testing.T) {
	tp := NewTaggedPool(func(tag string) int {
		if tag == "large" {
			return 1 << 16
		}
		return 1 << 10
	})
	small := tp.Get("small")
	large := tp.Get("large")
	assert.Equal(t, 1<<10, small.Capacity())
	assert.Equal(t, 1<<16, large.Capacity())
}
